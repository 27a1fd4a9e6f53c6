package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskrelay/internal/broker"
	"taskrelay/internal/domain"
	"taskrelay/internal/results"
)

// Server is the producer-facing HTTP surface: enqueue an invocation, query
// its status, health and metrics. It never executes tasks.
type Server struct {
	r       *chi.Mux
	broker  broker.Broker
	tracker results.Tracker
}

func NewServer(b broker.Broker, tracker results.Tracker) http.Handler {
	return NewServerWithDebug(b, tracker, false)
}

func NewServerWithDebug(b broker.Broker, tracker results.Tracker, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, broker: b, tracker: tracker}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/invocations", s.enqueue)
	r.Get("/api/invocations/{id}", s.status)
	r.Get("/api/invocations/{id}/attempts", s.attempts)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "taskrelay_up 1\n")
	for _, state := range []domain.State{domain.StatePending, domain.StateRunning, domain.StateRetryScheduled} {
		fmt.Fprintf(w, "taskrelay_invocations{state=%q} %d\n", state, stats[state])
	}
}

type enqueueReq struct {
	TaskName     string          `json:"task_name"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	DelaySeconds int             `json:"delay_seconds"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TaskName == "" {
		http.Error(w, "task_name is required", http.StatusBadRequest)
		return
	}
	if req.DelaySeconds < 0 {
		http.Error(w, "delay_seconds must not be negative", http.StatusBadRequest)
		return
	}

	id, err := s.broker.Enqueue(r.Context(), req.TaskName, req.Queue, req.Payload,
		time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownTask):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrBrokerUnavailable):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

// status reads the terminal record first; an invocation still in flight is
// reported from the broker's active set instead.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if rec, err := s.tracker.Get(r.Context(), id); err == nil {
		resp := map[string]any{
			"id":           rec.InvocationID,
			"state":        rec.FinalState,
			"attempt":      rec.Attempt,
			"completed_at": rec.CompletedAt.Format(time.RFC3339),
		}
		if len(rec.Output) > 0 {
			resp["output"] = json.RawMessage(rec.Output)
		}
		if rec.Error != "" {
			resp["error"] = rec.Error
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	inv, err := s.broker.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           inv.ID,
		"task_name":    inv.TaskName,
		"queue":        inv.Queue,
		"state":        inv.State,
		"attempt":      inv.Attempt,
		"max_attempts": inv.MaxAttempts,
		"not_before":   inv.NotBefore.Format(time.RFC3339),
	})
}

func (s *Server) attempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recs, err := s.tracker.Attempts(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
