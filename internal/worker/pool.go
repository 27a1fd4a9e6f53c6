package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskrelay/internal/broker"
	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
	"taskrelay/internal/results"
)

// Config holds worker pool configuration.
type Config struct {
	// Queues is the set of queue names this pool consumes.
	Queues []string

	// Concurrency is the number of executor goroutines. Minimum 1.
	Concurrency int

	// PollTimeout is how long a single dequeue call blocks waiting for work.
	PollTimeout time.Duration

	// JanitorInterval is the cadence of lease recovery and result pruning.
	JanitorInterval time.Duration

	// ResultRetention bounds how long terminal records are kept. Zero
	// disables pruning.
	ResultRetention time.Duration
}

// Pool runs N concurrent executors, each looping dequeue -> resolve ->
// execute -> ack or requeue. Executors share no mutable state except
// through the broker.
type Pool struct {
	broker  broker.Broker
	reg     *registry.Registry
	tracker results.Tracker
	cfg     Config
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewPool(b broker.Broker, reg *registry.Registry, tracker results.Tracker, cfg Config) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"default"}
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	return &Pool{broker: b, reg: reg, tracker: tracker, cfg: cfg, stop: make(chan struct{})}
}

// Run recovers abandoned leases, starts the executors and the janitor, and
// blocks until ctx is canceled or Stop is called.
func (p *Pool) Run(ctx context.Context) {
	if n, err := p.broker.RecoverExpired(ctx, time.Now()); err != nil {
		log.Error().Err(err).Msg("boot lease recovery failed")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered abandoned invocations")
	}

	log.Info().
		Strs("queues", p.cfg.Queues).
		Int("concurrency", p.cfg.Concurrency).
		Msg("worker pool starting")

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.executor(ctx, i)
	}
	p.wg.Add(1)
	go p.janitor(ctx)

	p.wg.Wait()
}

// Stop asks the executors to finish their current invocation and exit.
func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) executor(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		inv, err := p.broker.Dequeue(ctx, p.cfg.Queues, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("executor", id).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-time.After(p.cfg.PollTimeout):
			}
			continue
		}
		if inv == nil {
			// Idle; Dequeue already blocked for the poll timeout.
			continue
		}
		p.execute(ctx, inv, id)
	}
}

// execute drives one claimed invocation to an ack, a requeue, or a terminal
// record. Handler errors never escape the executor loop.
func (p *Pool) execute(ctx context.Context, inv *domain.Invocation, executorID int) {
	attempt := inv.Attempt + 1
	logger := log.With().
		Str("invocation_id", inv.ID).
		Str("task", inv.TaskName).
		Int("attempt", attempt).
		Int("executor", executorID).
		Logger()

	def, err := p.reg.Resolve(inv.TaskName)
	if err != nil {
		// Enqueue validates names, so this means the registry changed across
		// a restart. Not retryable.
		logger.Error().Err(err).Msg("no handler for claimed invocation")
		p.finalize(ctx, inv.ID, domain.StateFailed, attempt, nil, err)
		return
	}

	output, execErr := runHandler(ctx, def, inv.Payload)

	if err := p.tracker.RecordAttempt(ctx, inv.ID, attempt, execErr); err != nil {
		logger.Error().Err(err).Msg("failed to record attempt")
	}

	switch {
	case execErr == nil:
		logger.Info().Msg("invocation succeeded")
		p.finalize(ctx, inv.ID, domain.StateSucceeded, attempt, output, nil)

	case domain.IsPermanent(execErr):
		logger.Warn().Err(execErr).Msg("invocation failed permanently")
		p.finalize(ctx, inv.ID, domain.StateFailed, attempt, nil, execErr)

	default:
		delay := def.Backoff(inv.Attempt)
		newAttempt, reqErr := p.broker.Requeue(ctx, inv.ID, delay)
		switch {
		case errors.Is(reqErr, domain.ErrExhausted):
			logger.Warn().Err(execErr).Int("attempts", newAttempt).Msg("invocation exhausted")
			if err := p.tracker.Finalize(ctx, inv.ID, domain.StateExhausted, newAttempt, nil, execErr); err != nil {
				logger.Error().Err(err).Msg("failed to finalize exhausted invocation")
			}
		case reqErr != nil:
			// Lease expiry will make the invocation claimable again.
			logger.Error().Err(reqErr).Msg("requeue failed")
		default:
			logger.Info().Err(execErr).Dur("delay", delay).Msg("invocation scheduled for retry")
		}
	}
}

// finalize writes the terminal record, then removes the invocation from the
// broker's active set.
func (p *Pool) finalize(ctx context.Context, id string, state domain.State, attempt int, output json.RawMessage, execErr error) {
	if err := p.tracker.Finalize(ctx, id, state, attempt, output, execErr); err != nil {
		log.Error().Err(err).Str("invocation_id", id).Msg("failed to finalize invocation")
	}
	if err := p.broker.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("invocation_id", id).Msg("failed to ack invocation")
	}
}

// runHandler enforces the task timeout. A handler that overruns is abandoned:
// its eventual result is discarded and the overrun is reported as an ordinary
// handler failure so the retry policy applies.
func runHandler(ctx context.Context, def registry.Definition, payload json.RawMessage) (json.RawMessage, error) {
	hctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	type result struct {
		output json.RawMessage
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := def.Handler(hctx, payload)
		done <- result{output: out, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-hctx.Done():
		return nil, fmt.Errorf("handler %s exceeded %s timeout: %w", def.Name, def.Timeout, hctx.Err())
	}
}

func (p *Pool) janitor(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-ticker.C:
			if n, err := p.broker.RecoverExpired(ctx, now); err != nil {
				log.Error().Err(err).Msg("lease recovery failed")
			} else if n > 0 {
				log.Info().Int("recovered", n).Msg("recovered abandoned invocations")
			}
			if p.cfg.ResultRetention > 0 {
				if _, err := p.tracker.PruneOlderThan(ctx, now.Add(-p.cfg.ResultRetention)); err != nil {
					log.Error().Err(err).Msg("result pruning failed")
				}
			}
		}
	}
}
