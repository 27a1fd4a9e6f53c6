package domain

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of an invocation. The broker owns the
// non-terminal transitions; only the result tracker writes terminal states.
type State string

const (
	StatePending        State = "pending"
	StateRunning        State = "running"
	StateRetryScheduled State = "retry_scheduled"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateExhausted      State = "exhausted"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateExhausted
}

// Invocation is one concrete request to execute a named task.
type Invocation struct {
	ID          string          `db:"id" json:"id"`
	TaskName    string          `db:"task_name" json:"task_name"`
	Queue       string          `db:"queue" json:"queue"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Attempt     int             `db:"attempt" json:"attempt"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	NotBefore   time.Time       `db:"not_before" json:"not_before"`
	State       State           `db:"state" json:"state"`
	LeaseUntil  *time.Time      `db:"lease_until" json:"lease_until,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// PeriodicJob is a static recurring task definition driven by the beat
// process. Mutated only by the scheduler advancing LastFired.
type PeriodicJob struct {
	Name      string
	TaskName  string
	Payload   json.RawMessage
	Spec      string // cron expression or "@every <duration>"
	LastFired time.Time
}

// ResultRecord is the immutable terminal record of an invocation.
type ResultRecord struct {
	InvocationID string          `db:"invocation_id" json:"invocation_id"`
	FinalState   State           `db:"final_state" json:"final_state"`
	Attempt      int             `db:"attempt" json:"attempt"`
	Output       json.RawMessage `db:"output" json:"output,omitempty"`
	Error        string          `db:"error" json:"error,omitempty"`
	CompletedAt  time.Time       `db:"completed_at" json:"completed_at"`
}

// AttemptRecord is one entry in the per-attempt audit trail.
type AttemptRecord struct {
	InvocationID string    `db:"invocation_id" json:"invocation_id"`
	Attempt      int       `db:"attempt" json:"attempt"`
	Success      bool      `db:"success" json:"success"`
	Error        string    `db:"error" json:"error,omitempty"`
	FinishedAt   time.Time `db:"finished_at" json:"finished_at"`
}
