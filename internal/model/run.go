package model

import "time"

// RunStatus tracks the lifecycle of one processing attempt.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// RunRecord is one execution attempt of a processor over a scope. A record
// is created with status=running before any work happens and finalized to
// success or failed when the attempt ends. Running records older than the
// ledger freshness threshold are treated as abandoned.
type RunRecord struct {
	ID        string     `json:"id"`
	Processor string     `json:"processor"`
	Scope     Scope      `json:"scope"`
	Status    RunStatus  `json:"status"`
	Attempt   int        `json:"attempt"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// BreakerState is the persisted failure history for a (processor, scope)
// pair. Failures counts consecutive failures only; a success resets it.
type BreakerState struct {
	Processor string     `json:"processor"`
	Scope     Scope      `json:"scope"`
	Failures  int        `json:"failures"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}
