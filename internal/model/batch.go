package model

import "time"

// CompletionStatus is a task's reported terminal outcome for a batch.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionFailure CompletionStatus = "failure"
)

// CompletionRecord is one task's reported outcome for a batch. Written once
// per (batch, task); duplicate deliveries are observed but not re-applied.
type CompletionRecord struct {
	TaskName        string           `json:"task_name"`
	Status          CompletionStatus `json:"status"`
	CorrelationID   string           `json:"correlation_id"`
	RecordCount     int              `json:"record_count"`
	Timestamp       time.Time        `json:"timestamp"`
	ChangedEntities []string         `json:"changed_entities,omitempty"`
}

// Batch is one fan-in unit for a stage transition: the set of task
// completions registered so far for a (stage, scope) pair, and whether the
// next-stage trigger has been committed. Triggered transitions to true at
// most once, inside the same store transaction that registers the final
// successful completion.
// Successes is maintained by the store inside the registering transaction;
// Completions may be nil on range scans and is only populated by point
// lookups.
type Batch struct {
	Key         string                      `json:"key"`
	Stage       string                      `json:"stage"`
	Scope       Scope                       `json:"scope"`
	Expected    int                         `json:"expected"`
	Successes   int                         `json:"successes"`
	Completions map[string]CompletionRecord `json:"completions,omitempty"`
	Triggered   bool                        `json:"triggered"`
	TriggeredAt *time.Time                  `json:"triggered_at,omitempty"`
	EmittedAt   *time.Time                  `json:"emitted_at,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// BatchKey builds the canonical batch key for a stage transition and scope.
func BatchKey(stage string, scope Scope) string {
	return stage + ":" + scope.String()
}

// Complete reports whether every expected task has registered success.
// Failed completions are recorded but never advance the count.
func (b *Batch) Complete() bool {
	return b.Expected > 0 && b.Successes >= b.Expected
}
