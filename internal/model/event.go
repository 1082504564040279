package model

import "time"

// EventPhase distinguishes the two event kinds on the wire.
type EventPhase string

const (
	// PhaseCompletion reports one task's terminal outcome for a scope.
	PhaseCompletion EventPhase = "completion"
	// PhaseTrigger starts the next stage for a scope.
	PhaseTrigger EventPhase = "trigger"
)

// Event is the logical message schema shared by completion and trigger
// events. Delivery is at-least-once: consumers must tolerate duplication
// and reordering across keys.
type Event struct {
	Processor       string           `json:"processor_name"`
	Phase           EventPhase       `json:"phase"`
	Stage           string           `json:"stage"`
	ScopeKey        Scope            `json:"scope_key"`
	CorrelationID   string           `json:"correlation_id"`
	Status          CompletionStatus `json:"status,omitempty"`
	RecordCount     int              `json:"record_count,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	ChangedEntities []string         `json:"changed_entities,omitempty"`
}
