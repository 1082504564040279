package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/courtline/statpipe/internal/model"
)

// ErrNotFound is returned for point lookups that match nothing.
var ErrNotFound = eris.New("store: not found")

// RegisterResult is the outcome of one RegisterCompletion transaction.
type RegisterResult struct {
	Batch *model.Batch
	// Applied is false when the (batch, task) completion was already
	// present and the delivery was a duplicate.
	Applied bool
	// ShouldTrigger is true for exactly one caller per batch: the one
	// whose transaction flipped Triggered from false to true.
	ShouldTrigger bool
}

// AcquireResult is the outcome of one AcquireRun attempt.
type AcquireResult struct {
	Run *model.RunRecord
	// Acquired is false when another running attempt for the same
	// (processor, scope) is still fresh; Run then points at that attempt.
	Acquired bool
}

// BatchFilter bounds a batch range scan.
type BatchFilter struct {
	Stage       string
	ScopeFrom   model.Scope
	ScopeTo     model.Scope
	Untriggered bool
	Limit       int
}

// RunFilter bounds a run-record listing.
type RunFilter struct {
	Processor string
	Scope     model.Scope
	Status    model.RunStatus
	Limit     int
}

// SnapshotEntity is one entity's comparison fingerprint within a scope
// snapshot. The fingerprint is a stable hash of the comparison-relevant
// fields, computed by the change detector.
type SnapshotEntity struct {
	EntityID    string
	Fingerprint string
}

// Store is the durable transactional keyed store behind the engine: batch
// fan-in state, the run history ledger, circuit breaker state, change
// detection snapshots, and quality assessments. One cohesive interface so
// the guard, breaker, and dedup checks all read the same records.
type Store interface {
	// RegisterCompletion applies one completion event to its batch inside
	// a single atomic transaction: creates the batch row if absent,
	// inserts the completion unless the (batch, task) pair already exists,
	// and claims the trigger when the successful count reaches expected.
	RegisterCompletion(ctx context.Context, stage string, scope model.Scope, expected int, rec model.CompletionRecord) (*RegisterResult, error)
	GetBatch(ctx context.Context, key string) (*model.Batch, error)
	ListBatches(ctx context.Context, f BatchFilter) ([]model.Batch, error)
	// ClaimTrigger flips Triggered on a complete, untriggered batch.
	// Returns false when the batch is incomplete or already triggered.
	ClaimTrigger(ctx context.Context, key string) (bool, error)
	// MarkTriggerEmitted records that the next-stage trigger for the batch
	// was actually delivered, closing the commit-then-emit gap for the
	// reconciliation sweep.
	MarkTriggerEmitted(ctx context.Context, key string) error

	// AcquireRun atomically claims a new running attempt for (processor,
	// scope). Running records started before staleBefore are finalized as
	// abandoned rather than blocking the claim.
	AcquireRun(ctx context.Context, processor string, scope model.Scope, staleBefore time.Time) (*AcquireResult, error)
	EndRun(ctx context.Context, runID string, status model.RunStatus, errDetail string) error
	LastRun(ctx context.Context, processor string, scope model.Scope) (*model.RunRecord, error)
	// SucceededScopes lists the scopes in [from, to] that have at least
	// one success record for the processor.
	SucceededScopes(ctx context.Context, processor string, from, to model.Scope) ([]model.Scope, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error)

	// Circuit breaker state, keyed by (processor, scope).
	GetBreaker(ctx context.Context, processor string, scope model.Scope) (*model.BreakerState, error)
	// RecordBreakerFailure increments the consecutive-failure count and
	// stamps OpenedAt when the count reaches openThreshold.
	RecordBreakerFailure(ctx context.Context, processor string, scope model.Scope, openThreshold int) (*model.BreakerState, error)
	// ClaimProbe re-arms an open breaker whose cooldown has elapsed so
	// that exactly one caller gets the probe attempt. openedBefore is the
	// cutoff an OpenedAt must predate for the cooldown to count as over.
	ClaimProbe(ctx context.Context, processor string, scope model.Scope, openedBefore time.Time) (bool, error)
	ResetBreaker(ctx context.Context, processor string, scope model.Scope) error

	// Change detection snapshots. "current" holds the upstream snapshot
	// being considered; "processed" holds the last successfully processed
	// one. SnapshotDiff reports current entities whose fingerprint is new
	// or differs from processed; entities absent from current are ignored.
	ReplaceSnapshot(ctx context.Context, scope model.Scope, source string, entities []SnapshotEntity) error
	SnapshotDiff(ctx context.Context, scope model.Scope) (changed []string, total int, err error)
	// PromoteSnapshot copies current over processed after a successful run.
	PromoteSnapshot(ctx context.Context, scope model.Scope) error

	// Quality assessments persisted alongside resolved records.
	SaveQuality(ctx context.Context, scope model.Scope, entityID string, q model.QualityAssessment) error
	GetQuality(ctx context.Context, scope model.Scope, entityID string) (*model.QualityAssessment, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Snapshot source labels used with ReplaceSnapshot.
const (
	SnapshotCurrent   = "current"
	SnapshotProcessed = "processed"
)
