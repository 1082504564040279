// Package changedetect restricts reprocessing to the entities whose
// comparison-relevant fields actually changed since the last successful
// run over the same scope.
package changedetect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/model"
	"github.com/courtline/statpipe/internal/store"
)

// Entity is one upstream row considered for change detection. Fields holds
// the comparison-relevant values keyed by field name.
type Entity struct {
	ID     string
	Fields map[string]string
}

// Result is the outcome of DetectChanges. When Unknown is true the
// comparison itself failed and callers must run the full batch.
type Result struct {
	ChangedIDs []string
	TotalIDs   int
	Unknown    bool
}

// Efficiency reports the fraction of work avoided: 1 - changed/total.
func (r Result) Efficiency() float64 {
	if r.Unknown || r.TotalIDs == 0 {
		return 0
	}
	return 1 - float64(len(r.ChangedIDs))/float64(r.TotalIDs)
}

// FullBatch reports whether the caller should process every entity rather
// than restricting to ChangedIDs. Correctness over optimization: unknown
// comparisons and everything-changed both fall back to the full batch.
func (r Result) FullBatch() bool {
	return r.Unknown || len(r.ChangedIDs) == r.TotalIDs
}

// NoOp reports a legitimate nothing-to-do outcome.
func (r Result) NoOp() bool {
	return !r.Unknown && r.TotalIDs > 0 && len(r.ChangedIDs) == 0
}

// Detector compares the current upstream snapshot against the last
// successfully processed one, per scope.
type Detector struct {
	store  store.Store
	fields []string
}

// New creates a Detector comparing the named fields. The field list is
// fixed per detector so recorded fingerprints stay comparable.
func New(st store.Store, comparisonFields []string) (*Detector, error) {
	if len(comparisonFields) == 0 {
		return nil, eris.New("changedetect: no comparison fields")
	}
	fields := append([]string(nil), comparisonFields...)
	sort.Strings(fields)
	return &Detector{store: st, fields: fields}, nil
}

// RecordSnapshot fingerprints the current upstream entities for a scope
// and replaces the stored current snapshot.
func (d *Detector) RecordSnapshot(ctx context.Context, scope model.Scope, entities []Entity) error {
	rows := make([]store.SnapshotEntity, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, store.SnapshotEntity{
			EntityID:    e.ID,
			Fingerprint: d.fingerprint(e),
		})
	}
	if err := d.store.ReplaceSnapshot(ctx, scope, store.SnapshotCurrent, rows); err != nil {
		return eris.Wrapf(err, "changedetect: record snapshot %s", scope)
	}
	return nil
}

// DetectChanges returns the entities whose fingerprints are new or differ
// from the processed snapshot. New entities count as changed; entities
// absent from the current snapshot are ignored, not deleted. A failed
// comparison query yields the Unknown sentinel instead of an error.
func (d *Detector) DetectChanges(ctx context.Context, scope model.Scope) Result {
	changed, total, err := d.store.SnapshotDiff(ctx, scope)
	if err != nil {
		zap.L().Warn("changedetect: comparison failed, treating as full batch",
			zap.String("scope", scope.String()),
			zap.Error(err),
		)
		return Result{Unknown: true}
	}

	res := Result{ChangedIDs: changed, TotalIDs: total}
	zap.L().Info("changedetect: comparison done",
		zap.String("scope", scope.String()),
		zap.Int("changed", len(changed)),
		zap.Int("total", total),
		zap.Float64("efficiency", res.Efficiency()),
	)
	return res
}

// Commit promotes the current snapshot to processed after a successful
// run, so the next comparison sees this run's inputs as the baseline.
func (d *Detector) Commit(ctx context.Context, scope model.Scope) error {
	if err := d.store.PromoteSnapshot(ctx, scope); err != nil {
		return eris.Wrapf(err, "changedetect: commit snapshot %s", scope)
	}
	return nil
}

// fingerprint hashes the comparison fields in stable order. Missing fields
// hash as empty so adding a field later changes every fingerprint at once.
func (d *Detector) fingerprint(e Entity) string {
	h := sha256.New()
	for _, f := range d.fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
		h.Write([]byte(e.Fields[f]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
