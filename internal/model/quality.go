package model

// QualityTier is the discretized quality band for a resolved record.
type QualityTier string

const (
	TierGold     QualityTier = "gold"
	TierSilver   QualityTier = "silver"
	TierBronze   QualityTier = "bronze"
	TierPoor     QualityTier = "poor"
	TierUnusable QualityTier = "unusable"
)

// TierForScore maps a 0-100 quality score onto its tier band.
func TierForScore(score int) QualityTier {
	switch {
	case score >= 95:
		return TierGold
	case score >= 75:
		return TierSilver
	case score >= 50:
		return TierBronze
	case score >= 25:
		return TierPoor
	default:
		return TierUnusable
	}
}

// ConfidenceCeiling returns the cap applied to any downstream confidence
// value derived from data at this tier.
func (t QualityTier) ConfidenceCeiling() float64 {
	switch t {
	case TierGold:
		return 1.00
	case TierSilver:
		return 0.95
	case TierBronze:
		return 0.80
	case TierPoor:
		return 0.60
	default:
		return 0.00
	}
}

// Issue tags attached to a QualityAssessment. The three gating tags below
// force production_ready to false regardless of score.
const (
	IssueAllSourcesFailed   = "all_sources_failed"
	IssueMissingRequired    = "missing_required"
	IssuePlaceholderCreated = "placeholder_created"
	IssueReconstructed      = "reconstructed"
	IssueMissingEnhancement = "missing_enhancement"
	IssueMinorOmission      = "minor_omission"
	IssueThinSample         = "thin_sample"
	IssueDegradedContinue   = "degraded_continue"
)

// QualityAssessment is the persisted outcome of resolving a fallback chain
// for one record. ProductionReady is derived from tier, score, and issue
// tags; it is never set independently.
type QualityAssessment struct {
	Tier            QualityTier `json:"tier"`
	Score           int         `json:"score"`
	Issues          []string    `json:"issues,omitempty"`
	ProductionReady bool        `json:"production_ready"`
	SourcesUsed     []string    `json:"sources_used,omitempty"`
}

// DeriveProductionReady recomputes the ProductionReady gate from the
// assessment's tier, score, and issue tags.
func (q *QualityAssessment) DeriveProductionReady() {
	if q.Score < 50 {
		q.ProductionReady = false
		return
	}
	switch q.Tier {
	case TierGold, TierSilver, TierBronze:
	default:
		q.ProductionReady = false
		return
	}
	for _, tag := range q.Issues {
		if tag == IssueAllSourcesFailed || tag == IssueMissingRequired || tag == IssuePlaceholderCreated {
			q.ProductionReady = false
			return
		}
	}
	q.ProductionReady = true
}
