// Package engine implements the adaptive decision core: per-source sampling
// sessions, the event buffer, the two-stage detection orchestrator, and the
// alert decision engine.
package engine

import "time"

// Label is a classification label from the scoring service.
type Label string

const (
	LabelEmpty      Label = "empty"
	LabelNormal     Label = "normal"
	LabelClash      Label = "clash"
	LabelMisconduct Label = "misconduct"
)

// Benign reports whether the label needs no escalation.
func (l Label) Benign() bool {
	return l == LabelEmpty || l == LabelNormal
}

// Stage identifies which classification pass produced a result.
type Stage string

const (
	StageInitial Stage = "initial"
	StageRecheck Stage = "re-check"
)

// ClassificationResult is one scoring-service verdict over a context window.
// Immutable once produced.
type ClassificationResult struct {
	Label      Label
	Confidence float64
	Stage      Stage
	WindowID   string
	// Degraded marks a result synthesized after persistent classifier
	// failure. Degraded results are always benign and never escalate.
	Degraded bool
}

// ConfidenceTier is the gate outcome after the mandatory re-check.
type ConfidenceTier string

const (
	TierHigh ConfidenceTier = "high"
	TierLow  ConfidenceTier = "low"
)

// GatedResult is what the orchestrator hands to the decision engine.
// Marginal marks a re-check confidence sitting close enough to the gate that
// a policy tier hint may move the result across it.
type GatedResult struct {
	SourceID string
	Result   ClassificationResult
	Tier     ConfidenceTier
	Marginal bool
}

// Frame is one captured frame with its ingest metadata.
type Frame struct {
	Timestamp   time.Time
	SourceID    string
	MotionScore float64
	Payload     []byte
}
