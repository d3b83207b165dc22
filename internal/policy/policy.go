// Package policy holds the learned sampling/alerting policy: the bucketized
// state space sessions observe, the action space they apply, and immutable
// versioned snapshots of the mapping between the two.
package policy

import (
	"fmt"
	"time"

	"github.com/vigil-data/hallwatch/internal/schedule"
)

// Band labels for the bucketized state dimensions. Sessions observe
// continuous values (fps, motion score, elapsed time); the policy only ever
// sees these coarse bands so the table stays small enough to learn from
// modest feedback volumes.
const (
	FPSBase      = "base"
	FPSBurst     = "burst"
	MotionNone   = "none"
	MotionWeak   = "weak"
	MotionStrong = "strong"
	ConfNone     = "none"
	ConfLow      = "low"
	ConfHigh     = "high"
	SinceRecent  = "recent"
	SinceStale   = "stale"
)

// State is the observation vector a session presents to the policy.
type State struct {
	FPSBand    string
	Motion     string
	Schedule   schedule.Class
	Confidence string
	TimeSince  string
}

// Key returns the canonical table key for this state.
func (s State) Key() string {
	return fmt.Sprintf("fps=%s|motion=%s|sched=%s|conf=%s|since=%s",
		s.FPSBand, s.Motion, s.Schedule, s.Confidence, s.TimeSince)
}

// BucketFPS maps a sampling rate to its band given the baseline ceiling.
func BucketFPS(fps, baselineMax int) string {
	if fps > baselineMax {
		return FPSBurst
	}
	return FPSBase
}

// BucketMotion maps a motion intensity score to a band. The strong band
// starts at the configured burst trigger threshold so the policy sees the
// same boundary the rule table acts on.
func BucketMotion(score, threshold float64) string {
	switch {
	case score >= threshold:
		return MotionStrong
	case score >= threshold/2:
		return MotionWeak
	default:
		return MotionNone
	}
}

// BucketConfidence maps the last classification confidence to a band.
// A zero value means no classification has happened yet on this source.
func BucketConfidence(conf, gate float64) string {
	switch {
	case conf <= 0:
		return ConfNone
	case conf >= gate:
		return ConfHigh
	default:
		return ConfLow
	}
}

// BucketTimeSince maps elapsed time since the last motion event to a band.
func BucketTimeSince(d time.Duration) string {
	if d <= 30*time.Second {
		return SinceRecent
	}
	return SinceStale
}

// AllStates enumerates every state key the table can contain.
func AllStates() []State {
	var out []State
	for _, fps := range []string{FPSBase, FPSBurst} {
		for _, motion := range []string{MotionNone, MotionWeak, MotionStrong} {
			for _, sched := range []schedule.Class{schedule.ClassLecture, schedule.ClassBreak, schedule.ClassEmpty} {
				for _, conf := range []string{ConfNone, ConfLow, ConfHigh} {
					for _, since := range []string{SinceRecent, SinceStale} {
						out = append(out, State{fps, motion, sched, conf, since})
					}
				}
			}
		}
	}
	return out
}

// TierHint values. The hint only moves results sitting on the confidence
// gate's margin; everything else keeps the gated tier.
const (
	TierHintImmediate = "immediate"
	TierHintReview    = "review"
)

// Action is what the policy tells a session to do on its next tick.
// TierHint is advisory input to the decision engine's thresholds; the
// engine's cooldown and dedup rules always apply regardless.
type Action struct {
	FPSAdjust    int    `json:"fps_adjust"` // -2..+2, clamped by the session
	BurstTrigger bool   `json:"burst_trigger"`
	TierHint     string `json:"tier_hint,omitempty"`
}

// Status is the lifecycle state of a PolicyVersion.
type Status string

const (
	StatusCandidate  Status = "candidate"
	StatusValidating Status = "validating"
	StatusRollingOut Status = "rolling_out"
	StatusActive     Status = "active"
	StatusRetired    Status = "retired"
	StatusRolledBack Status = "rolled_back"
)

// Metadata records how a snapshot was produced.
type Metadata struct {
	RewardEstimate float64   `json:"reward_estimate"`
	SampleCount    int       `json:"sample_count"`
	TrainedAt      time.Time `json:"trained_at"`
}

// Snapshot is one immutable PolicyVersion. Serving swaps whole snapshots by
// pointer; nothing mutates a snapshot after construction, so concurrent
// readers always see a fully-formed table.
type Snapshot struct {
	Version int64             `json:"version"`
	Table   map[string]Action `json:"table"`
	Meta    Metadata          `json:"meta"`
}

// Lookup returns the action for a state and whether the table covers it.
func (s *Snapshot) Lookup(st State) (Action, bool) {
	a, ok := s.Table[st.Key()]
	return a, ok
}

// FallbackAction is the fixed rule table used at cold start and whenever no
// trained policy is being served. Burst on strong motion; step the rate up a
// notch while weak motion persists; drift back down when a scheduled-empty
// room has been quiet for a while.
func FallbackAction(st State) Action {
	if st.Motion == MotionStrong {
		return Action{BurstTrigger: true}
	}
	if st.Motion == MotionWeak {
		return Action{FPSAdjust: 1}
	}
	if st.Schedule == schedule.ClassEmpty && st.TimeSince == SinceStale {
		return Action{FPSAdjust: -1}
	}
	return Action{}
}

// FallbackSnapshot materializes the rule table as version 0. It is what a
// fresh deployment serves until the first trained policy is promoted, and it
// doubles as the behavior prior for conservative training.
func FallbackSnapshot() *Snapshot {
	table := make(map[string]Action)
	for _, st := range AllStates() {
		table[st.Key()] = FallbackAction(st)
	}
	return &Snapshot{Version: 0, Table: table}
}
