package policy

import "time"

// Outcome is the ground-truth label attached to a decision once a human has
// reviewed it (or once a missed incident is reported for the source).
type Outcome string

const (
	OutcomePending       Outcome = "pending"
	OutcomeTruePositive  Outcome = "true_positive"
	OutcomeFalsePositive Outcome = "false_positive"
	OutcomeMissed        Outcome = "missed"
	// OutcomeQuiet resolves a benign decision that never drew feedback:
	// nothing happened, so only the sampling cost counts.
	OutcomeQuiet Outcome = "quiet"
)

// Reward weights. Missed incidents carry the heaviest penalty: the one
// failure mode the deployment cannot tolerate is a true incident nobody saw.
const (
	rewardTruePositive  = 10.0
	rewardFalsePositive = -5.0
	rewardMissed        = -20.0
	fpsCostPerUnit      = 0.01
)

// Reward computes the scalar reward for an outcome observed while sampling
// at the given rate.
func Reward(o Outcome, fps int) float64 {
	cost := -fpsCostPerUnit * float64(fps)
	switch o {
	case OutcomeTruePositive:
		return rewardTruePositive + cost
	case OutcomeFalsePositive:
		return rewardFalsePositive + cost
	case OutcomeMissed:
		return rewardMissed + cost
	case OutcomeQuiet:
		return cost
	default:
		return 0
	}
}

// RewardSample pairs one decision (state seen, action taken) with its
// eventual outcome. Samples start pending and are resolved by feedback;
// training consumes resolved samples in batch.
type RewardSample struct {
	SampleID  string
	SourceID  string
	AlertID   string // empty for decisions that produced no alert
	StateKey  string
	Action    Action
	FPS       int
	Outcome   Outcome
	Reward    float64
	CreatedAt time.Time
}
