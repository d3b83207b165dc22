// Package train fits candidate policies from resolved reward samples and
// drives their rollout lifecycle.
package train

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/vigil-data/hallwatch/internal/policy"
)

// divergencePenalty discounts actions rarely taken in the logged data. The
// per-state score is mean(reward) - penalty*(1-frequency), so an action the
// behavior policy almost never chose needs a large observed advantage to win.
const divergencePenalty = 2.0

// actionKey canonicalizes an action for grouping logged samples.
func actionKey(a policy.Action) string {
	return fmt.Sprintf("%d|%t|%s", a.FPSAdjust, a.BurstTrigger, a.TierHint)
}

type actionStats struct {
	action  policy.Action
	rewards []float64
}

// Fit builds a candidate snapshot from resolved samples. For each observed
// state it picks the best-scoring action with at least minSupport samples;
// states with no qualifying action inherit the prior's action, so a sparse
// batch can only change behavior where the data actually supports a change.
func Fit(samples []policy.RewardSample, prior *policy.Snapshot, version int64, minSupport int, now time.Time) *policy.Snapshot {
	if prior == nil {
		prior = policy.FallbackSnapshot()
	}
	if minSupport < 1 {
		minSupport = 1
	}

	byState := make(map[string]map[string]*actionStats)
	for _, s := range samples {
		actions, ok := byState[s.StateKey]
		if !ok {
			actions = make(map[string]*actionStats)
			byState[s.StateKey] = actions
		}
		key := actionKey(s.Action)
		as, ok := actions[key]
		if !ok {
			as = &actionStats{action: s.Action}
			actions[key] = as
		}
		as.rewards = append(as.rewards, s.Reward)
	}

	table := make(map[string]policy.Action, len(prior.Table))
	for k, a := range prior.Table {
		table[k] = a
	}

	var chosenMeans []float64
	for stateKey, actions := range byState {
		total := 0
		for _, as := range actions {
			total += len(as.rewards)
		}

		bestScore := 0.0
		var best *actionStats
		for _, as := range actions {
			if len(as.rewards) < minSupport {
				continue
			}
			mean := stat.Mean(as.rewards, nil)
			freq := float64(len(as.rewards)) / float64(total)
			score := mean - divergencePenalty*(1-freq)
			if best == nil || score > bestScore {
				best = as
				bestScore = score
			}
		}
		if best == nil {
			continue
		}
		table[stateKey] = best.action
		chosenMeans = append(chosenMeans, stat.Mean(best.rewards, nil))
	}

	estimate := 0.0
	if len(chosenMeans) > 0 {
		estimate = stat.Mean(chosenMeans, nil)
	}
	return &policy.Snapshot{
		Version: version,
		Table:   table,
		Meta: policy.Metadata{
			RewardEstimate: estimate,
			SampleCount:    len(samples),
			TrainedAt:      now,
		},
	}
}

// Evaluate scores a snapshot against held-out samples by rejection sampling:
// only samples whose logged action matches the snapshot's choice for their
// state contribute. Returns the mean reward over matches and the match count.
func Evaluate(snap *policy.Snapshot, holdout []policy.RewardSample) (float64, int) {
	if snap == nil {
		return 0, 0
	}
	var matched []float64
	for _, s := range holdout {
		chosen, ok := snap.Table[s.StateKey]
		if !ok {
			continue
		}
		if actionKey(chosen) == actionKey(s.Action) {
			matched = append(matched, s.Reward)
		}
	}
	if len(matched) == 0 {
		return 0, 0
	}
	return stat.Mean(matched, nil), len(matched)
}
