package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vigil-data/hallwatch/internal/schedule"
)

func TestStateKeyRoundTrip(t *testing.T) {
	t.Parallel()

	st := State{
		FPSBand:    FPSBase,
		Motion:     MotionStrong,
		Schedule:   schedule.ClassBreak,
		Confidence: ConfLow,
		TimeSince:  SinceRecent,
	}
	assert.Equal(t, "fps=base|motion=strong|sched=break|conf=low|since=recent", st.Key())
}

func TestBucketize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FPSBase, BucketFPS(3, 5))
	assert.Equal(t, FPSBase, BucketFPS(5, 5))
	assert.Equal(t, FPSBurst, BucketFPS(10, 5))

	assert.Equal(t, MotionStrong, BucketMotion(0.9, 0.6))
	assert.Equal(t, MotionWeak, BucketMotion(0.4, 0.6))
	assert.Equal(t, MotionNone, BucketMotion(0.1, 0.6))

	assert.Equal(t, ConfNone, BucketConfidence(0, 0.7))
	assert.Equal(t, ConfLow, BucketConfidence(0.5, 0.7))
	assert.Equal(t, ConfHigh, BucketConfidence(0.82, 0.7))

	assert.Equal(t, SinceRecent, BucketTimeSince(10*time.Second))
	assert.Equal(t, SinceStale, BucketTimeSince(2*time.Minute))
}

func TestFallbackAction(t *testing.T) {
	t.Parallel()

	burst := FallbackAction(State{Motion: MotionStrong, Schedule: schedule.ClassLecture})
	assert.True(t, burst.BurstTrigger)

	stepUp := FallbackAction(State{Motion: MotionWeak, Schedule: schedule.ClassLecture})
	assert.Equal(t, 1, stepUp.FPSAdjust)
	assert.False(t, stepUp.BurstTrigger)

	stepDown := FallbackAction(State{Motion: MotionNone, Schedule: schedule.ClassEmpty, TimeSince: SinceStale})
	assert.Equal(t, -1, stepDown.FPSAdjust)

	hold := FallbackAction(State{Motion: MotionNone, Schedule: schedule.ClassLecture, TimeSince: SinceRecent})
	assert.Equal(t, Action{}, hold)
}

func TestFallbackSnapshotCoversAllStates(t *testing.T) {
	t.Parallel()

	snap := FallbackSnapshot()
	states := AllStates()
	assert.Len(t, snap.Table, len(states))
	for _, st := range states {
		_, ok := snap.Lookup(st)
		assert.True(t, ok, "missing state %s", st.Key())
	}
}

func TestReward(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 9.97, Reward(OutcomeTruePositive, 3), 1e-9)
	assert.InDelta(t, -5.03, Reward(OutcomeFalsePositive, 3), 1e-9)
	assert.InDelta(t, -20.10, Reward(OutcomeMissed, 10), 1e-9)
	assert.InDelta(t, -0.05, Reward(OutcomeQuiet, 5), 1e-9)
	assert.Zero(t, Reward(OutcomePending, 5))
}
