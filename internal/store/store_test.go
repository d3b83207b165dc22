package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-data/hallwatch/internal/alert"
	"github.com/vigil-data/hallwatch/internal/policy"
	"github.com/vigil-data/hallwatch/internal/review"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAlertRoundtrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	created := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	rec := alert.NewRecord("room-101", "clash", 0.82, alert.TierImmediate, created)
	require.NoError(t, s.InsertAlert(rec))

	got, err := s.LatestUnacked(rec.DedupKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.AlertID, got.AlertID)
	assert.Equal(t, rec.IncidentID, got.IncidentID)
	assert.Equal(t, alert.AckPending, got.Ack)
	assert.InDelta(t, 0.82, got.Confidence, 1e-9)
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestOneOutstandingImmediatePerKey(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now()

	first := alert.NewRecord("room-101", "clash", 0.82, alert.TierImmediate, now)
	require.NoError(t, s.InsertAlert(first))

	dup := alert.NewRecord("room-101", "clash", 0.9, alert.TierImmediate, now.Add(time.Second))
	err := s.InsertAlert(dup)
	assert.ErrorIs(t, err, ErrDuplicateAlert)

	// Different label on the same source is a different incident.
	other := alert.NewRecord("room-101", "misconduct", 0.85, alert.TierImmediate, now)
	assert.NoError(t, s.InsertAlert(other))

	// Review-tier alerts are exempt: they can pile up per key.
	review1 := alert.NewRecord("room-101", "clash", 0.4, alert.TierReview, now)
	review2 := alert.NewRecord("room-101", "clash", 0.45, alert.TierReview, now.Add(time.Second))
	assert.NoError(t, s.InsertAlert(review1))
	assert.NoError(t, s.InsertAlert(review2))
}

func TestAckReleasesKey(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now()

	rec := alert.NewRecord("room-101", "clash", 0.82, alert.TierImmediate, now)
	require.NoError(t, s.InsertAlert(rec))
	require.NoError(t, s.AckAlert(rec.AlertID, now.Add(time.Minute)))

	got, err := s.LatestUnacked(rec.DedupKey)
	require.NoError(t, err)
	assert.Nil(t, got, "an acknowledged alert no longer holds the key")

	// A new immediate for the same key is accepted after the ack.
	next := alert.NewRecord("room-101", "clash", 0.88, alert.TierImmediate, now.Add(2*time.Minute))
	assert.NoError(t, s.InsertAlert(next))

	assert.ErrorIs(t, s.AckAlert(rec.AlertID, now), ErrAlertNotFound, "double ack is rejected")
	assert.ErrorIs(t, s.AckAlert("no-such-alert", now), ErrAlertNotFound)
}

func TestUnackedAlertsNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	base := time.Now()

	older := alert.NewRecord("room-101", "clash", 0.8, alert.TierImmediate, base)
	newer := alert.NewRecord("room-102", "misconduct", 0.9, alert.TierImmediate, base.Add(time.Minute))
	require.NoError(t, s.InsertAlert(older))
	require.NoError(t, s.InsertAlert(newer))

	got, err := s.UnackedAlerts()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.AlertID, got[0].AlertID)
	assert.Equal(t, older.AlertID, got[1].AlertID)
}

func TestSampleResolutionAndConsumption(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	sample := &policy.RewardSample{
		SourceID: "room-101",
		AlertID:  "alert-1",
		StateKey: "fps=burst|motion=strong|sched=break|conf=none|since=recent",
		Action:   policy.Action{BurstTrigger: true},
		FPS:      10,
	}
	require.NoError(t, s.InsertSample(sample))
	require.NotEmpty(t, sample.SampleID, "insert assigns an ID")

	// Pending samples are invisible to training.
	got, err := s.UnconsumedResolvedSamples()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.ResolveAlertOutcome("alert-1", policy.OutcomeTruePositive))

	got, err = s.UnconsumedResolvedSamples()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, policy.OutcomeTruePositive, got[0].Outcome)
	assert.InDelta(t, policy.Reward(policy.OutcomeTruePositive, 10), got[0].Reward, 1e-9)
	assert.True(t, got[0].Action.BurstTrigger)

	require.NoError(t, s.MarkSamplesConsumed([]string{got[0].SampleID}))
	got, err = s.UnconsumedResolvedSamples()
	require.NoError(t, err)
	assert.Empty(t, got, "consumed samples never feed a second training run")

	assert.Error(t, s.ResolveAlertOutcome("alert-1", policy.OutcomeFalsePositive),
		"resolution is one-shot per alert")
}

func TestResolveStaleBenign(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now()

	stale := &policy.RewardSample{
		SourceID:  "room-101",
		StateKey:  "k",
		FPS:       3,
		CreatedAt: now.Add(-2 * time.Hour),
	}
	fresh := &policy.RewardSample{
		SourceID:  "room-101",
		StateKey:  "k",
		FPS:       3,
		CreatedAt: now,
	}
	withAlert := &policy.RewardSample{
		SourceID:  "room-102",
		AlertID:   "alert-9",
		StateKey:  "k",
		FPS:       10,
		CreatedAt: now.Add(-2 * time.Hour),
	}
	require.NoError(t, s.InsertSample(stale))
	require.NoError(t, s.InsertSample(fresh))
	require.NoError(t, s.InsertSample(withAlert))

	n, err := s.ResolveStaleBenign(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only old alertless samples resolve quiet")

	got, err := s.UnconsumedResolvedSamples()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, policy.OutcomeQuiet, got[0].Outcome)
	assert.InDelta(t, -0.03, got[0].Reward, 1e-9)
}

func TestMissedSampleIsPreResolved(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.InsertMissedSample("room-101", "k", 3))

	got, err := s.UnconsumedResolvedSamples()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, policy.OutcomeMissed, got[0].Outcome)
	assert.InDelta(t, policy.Reward(policy.OutcomeMissed, 3), got[0].Reward, 1e-9)
}

func TestSourceRewards(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now()

	for i, src := range []string{"room-101", "room-101", "room-102"} {
		sm := &policy.RewardSample{
			SourceID:  src,
			AlertID:   "a" + string(rune('0'+i)),
			StateKey:  "k",
			FPS:       10,
			CreatedAt: now,
		}
		require.NoError(t, s.InsertSample(sm))
		require.NoError(t, s.ResolveAlertOutcome(sm.AlertID, policy.OutcomeTruePositive))
	}

	rewards, err := s.SourceRewards(now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, rewards["room-101"], 2)
	assert.Len(t, rewards["room-102"], 1)

	rewards, err = s.SourceRewards(now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, rewards)
}

func TestPolicyVersionLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	v, err := s.NextPolicyVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	snap := policy.FallbackSnapshot()
	snap.Version = v
	snap.Meta = policy.Metadata{RewardEstimate: 1.5, SampleCount: 120, TrainedAt: time.Now()}
	require.NoError(t, s.SavePolicyVersion(snap, policy.StatusCandidate))

	require.NoError(t, s.UpdatePolicyStatus(v, policy.StatusCandidate, policy.StatusValidating, "holdout ok"))
	require.NoError(t, s.UpdatePolicyStatus(v, policy.StatusValidating, policy.StatusRollingOut, ""))

	// Transitions are compare-and-set: a stale from-status is rejected.
	assert.Error(t, s.UpdatePolicyStatus(v, policy.StatusCandidate, policy.StatusActive, ""))

	start := time.Now()
	require.NoError(t, s.SetRolloutInfo(v, 10, start))

	got, info, err := s.PolicyByStatus(policy.StatusRollingOut)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, v, got.Version)
	assert.Equal(t, 120, got.Meta.SampleCount)
	assert.Equal(t, 10, info.Fraction)
	assert.True(t, info.StartedAt.Equal(start) || info.StartedAt.Sub(start) < time.Microsecond)
	assert.Equal(t, len(snap.Table), len(got.Table))

	require.NoError(t, s.UpdatePolicyStatus(v, policy.StatusRollingOut, policy.StatusActive, "promoted"))
	active, err := s.ActivePolicy()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v, active.Version)

	trail, err := s.RolloutAuditTrail(v)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Contains(t, trail[0], "candidate -> validating")
	assert.Contains(t, trail[2], "promoted")

	next, err := s.NextPolicyVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}

func TestActivePolicyEmptyStore(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	active, err := s.ActivePolicy()
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestFeedbackRoundtrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	fb := &review.Feedback{
		FeedbackID: "fb-1",
		AlertID:    "alert-1",
		Verdict:    review.VerdictFalsePositive,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.SaveFeedback(fb))

	got, err := s.FeedbackForAlert("alert-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, review.VerdictFalsePositive, got[0].Verdict)

	none, err := s.FeedbackForAlert("alert-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDiagnostics(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.InsertDiagnostic(&Diagnostic{
		SourceID: "room-101", WindowID: "w1", Label: "clash",
		Confidence: 0.82, Stage: "re-check", Tier: "high", CreatedAt: now,
	}))
	require.NoError(t, s.InsertDiagnostic(&Diagnostic{
		SourceID: "room-101", WindowID: "w2", Label: "normal",
		Stage: "initial", Degraded: true, CreatedAt: now,
	}))

	n, err := s.CountDiagnostics("room-101", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountDiagnostics("room-102", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}
