package train

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/vigil-data/hallwatch/internal/monitoring"
	"github.com/vigil-data/hallwatch/internal/policy"
	"github.com/vigil-data/hallwatch/internal/store"
)

// Persistence is the store surface the rollout controller needs.
type Persistence interface {
	ResolveStaleBenign(before time.Time) (int64, error)
	UnconsumedResolvedSamples() ([]policy.RewardSample, error)
	MarkSamplesConsumed(ids []string) error
	SavePolicyVersion(snap *policy.Snapshot, status policy.Status) error
	UpdatePolicyStatus(version int64, from, to policy.Status, detail string) error
	SetRolloutInfo(version int64, fraction int, startedAt time.Time) error
	PolicyByStatus(status policy.Status) (*policy.Snapshot, *store.RolloutInfo, error)
	NextPolicyVersion() (int64, error)
	SourceRewards(since time.Time) (map[string][]float64, error)
}

// Options tunes the training and rollout cycles.
type Options struct {
	MinActionSupport int
	MinBatchSize     int           // below this, a training cycle is skipped
	HoldoutPercent   int           // share of samples held out for validation
	PromotionMargin  float64       // candidate must beat active by this much
	RolloutFraction  int           // percent of sources in the canary cohort
	MonitoringWindow time.Duration // canary observation period
	StaleAfter       time.Duration // pending benign samples older than this resolve quiet
}

func (o *Options) withDefaults() {
	if o.MinActionSupport < 1 {
		o.MinActionSupport = 5
	}
	if o.MinBatchSize < 1 {
		o.MinBatchSize = 50
	}
	if o.HoldoutPercent < 1 || o.HoldoutPercent > 50 {
		o.HoldoutPercent = 20
	}
	if o.RolloutFraction < 1 || o.RolloutFraction > 100 {
		o.RolloutFraction = 10
	}
	if o.MonitoringWindow <= 0 {
		o.MonitoringWindow = 48 * time.Hour
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = time.Hour
	}
}

// Controller owns the policy lifecycle: it trains candidates from resolved
// samples, validates them offline, rolls survivors out to a cohort, and
// promotes or rolls back on the observed comparison. One rollout is in
// flight at a time; training cycles are deferred while one runs.
type Controller struct {
	db      Persistence
	serving *policy.Store
	opts    Options
	logf    func(format string, v ...interface{})

	mu           sync.Mutex
	candidate    *policy.Snapshot
	rolloutStart time.Time
}

// NewController creates a rollout controller.
func NewController(db Persistence, serving *policy.Store, opts Options) *Controller {
	opts.withDefaults()
	return &Controller{
		db:      db,
		serving: serving,
		opts:    opts,
		logf:    monitoring.Component("PolicyRollout"),
	}
}

// Recover restores serving state from the store at startup: the active
// snapshot (or the built-in rule table when none was ever promoted) and any
// rollout that was in flight when the process stopped.
func (c *Controller) Recover() error {
	active, _, err := c.db.PolicyByStatus(policy.StatusActive)
	if err != nil {
		return fmt.Errorf("recover active policy: %w", err)
	}
	if active == nil {
		active = policy.FallbackSnapshot()
		c.logf("no promoted policy, serving the built-in rule table")
	} else {
		c.logf("recovered active policy version %d", active.Version)
	}
	c.serving.SetActive(active)

	rolling, info, err := c.db.PolicyByStatus(policy.StatusRollingOut)
	if err != nil {
		return fmt.Errorf("recover rollout: %w", err)
	}
	if rolling != nil {
		c.mu.Lock()
		c.candidate = rolling
		c.rolloutStart = info.StartedAt
		c.mu.Unlock()
		c.serving.BeginRollout(rolling, info.Fraction)
		c.logf("resumed rollout of version %d at %d%% (started %s)",
			rolling.Version, info.Fraction, info.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// RunTrainingCycle fits a candidate from the accumulated resolved samples
// and, when it validates above the active policy, starts its rollout.
func (c *Controller) RunTrainingCycle(now time.Time) error {
	if v, _ := c.serving.RolloutVersion(); v != 0 {
		c.logf("training deferred, version %d rollout still in flight", v)
		return nil
	}

	if n, err := c.db.ResolveStaleBenign(now.Add(-c.opts.StaleAfter)); err != nil {
		return fmt.Errorf("resolve stale benign samples: %w", err)
	} else if n > 0 {
		c.logf("resolved %d stale benign samples as quiet", n)
	}

	samples, err := c.db.UnconsumedResolvedSamples()
	if err != nil {
		return fmt.Errorf("load resolved samples: %w", err)
	}
	if len(samples) < c.opts.MinBatchSize {
		c.logf("only %d resolved samples, need %d for a training cycle", len(samples), c.opts.MinBatchSize)
		return nil
	}

	trainSet, holdout := split(samples, c.opts.HoldoutPercent)

	version, err := c.db.NextPolicyVersion()
	if err != nil {
		return fmt.Errorf("allocate policy version: %w", err)
	}
	prior := c.serving.Active()

	cand := Fit(trainSet, prior, version, c.opts.MinActionSupport, now)
	if err := c.db.SavePolicyVersion(cand, policy.StatusCandidate); err != nil {
		return fmt.Errorf("save candidate: %w", err)
	}

	candScore, candN := Evaluate(cand, holdout)
	activeScore, _ := Evaluate(prior, holdout)
	detail := fmt.Sprintf("holdout: candidate %.3f (n=%d) vs active %.3f", candScore, candN, activeScore)
	if err := c.db.UpdatePolicyStatus(version, policy.StatusCandidate, policy.StatusValidating, detail); err != nil {
		return err
	}

	// Samples are consumed whether or not the candidate survives; the batch
	// has been learned from either way.
	ids := make([]string, len(samples))
	for i, s := range samples {
		ids[i] = s.SampleID
	}
	if err := c.db.MarkSamplesConsumed(ids); err != nil {
		return fmt.Errorf("consume samples: %w", err)
	}

	if candN == 0 || candScore < activeScore+c.opts.PromotionMargin {
		c.logf("candidate %d held in validating: %s", version, detail)
		return nil
	}

	if err := c.db.UpdatePolicyStatus(version, policy.StatusValidating, policy.StatusRollingOut, detail); err != nil {
		return err
	}
	if err := c.db.SetRolloutInfo(version, c.opts.RolloutFraction, now); err != nil {
		return err
	}

	c.mu.Lock()
	c.candidate = cand
	c.rolloutStart = now
	c.mu.Unlock()
	c.serving.BeginRollout(cand, c.opts.RolloutFraction)
	c.logf("rolling out candidate %d to %d%% of sources: %s", version, c.opts.RolloutFraction, detail)
	return nil
}

// RunMonitorCycle compares cohort and control rewards once the monitoring
// window has elapsed, then promotes or rolls back the in-flight candidate.
// Rollback is instantaneous for serving: the candidate simply stops being
// consulted and every source falls back to the active snapshot.
func (c *Controller) RunMonitorCycle(now time.Time) error {
	version, fraction := c.serving.RolloutVersion()
	if version == 0 {
		return nil
	}

	c.mu.Lock()
	start := c.rolloutStart
	cand := c.candidate
	c.mu.Unlock()

	if now.Sub(start) < c.opts.MonitoringWindow {
		c.logf("rollout of version %d monitoring: %s of %s elapsed",
			version, now.Sub(start).Round(time.Minute), c.opts.MonitoringWindow)
		return nil
	}

	rewards, err := c.db.SourceRewards(start)
	if err != nil {
		return fmt.Errorf("load source rewards: %w", err)
	}

	improved, degraded, controlN := compareCohorts(rewards, version, fraction)
	if improved+degraded == 0 || controlN == 0 {
		detail := fmt.Sprintf("no comparison data after %s, rolling back", c.opts.MonitoringWindow)
		return c.rollback(version, detail)
	}
	if improved > degraded {
		detail := fmt.Sprintf("cohort improved on %d of %d sources vs %d control sources",
			improved, improved+degraded, controlN)
		return c.promote(version, cand, detail)
	}
	detail := fmt.Sprintf("cohort improved on only %d of %d sources", improved, improved+degraded)
	return c.rollback(version, detail)
}

func (c *Controller) promote(version int64, cand *policy.Snapshot, detail string) error {
	prev, _, err := c.db.PolicyByStatus(policy.StatusActive)
	if err != nil {
		return err
	}
	if prev != nil {
		if err := c.db.UpdatePolicyStatus(prev.Version, policy.StatusActive, policy.StatusRetired,
			fmt.Sprintf("superseded by version %d", version)); err != nil {
			return err
		}
	}
	if err := c.db.UpdatePolicyStatus(version, policy.StatusRollingOut, policy.StatusActive, detail); err != nil {
		return err
	}

	c.serving.SetActive(cand)
	c.serving.EndRollout()
	c.clearRollout()
	c.logf("promoted policy version %d: %s", version, detail)
	return nil
}

func (c *Controller) rollback(version int64, detail string) error {
	c.serving.EndRollout()
	c.clearRollout()
	if err := c.db.UpdatePolicyStatus(version, policy.StatusRollingOut, policy.StatusRolledBack, detail); err != nil {
		return err
	}
	c.logf("rolled back policy version %d: %s", version, detail)
	return nil
}

func (c *Controller) clearRollout() {
	c.mu.Lock()
	c.candidate = nil
	c.rolloutStart = time.Time{}
	c.mu.Unlock()
}

// compareCohorts counts cohort sources whose mean reward beats the control
// mean. The verdict is a majority over per-source deltas rather than a
// pooled mean, so one chatty source cannot carry or sink a rollout.
func compareCohorts(rewards map[string][]float64, version int64, fraction int) (improved, degraded, controlN int) {
	var controlMeans []float64
	cohortMeans := make(map[string]float64)
	for sourceID, rs := range rewards {
		if len(rs) == 0 {
			continue
		}
		mean := stat.Mean(rs, nil)
		if policy.InCohort(sourceID, version, fraction) {
			cohortMeans[sourceID] = mean
		} else {
			controlMeans = append(controlMeans, mean)
		}
	}
	if len(controlMeans) == 0 || len(cohortMeans) == 0 {
		return 0, 0, len(controlMeans)
	}
	controlMean := stat.Mean(controlMeans, nil)
	for _, mean := range cohortMeans {
		if mean > controlMean {
			improved++
		} else {
			degraded++
		}
	}
	return improved, degraded, len(controlMeans)
}

// split deterministically partitions samples into train and holdout sets by
// sample ID hash, so re-running a cycle over the same batch reproduces the
// same split.
func split(samples []policy.RewardSample, holdoutPercent int) (trainSet, holdout []policy.RewardSample) {
	for _, s := range samples {
		h := fnv.New32a()
		h.Write([]byte(s.SampleID))
		if int(h.Sum32()%100) < holdoutPercent {
			holdout = append(holdout, s)
		} else {
			trainSet = append(trainSet, s)
		}
	}
	return trainSet, holdout
}
