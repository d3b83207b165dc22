package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vigil-data/hallwatch/internal/alert"
	"github.com/vigil-data/hallwatch/internal/monitoring"
	"github.com/vigil-data/hallwatch/internal/policy"
	"github.com/vigil-data/hallwatch/internal/review"
	"github.com/vigil-data/hallwatch/internal/store"
)

// AlertStore is the persistence the decision engine needs.
type AlertStore interface {
	InsertAlert(rec *alert.Record) error
	AckAlert(alertID string, at time.Time) error
	LatestUnacked(dedupKey string) (*alert.Record, error)
	InsertSample(sample *policy.RewardSample) error
}

// DecisionContext carries the sampling state behind a gated result, captured
// so the resulting reward sample reflects what the policy actually saw.
type DecisionContext struct {
	StateKey string
	Action   policy.Action
	FPS      int
}

// Decider turns gated classifications into alert tiers, enforcing the
// cooldown/dedup guarantee: at most one unacknowledged immediate alert per
// dedup key. Per-source serialization comes from each session goroutine
// driving its own decisions.
type Decider struct {
	store    AlertStore
	emitter  alert.Emitter
	reviews  *review.Queue
	cooldown time.Duration

	mu            sync.Mutex
	outstanding   map[string]*alert.Record // dedup key -> unacked immediate
	recentlyAcked map[string]time.Time     // dedup key -> last ack time

	logf func(format string, v ...interface{})
}

// NewDecider creates a decision engine.
func NewDecider(st AlertStore, emitter alert.Emitter, reviews *review.Queue, cooldown time.Duration) *Decider {
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Decider{
		store:         st,
		emitter:       emitter,
		reviews:       reviews,
		cooldown:      cooldown,
		outstanding:   make(map[string]*alert.Record),
		recentlyAcked: make(map[string]time.Time),
		logf:          monitoring.Component("Decider"),
	}
}

// Decide routes one gated result. Returns the created alert record, or nil
// when the outcome was benign or suppressed as an incident continuation.
// Every decision leaves a reward sample for training, alert or not.
func (d *Decider) Decide(ctx context.Context, g *GatedResult, dc DecisionContext) (*alert.Record, error) {
	now := time.Now()

	if g.Result.Label.Benign() {
		// Tier log: diagnostic only, recorded by the orchestrator. Degraded
		// results land here too and must not feed training with a fake
		// quiet-room observation.
		if !g.Result.Degraded {
			d.sample(g, dc, "")
		}
		return nil, nil
	}

	// A policy tier hint may move a result sitting on the gate's margin;
	// cooldown and dedup apply to the hinted tier exactly as to a gated one.
	tier := g.Tier
	if g.Marginal {
		switch dc.Action.TierHint {
		case policy.TierHintImmediate:
			tier = TierHigh
		case policy.TierHintReview:
			tier = TierLow
		}
		if tier != g.Tier {
			d.logf("tier hint %q moved marginal result on %s from %s to %s",
				dc.Action.TierHint, g.SourceID, g.Tier, tier)
		}
	}

	switch tier {
	case TierHigh:
		return d.decideImmediate(ctx, g, dc, now)
	default:
		return d.decideReview(g, dc, now)
	}
}

func (d *Decider) decideImmediate(ctx context.Context, g *GatedResult, dc DecisionContext, now time.Time) (*alert.Record, error) {
	key := alert.DedupKey(g.SourceID, string(g.Result.Label))

	// An unacknowledged immediate alert for the same key is the same ongoing
	// incident: suppress for as long as it stays outstanding, not just for
	// the cooldown window.
	d.mu.Lock()
	if prev, ok := d.outstanding[key]; ok {
		d.mu.Unlock()
		d.logf("suppressed continuation of incident %s on %s (age %v)",
			prev.IncidentID, g.SourceID, now.Sub(prev.CreatedAt))
		return nil, nil
	}
	d.mu.Unlock()

	// The in-memory map forgets across restarts; the store is the authority.
	prev, err := d.store.LatestUnacked(key)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		d.mu.Lock()
		d.outstanding[key] = prev
		d.mu.Unlock()
		d.logf("suppressed continuation of incident %s on %s (from store)", prev.IncidentID, g.SourceID)
		return nil, nil
	}

	// Cooldown after acknowledgment: a fresh alert for the same key too soon
	// after the last one was resolved is still the same episode.
	d.mu.Lock()
	if acked, ok := d.recentlyAcked[key]; ok && now.Sub(acked) < d.cooldown {
		d.mu.Unlock()
		d.logf("suppressed re-alert on %s within cooldown of last acknowledgment", g.SourceID)
		return nil, nil
	}
	d.mu.Unlock()

	rec := alert.NewRecord(g.SourceID, string(g.Result.Label), g.Result.Confidence, alert.TierImmediate, now)
	if err := d.store.InsertAlert(rec); err != nil {
		if errors.Is(err, store.ErrDuplicateAlert) {
			// A concurrent insert beat us to the key; the one-outstanding
			// invariant holds at the store boundary and nothing is emitted.
			d.logf("duplicate outstanding alert for %s rejected at insert", key)
		}
		return nil, err
	}

	d.mu.Lock()
	d.outstanding[key] = rec
	d.mu.Unlock()

	d.sample(g, dc, rec.AlertID)

	if deliveryID, err := d.emitter.Emit(ctx, rec); err != nil {
		// The record is persisted and the review path still sees feedback;
		// delivery failures must not crash the session.
		d.logf("emit failed for alert %s: %v", rec.AlertID, err)
	} else {
		d.logf("emitted immediate alert %s source=%s label=%s delivery=%s",
			rec.AlertID, rec.SourceID, rec.Label, deliveryID)
	}
	return rec, nil
}

func (d *Decider) decideReview(g *GatedResult, dc DecisionContext, now time.Time) (*alert.Record, error) {
	rec := alert.NewRecord(g.SourceID, string(g.Result.Label), g.Result.Confidence, alert.TierReview, now)
	if err := d.store.InsertAlert(rec); err != nil {
		return nil, err
	}
	d.sample(g, dc, rec.AlertID)

	// No cooldown suppression on the review path: every ambiguous case
	// reaches a human, bounded only by queue backpressure.
	if deferred := d.reviews.Enqueue(rec); deferred {
		d.logf("review alert %s deferred under backpressure", rec.AlertID)
	}
	return rec, nil
}

// Acknowledge marks an alert acknowledged and clears its dedup hold.
func (d *Decider) Acknowledge(alertID string, at time.Time) error {
	if err := d.store.AckAlert(alertID, at); err != nil {
		return err
	}
	d.mu.Lock()
	for key, rec := range d.outstanding {
		if rec.AlertID == alertID {
			delete(d.outstanding, key)
			d.recentlyAcked[key] = at
			break
		}
	}
	d.mu.Unlock()
	return nil
}

func (d *Decider) sample(g *GatedResult, dc DecisionContext, alertID string) {
	err := d.store.InsertSample(&policy.RewardSample{
		SourceID: g.SourceID,
		AlertID:  alertID,
		StateKey: dc.StateKey,
		Action:   dc.Action,
		FPS:      dc.FPS,
		Outcome:  policy.OutcomePending,
	})
	if err != nil {
		d.logf("failed to record reward sample for %s: %v", g.SourceID, err)
	}
}
