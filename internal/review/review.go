// Package review is the human-review side of the engine: the bounded queue
// ambiguous detections wait in, and the feedback path that turns reviewer
// verdicts into reward samples.
package review

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vigil-data/hallwatch/internal/alert"
	"github.com/vigil-data/hallwatch/internal/monitoring"
	"github.com/vigil-data/hallwatch/internal/policy"
)

// Verdict is a reviewer's judgment of an alert.
type Verdict string

const (
	VerdictTruePositive  Verdict = "true_positive"
	VerdictFalsePositive Verdict = "false_positive"
)

// Feedback is one reviewer verdict. Append-only; never mutated after creation.
type Feedback struct {
	FeedbackID string    `json:"feedback_id"`
	AlertID    string    `json:"alert_id"`
	Verdict    Verdict   `json:"verdict"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrUnknownVerdict rejects feedback with a verdict outside the taxonomy.
var ErrUnknownVerdict = errors.New("unknown feedback verdict")

// FeedbackSink is the persistence the queue needs: implemented by the store.
type FeedbackSink interface {
	SaveFeedback(fb *Feedback) error
	ResolveAlertOutcome(alertID string, outcome policy.Outcome) error
	MarkAlertDeferred(alertID string, deferred bool) error
	InsertMissedSample(sourceID, stateKey string, fps int) error
}

// Queue holds review-tier alerts for humans. Depth is bounded: past the
// bound, new entries are persisted and parked as deferred rather than
// surfaced, so the audit trail never loses one but reviewers are not buried.
type Queue struct {
	mu       sync.Mutex
	bound    int
	items    []*alert.Record
	deferred []*alert.Record
	sink     FeedbackSink
	logf     func(format string, v ...interface{})
}

// NewQueue creates a review queue with the given backpressure bound.
func NewQueue(bound int, sink FeedbackSink) *Queue {
	if bound < 1 {
		bound = 1
	}
	return &Queue{
		bound: bound,
		sink:  sink,
		logf:  monitoring.Component("ReviewQueue"),
	}
}

// Enqueue adds a review alert, returning true when it was deferred under
// backpressure.
func (q *Queue) Enqueue(rec *alert.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.bound {
		rec.Deferred = true
		q.deferred = append(q.deferred, rec)
		if err := q.sink.MarkAlertDeferred(rec.AlertID, true); err != nil {
			q.logf("failed to persist deferred flag for %s: %v", rec.AlertID, err)
		}
		q.logf("queue at bound %d, deferred alert %s source=%s", q.bound, rec.AlertID, rec.SourceID)
		return true
	}
	q.items = append(q.items, rec)
	return false
}

// Dequeue pops the oldest surfaced alert, promoting deferred entries in FIFO
// order as depth recedes. Returns nil when the queue is empty.
func (q *Queue) Dequeue() *alert.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	rec := q.items[0]
	q.items = q.items[1:]

	if len(q.deferred) > 0 && len(q.items) < q.bound {
		promoted := q.deferred[0]
		q.deferred = q.deferred[1:]
		promoted.Deferred = false
		q.items = append(q.items, promoted)
		if err := q.sink.MarkAlertDeferred(promoted.AlertID, false); err != nil {
			q.logf("failed to clear deferred flag for %s: %v", promoted.AlertID, err)
		}
	}
	return rec
}

// Depth returns surfaced and deferred counts.
func (q *Queue) Depth() (surfaced, deferred int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), len(q.deferred)
}

// SubmitFeedback records a reviewer verdict and resolves the reward sample
// behind the alert.
func (q *Queue) SubmitFeedback(fb *Feedback) error {
	var outcome policy.Outcome
	switch fb.Verdict {
	case VerdictTruePositive:
		outcome = policy.OutcomeTruePositive
	case VerdictFalsePositive:
		outcome = policy.OutcomeFalsePositive
	default:
		return ErrUnknownVerdict
	}

	if fb.FeedbackID == "" {
		fb.FeedbackID = uuid.New().String()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now()
	}

	if err := q.sink.SaveFeedback(fb); err != nil {
		return err
	}
	return q.sink.ResolveAlertOutcome(fb.AlertID, outcome)
}

// ReportMissed records a missed incident on a source: no alert was raised
// but an incident happened. The heaviest training penalty flows from this.
func (q *Queue) ReportMissed(sourceID, stateKey string, fps int) error {
	q.logf("missed incident reported source=%s", sourceID)
	return q.sink.InsertMissedSample(sourceID, stateKey, fps)
}
