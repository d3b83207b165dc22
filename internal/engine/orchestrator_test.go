package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-data/hallwatch/internal/classify"
	"github.com/vigil-data/hallwatch/internal/store"
)

// scriptedClassifier returns its replies in order, one per call.
type scriptedClassifier struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   []*classify.Request
}

type scriptedReply struct {
	resp *classify.Response
	err  error
}

func (c *scriptedClassifier) Classify(ctx context.Context, req *classify.Request) (*classify.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if len(c.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r.resp, r.err
}

func (c *scriptedClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type memoryDiagnostics struct {
	mu   sync.Mutex
	rows []*store.Diagnostic
}

func (m *memoryDiagnostics) InsertDiagnostic(d *store.Diagnostic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, d)
	return nil
}

func sealedWindow(t *testing.T, sourceID string, n int) *Window {
	t.Helper()
	buf := OpenBuffer(sourceID, n)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		buf.Append(Frame{
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			SourceID:  sourceID,
			Payload:   []byte{byte(i)},
		})
	}
	w, err := buf.Seal()
	require.NoError(t, err)
	return w
}

func fastOrchestrator(c classify.Classifier, diag DiagnosticSink) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		Classifier:          c,
		ConfidenceThreshold: 0.7,
		CallTimeout:         time.Second,
		RetryBackoff:        time.Millisecond,
		Diagnostics:         diag,
	})
}

func TestBenignStageOneSkipsRecheck(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{replies: []scriptedReply{
		{resp: &classify.Response{Label: "normal", Confidence: 0.92}},
	}}
	o := fastOrchestrator(c, nil)

	g, err := o.Process(context.Background(), sealedWindow(t, "room-101", 3))
	require.NoError(t, err)

	assert.Equal(t, LabelNormal, g.Result.Label)
	assert.Equal(t, StageInitial, g.Result.Stage)
	assert.Equal(t, TierLow, g.Tier)
	assert.Equal(t, 1, c.callCount(), "benign stage 1 must not trigger a re-check")
}

func TestNonBenignAlwaysRechecked(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{replies: []scriptedReply{
		{resp: &classify.Response{Label: "clash", Confidence: 0.55}},
		{resp: &classify.Response{Label: "clash", Confidence: 0.82}},
	}}
	diag := &memoryDiagnostics{}
	o := fastOrchestrator(c, diag)

	g, err := o.Process(context.Background(), sealedWindow(t, "room-101", 3))
	require.NoError(t, err)

	assert.Equal(t, 2, c.callCount(), "non-benign stage 1 requires a mandatory re-check")
	assert.Equal(t, StageRecheck, g.Result.Stage)
	assert.Equal(t, LabelClash, g.Result.Label)
	assert.InDelta(t, 0.82, g.Result.Confidence, 1e-9)
	assert.Equal(t, TierHigh, g.Tier)

	require.Len(t, diag.rows, 2)
	assert.Equal(t, "initial", diag.rows[0].Stage)
	assert.Equal(t, "re-check", diag.rows[1].Stage)
}

func TestLowConfidenceRecheckGatesToReview(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{replies: []scriptedReply{
		{resp: &classify.Response{Label: "misconduct", Confidence: 0.6}},
		{resp: &classify.Response{Label: "misconduct", Confidence: 0.4}},
	}}
	o := fastOrchestrator(c, nil)

	g, err := o.Process(context.Background(), sealedWindow(t, "room-101", 2))
	require.NoError(t, err)

	assert.Equal(t, TierLow, g.Tier)
	assert.Equal(t, LabelMisconduct, g.Result.Label)
	assert.False(t, g.Result.Degraded)
}

func TestThresholdIsInclusive(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{replies: []scriptedReply{
		{resp: &classify.Response{Label: "clash", Confidence: 0.9}},
		{resp: &classify.Response{Label: "clash", Confidence: 0.7}},
	}}
	o := fastOrchestrator(c, nil)

	g, err := o.Process(context.Background(), sealedWindow(t, "room-101", 2))
	require.NoError(t, err)
	assert.Equal(t, TierHigh, g.Tier, "confidence exactly at the gate escalates")
}

func TestMarginalFlagTracksGateDistance(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{replies: []scriptedReply{
		{resp: &classify.Response{Label: "clash", Confidence: 0.9}},
		{resp: &classify.Response{Label: "clash", Confidence: 0.72}},
		{resp: &classify.Response{Label: "clash", Confidence: 0.9}},
		{resp: &classify.Response{Label: "clash", Confidence: 0.9}},
	}}
	o := fastOrchestrator(c, nil)

	near, err := o.Process(context.Background(), sealedWindow(t, "room-101", 2))
	require.NoError(t, err)
	assert.True(t, near.Marginal, "a re-check just above the gate is hint-movable")

	far, err := o.Process(context.Background(), sealedWindow(t, "room-101", 2))
	require.NoError(t, err)
	assert.False(t, far.Marginal)
}

func TestRecheckIncludesAdjacentFrames(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{replies: []scriptedReply{
		{resp: &classify.Response{Label: "clash", Confidence: 0.6}},
		{resp: &classify.Response{Label: "clash", Confidence: 0.9}},
	}}
	o := fastOrchestrator(c, nil)

	buf := OpenBuffer("room-101", 3)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		buf.Append(Frame{Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond), Payload: []byte{byte(i)}})
	}
	w, err := buf.Seal()
	require.NoError(t, err)
	buf.Append(Frame{Timestamp: base.Add(time.Second), Payload: []byte{9}})

	g, err := o.Process(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, TierHigh, g.Tier)

	require.Len(t, c.calls, 2)
	assert.Len(t, c.calls[0].Frames, 3, "stage 1 sees only the sealed window")
	assert.Len(t, c.calls[1].Frames, 4, "the re-check also sees the post-seal tail")
	assert.Equal(t, base.Add(time.Second), c.calls[1].WindowEnd)
}

func TestPersistentFailureDegrades(t *testing.T) {
	t.Parallel()

	boom := errors.New("scoring service unreachable")
	c := &scriptedClassifier{replies: []scriptedReply{{err: boom}, {err: boom}}}
	diag := &memoryDiagnostics{}
	o := fastOrchestrator(c, diag)

	g, err := o.Process(context.Background(), sealedWindow(t, "room-101", 2))
	require.NoError(t, err)

	assert.Equal(t, 2, c.callCount(), "one retry after backoff, then degrade")
	assert.True(t, g.Result.Degraded)
	assert.Equal(t, LabelNormal, g.Result.Label)
	assert.Equal(t, TierLow, g.Tier, "degraded results never escalate")

	require.Len(t, diag.rows, 1)
	assert.True(t, diag.rows[0].Degraded)
}

func TestTransientFailureRecoversOnRetry(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{replies: []scriptedReply{
		{err: errors.New("timeout")},
		{resp: &classify.Response{Label: "normal", Confidence: 0.88}},
	}}
	o := fastOrchestrator(c, nil)

	g, err := o.Process(context.Background(), sealedWindow(t, "room-101", 2))
	require.NoError(t, err)
	assert.False(t, g.Result.Degraded)
	assert.Equal(t, LabelNormal, g.Result.Label)
}

func TestUnknownLabelDegrades(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{replies: []scriptedReply{
		{resp: &classify.Response{Label: "riot", Confidence: 0.9}},
		{resp: &classify.Response{Label: "riot", Confidence: 0.9}},
	}}
	o := fastOrchestrator(c, nil)

	g, err := o.Process(context.Background(), sealedWindow(t, "room-101", 1))
	require.NoError(t, err)
	assert.True(t, g.Result.Degraded)
}

func TestCancelledWindowReturnsError(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{}
	o := fastOrchestrator(c, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := sealedWindow(t, "room-101", 2)

	_, err := o.Process(ctx, w)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, w.Released(), "aborted windows still release their frames")
}

func TestWindowReleasedAfterProcess(t *testing.T) {
	t.Parallel()

	c := &scriptedClassifier{replies: []scriptedReply{
		{resp: &classify.Response{Label: "empty", Confidence: 0.99}},
	}}
	o := fastOrchestrator(c, nil)

	w := sealedWindow(t, "room-101", 2)
	_, err := o.Process(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, w.Released())
}
