package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/vigil-data/hallwatch/internal/classify"
	"github.com/vigil-data/hallwatch/internal/monitoring"
	"github.com/vigil-data/hallwatch/internal/store"
)

// gateHintMargin is the half-width of the confidence band around the gate
// inside which a policy tier hint may move a result across it.
const gateHintMargin = 0.05

// DiagnosticSink records every gated classification for the audit trail.
type DiagnosticSink interface {
	InsertDiagnostic(d *store.Diagnostic) error
}

// Orchestrator drives the two-stage classify -> re-check -> confidence-gate
// flow over a sealed window. Stage 2 is mandatory for any non-benign stage-1
// label; it is the false-positive suppression mechanism and no outcome is
// ever emitted from stage 1 alone.
type Orchestrator struct {
	classifier classify.Classifier
	threshold  float64       // re-check confidence gate
	timeout    time.Duration // per classification call
	backoff    time.Duration // before the single retry
	diag       DiagnosticSink
	logf       func(format string, v ...interface{})
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	Classifier          classify.Classifier
	ConfidenceThreshold float64
	CallTimeout         time.Duration
	RetryBackoff        time.Duration
	Diagnostics         DiagnosticSink
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		classifier: cfg.Classifier,
		threshold:  cfg.ConfidenceThreshold,
		timeout:    cfg.CallTimeout,
		backoff:    cfg.RetryBackoff,
		diag:       cfg.Diagnostics,
		logf:       monitoring.Component("Orchestrator"),
	}
	if o.threshold <= 0 {
		o.threshold = 0.7
	}
	if o.timeout <= 0 {
		o.timeout = 10 * time.Second
	}
	if o.backoff <= 0 {
		o.backoff = 2 * time.Second
	}
	return o
}

// Process classifies a sealed window and gates the result. The window is
// released when the invocation completes, successfully or not. A cancelled
// ctx (superseded window) aborts between stages and returns the ctx error.
func (o *Orchestrator) Process(ctx context.Context, w *Window) (*GatedResult, error) {
	defer w.Release()

	stage1, err := o.classifyWithRetry(ctx, w, StageInitial)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.degrade(w, StageInitial, err), nil
	}
	o.record(w, stage1, "")

	if stage1.Label.Benign() {
		return &GatedResult{SourceID: w.SourceID, Result: stage1, Tier: TierLow}, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	stage2, err := o.classifyWithRetry(ctx, w, StageRecheck)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.degrade(w, StageRecheck, err), nil
	}

	tier := TierLow
	if stage2.Confidence >= o.threshold {
		tier = TierHigh
	}
	o.record(w, stage2, string(tier))

	marginal := stage2.Confidence >= o.threshold-gateHintMargin &&
		stage2.Confidence <= o.threshold+gateHintMargin
	return &GatedResult{SourceID: w.SourceID, Result: stage2, Tier: tier, Marginal: marginal}, nil
}

// classifyWithRetry makes one best-effort call, retrying once after backoff
// on any classifier error.
func (o *Orchestrator) classifyWithRetry(ctx context.Context, w *Window, stage Stage) (ClassificationResult, error) {
	res, err := o.classifyOnce(ctx, w, stage)
	if err == nil {
		return res, nil
	}
	o.logf("stage %s failed for %s, retrying after %v: %v", stage, w.SourceID, o.backoff, err)

	select {
	case <-ctx.Done():
		return ClassificationResult{}, ctx.Err()
	case <-time.After(o.backoff):
	}
	return o.classifyOnce(ctx, w, stage)
}

func (o *Orchestrator) classifyOnce(ctx context.Context, w *Window, stage Stage) (ClassificationResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	frames := w.Frames
	if stage == StageRecheck {
		// The re-check sees the same window plus the frames captured in the
		// moments right after the seal.
		if adj := w.Adjacent(); len(adj) > 0 {
			frames = make([]Frame, 0, len(w.Frames)+len(adj))
			frames = append(frames, w.Frames...)
			frames = append(frames, adj...)
		}
	}
	payloads := make([][]byte, len(frames))
	for i, f := range frames {
		payloads[i] = f.Payload
	}
	req := &classify.Request{
		SourceID: w.SourceID,
		Stage:    string(stage),
		WindowID: w.WindowID,
		Frames:   classify.EncodeFrames(payloads),
	}
	if n := len(frames); n > 0 {
		req.WindowStart = frames[0].Timestamp
		req.WindowEnd = frames[n-1].Timestamp
	}

	resp, err := o.classifier.Classify(callCtx, req)
	if err != nil {
		return ClassificationResult{}, err
	}
	label := Label(resp.Label)
	switch label {
	case LabelEmpty, LabelNormal, LabelClash, LabelMisconduct:
	default:
		return ClassificationResult{}, fmt.Errorf("unknown label %q", resp.Label)
	}
	return ClassificationResult{
		Label:      label,
		Confidence: resp.Confidence,
		Stage:      stage,
		WindowID:   w.WindowID,
	}, nil
}

// degrade synthesizes the benign-but-flagged result used after persistent
// classifier failure. Escalating on a failed call would page humans for
// infrastructure noise; suppressing silently would hide the failure. The
// degraded marker keeps it visible in diagnostics without either.
func (o *Orchestrator) degrade(w *Window, stage Stage, cause error) *GatedResult {
	o.logf("degraded mode for %s window %s at stage %s: %v", w.SourceID, w.WindowID, stage, cause)
	res := ClassificationResult{
		Label:      LabelNormal,
		Confidence: 0,
		Stage:      stage,
		WindowID:   w.WindowID,
		Degraded:   true,
	}
	o.record(w, res, "")
	return &GatedResult{SourceID: w.SourceID, Result: res, Tier: TierLow}
}

func (o *Orchestrator) record(w *Window, res ClassificationResult, tier string) {
	if o.diag == nil {
		return
	}
	err := o.diag.InsertDiagnostic(&store.Diagnostic{
		SourceID:   w.SourceID,
		WindowID:   w.WindowID,
		Label:      string(res.Label),
		Confidence: res.Confidence,
		Stage:      string(res.Stage),
		Tier:       tier,
		Degraded:   res.Degraded,
	})
	if err != nil {
		o.logf("failed to record diagnostic for %s: %v", w.WindowID, err)
	}
}
