package engine

import (
	"context"

	"github.com/vigil-data/hallwatch/internal/monitoring"
)

// Pipeline chains the classification orchestrator and the decision engine
// into a single window handler for sessions.
type Pipeline struct {
	orch    *Orchestrator
	decider *Decider
	logf    func(format string, v ...interface{})
}

func NewPipeline(orch *Orchestrator, decider *Decider) *Pipeline {
	return &Pipeline{
		orch:    orch,
		decider: decider,
		logf:    monitoring.Component("Pipeline"),
	}
}

// Handle processes one sealed window end to end. Returns the classification
// confidence, or -1 when the window was aborted before yielding a result.
func (p *Pipeline) Handle(ctx context.Context, w *Window, dc DecisionContext) float64 {
	g, err := p.orch.Process(ctx, w)
	if err != nil {
		// Cancelled mid-flight, typically superseded by a stronger trigger.
		return -1
	}
	if _, err := p.decider.Decide(ctx, g, dc); err != nil {
		p.logf("decision failed for window %s on %s: %v", w.WindowID, w.SourceID, err)
	}
	return g.Result.Confidence
}
