package engine

import (
	"context"
	"sync"
	"time"

	"github.com/vigil-data/hallwatch/internal/config"
	"github.com/vigil-data/hallwatch/internal/ingest"
	"github.com/vigil-data/hallwatch/internal/monitoring"
	"github.com/vigil-data/hallwatch/internal/policy"
	"github.com/vigil-data/hallwatch/internal/schedule"
)

// SessionState is the sampling state of one source.
type SessionState string

const (
	StateIdle     SessionState = "idle"
	StateBurst    SessionState = "burst"
	StateCooldown SessionState = "cooldown"
)

// PolicySource serves actions to sessions. Implemented by policy.Store; kept
// as an interface so a remote policy service slots in without touching the
// state machine.
type PolicySource interface {
	ActionFor(sourceID string, st policy.State) (policy.Action, int64, error)
}

// WindowHandler processes a sealed window (orchestrate + decide) and returns
// the resulting classification confidence, or a negative value when the
// window was aborted and nothing should be learned from it.
type WindowHandler func(ctx context.Context, w *Window, dc DecisionContext) float64

// SessionConfig holds per-session tuning derived from the engine config.
type SessionConfig struct {
	BaselineFPSMin   int
	BaselineFPSMax   int
	BurstFPSMin      int
	BurstFPSMax      int
	BurstDuration    time.Duration
	CooldownDuration time.Duration
	MotionThreshold  float64
	ConfidenceGate   float64
	TickInterval     time.Duration
}

// SessionConfigFrom derives session tuning from the engine config.
func SessionConfigFrom(cfg *config.EngineConfig) SessionConfig {
	return SessionConfig{
		BaselineFPSMin:   cfg.GetBaselineFPSMin(),
		BaselineFPSMax:   cfg.GetBaselineFPSMax(),
		BurstFPSMin:      cfg.GetBurstFPSMin(),
		BurstFPSMax:      cfg.GetBurstFPSMax(),
		BurstDuration:    cfg.GetBurstDuration(),
		CooldownDuration: cfg.GetCooldownDuration(),
		MotionThreshold:  cfg.GetMotionThreshold(),
		ConfidenceGate:   cfg.GetConfidenceThreshold(),
		TickInterval:     time.Second,
	}
}

// Session is the per-source sampling state machine. It exclusively owns its
// CameraSession record: nothing else mutates the state or rate, the policy
// and decision layers act only through the actions it applies.
type Session struct {
	mu        sync.Mutex
	sourceID  string
	cfg       SessionConfig
	policies  PolicySource
	rates     ingest.RateController
	timetable *schedule.Timetable
	handle    WindowHandler

	state          SessionState
	fps            int
	lastMotion     time.Time
	lastIntensity  float64
	lastConfidence float64
	lastStateKey   string
	lastAction     policy.Action
	servingVersion int64
	burstDeadline  time.Time
	cooldownUntil  time.Time
	burstIntensity float64
	burstFPS       int
	buffer         *Buffer
	inflight       *inflightCall
	policyDegraded bool

	motionCh chan ingest.MotionEvent
	frameCh  chan Frame
	logf     func(format string, v ...interface{})
}

// inflightCall identifies one dispatched window so a superseded handler
// never clears the handle of the burst that replaced it.
type inflightCall struct {
	cancel context.CancelFunc
}

// rateOp is a capture-collaborator call computed under the session lock but
// executed after it is released; the rate service is an HTTP hop and holding
// the lock across it would stall Snapshot and event handling.
type rateOp func(ctx context.Context)

// NewSession creates a session in Idle at the baseline rate.
func NewSession(sourceID string, cfg SessionConfig, policies PolicySource, rates ingest.RateController, tt *schedule.Timetable, handle WindowHandler) *Session {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Session{
		sourceID:  sourceID,
		cfg:       cfg,
		policies:  policies,
		rates:     rates,
		timetable: tt,
		handle:    handle,
		state:     StateIdle,
		fps:       cfg.BaselineFPSMin + (cfg.BaselineFPSMax-cfg.BaselineFPSMin)/2,
		motionCh:  make(chan ingest.MotionEvent, 16),
		frameCh:   make(chan Frame, 64),
		logf:      monitoring.Component("Session"),
	}
}

// SubmitMotion delivers a motion event; drops when the session is backed up,
// motion is a continuous signal and the next event carries fresh state.
func (s *Session) SubmitMotion(ev ingest.MotionEvent) {
	select {
	case s.motionCh <- ev:
	default:
	}
}

// SubmitFrame delivers a captured frame.
func (s *Session) SubmitFrame(f Frame) {
	select {
	case s.frameCh <- f:
	default:
	}
}

// Run pumps the session until ctx is cancelled. Each session runs its own
// Run goroutine; sources never block on one another.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.inflight != nil {
				s.inflight.cancel()
				s.inflight = nil
			}
			s.mu.Unlock()
			return
		case ev := <-s.motionCh:
			s.onMotion(ctx, time.Now(), ev)
		case f := <-s.frameCh:
			s.onFrame(f)
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// onMotion applies a motion event: Idle -> Burst above the threshold, and a
// strictly stronger trigger supersedes an in-flight classification rather
// than queueing stale context behind it.
func (s *Session) onMotion(ctx context.Context, now time.Time, ev ingest.MotionEvent) {
	s.mu.Lock()
	var op rateOp

	s.lastMotion = now
	s.lastIntensity = ev.Intensity

	switch s.state {
	case StateIdle:
		if ev.Intensity >= s.cfg.MotionThreshold {
			op = s.startBurstLocked(now, ev.Intensity)
		}
	case StateCooldown:
		// Re-trigger is suppressed during cooldown to avoid oscillation,
		// except when a stronger trigger supersedes the window still being
		// classified.
		if s.inflight != nil && ev.Intensity > s.burstIntensity {
			s.logf("superseding in-flight window on %s (intensity %.2f > %.2f)",
				s.sourceID, ev.Intensity, s.burstIntensity)
			s.inflight.cancel()
			s.inflight = nil
			op = s.startBurstLocked(now, ev.Intensity)
		}
	}
	s.mu.Unlock()

	if op != nil {
		op(ctx)
	}
}

// onFrame buffers frames while bursting. The buffer stays attached through
// cooldown so frames arriving just after the seal land in the sealed
// window's adjacent tail for the re-check; idle frames are not retained.
func (s *Session) onFrame(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer != nil {
		s.buffer.Append(f)
	}
}

// tick advances timers and applies the policy action for the current state
// vector. Runs every TickInterval.
func (s *Session) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var ops []rateOp

	switch s.state {
	case StateBurst:
		if !now.Before(s.burstDeadline) {
			ops = append(ops, s.endBurstLocked(ctx, now))
		}
	case StateCooldown:
		if !now.Before(s.cooldownUntil) {
			s.state = StateIdle
			s.buffer = nil
		}
	}

	st := s.stateVectorLocked(now)
	act, version, err := s.policies.ActionFor(s.sourceID, st)
	if err != nil {
		// Rule-based fallback, identical to the cold-start default.
		act = policy.FallbackAction(st)
		version = 0
		if !s.policyDegraded {
			s.policyDegraded = true
			s.logf("policy unavailable for %s, using rule-based fallback: %v", s.sourceID, err)
		}
	} else if s.policyDegraded {
		s.policyDegraded = false
		s.logf("policy restored for %s (version %d)", s.sourceID, version)
	}
	s.lastStateKey = st.Key()
	s.lastAction = act
	s.servingVersion = version

	if act.BurstTrigger {
		// Never re-enters Burst before Cooldown expires.
		if s.state == StateIdle {
			ops = append(ops, s.startBurstLocked(now, s.lastIntensity))
		}
	} else if act.FPSAdjust != 0 {
		if op := s.applyFPSLocked(s.fps + act.FPSAdjust); op != nil {
			ops = append(ops, op)
		}
	}
	s.mu.Unlock()

	for _, op := range ops {
		op(ctx)
	}
}

// applyFPSLocked clamps the requested rate to the band of the current state
// and returns the push to the capture collaborator when it changed.
func (s *Session) applyFPSLocked(fps int) rateOp {
	min, max := s.cfg.BaselineFPSMin, s.cfg.BaselineFPSMax
	if s.state == StateBurst {
		min, max = s.cfg.BurstFPSMin, s.cfg.BurstFPSMax
	}
	if fps < min {
		fps = min
	}
	if fps > max {
		fps = max
	}
	if fps == s.fps {
		return nil
	}
	s.fps = fps
	return func(ctx context.Context) {
		if err := s.rates.SetRate(ctx, s.sourceID, fps); err != nil {
			s.logf("failed to set rate for %s: %v", s.sourceID, err)
		}
	}
}

func (s *Session) startBurstLocked(now time.Time, intensity float64) rateOp {
	burstFPS := s.cfg.BurstFPSMin + (s.cfg.BurstFPSMax-s.cfg.BurstFPSMin)/2
	capacity := int(s.cfg.BurstDuration.Seconds()) * burstFPS

	s.state = StateBurst
	s.fps = burstFPS
	s.burstFPS = burstFPS
	s.burstIntensity = intensity
	s.burstDeadline = now.Add(s.cfg.BurstDuration)
	s.buffer = OpenBuffer(s.sourceID, capacity)

	s.logf("burst started on %s at %d fps for %v (intensity %.2f)",
		s.sourceID, burstFPS, s.cfg.BurstDuration, intensity)
	return func(ctx context.Context) {
		if err := s.rates.RequestBurst(ctx, s.sourceID, s.cfg.BurstDuration); err != nil {
			s.logf("failed to request burst for %s: %v", s.sourceID, err)
		}
	}
}

// endBurstLocked seals the window, hands it to the orchestration pipeline on
// its own goroutine, and enters Cooldown. The sealed buffer stays attached so
// frames arriving during cooldown join the window's adjacent tail. The
// session lock is never held across the classification call.
func (s *Session) endBurstLocked(ctx context.Context, now time.Time) rateOp {
	buf := s.buffer
	s.state = StateCooldown
	s.cooldownUntil = now.Add(s.cfg.CooldownDuration)
	burstFPS := s.burstFPS

	baseline := s.cfg.BaselineFPSMin + (s.cfg.BaselineFPSMax-s.cfg.BaselineFPSMin)/2
	s.fps = baseline
	restore := func(ctx context.Context) {
		if err := s.rates.SetRate(ctx, s.sourceID, baseline); err != nil {
			s.logf("failed to restore baseline rate for %s: %v", s.sourceID, err)
		}
	}

	if buf == nil {
		return restore
	}
	w, err := buf.Seal()
	if err != nil {
		s.buffer = nil
		s.logf("empty burst window on %s, nothing to classify", s.sourceID)
		return restore
	}

	dc := DecisionContext{StateKey: s.lastStateKey, Action: s.lastAction, FPS: burstFPS}
	pctx, cancel := context.WithCancel(ctx)
	call := &inflightCall{cancel: cancel}
	s.inflight = call

	go func() {
		conf := s.handle(pctx, w, dc)
		cancel()
		s.mu.Lock()
		if s.inflight == call {
			s.inflight = nil
		}
		if conf >= 0 {
			s.lastConfidence = conf
		}
		s.mu.Unlock()
	}()
	return restore
}

func (s *Session) stateVectorLocked(now time.Time) policy.State {
	sched := schedule.ClassEmpty
	if s.timetable != nil {
		sched = s.timetable.ClassAt(now)
	}
	intensity := 0.0
	if !s.lastMotion.IsZero() && now.Sub(s.lastMotion) <= 5*time.Second {
		intensity = s.lastIntensity
	}
	sinceMotion := 24 * time.Hour
	if !s.lastMotion.IsZero() {
		sinceMotion = now.Sub(s.lastMotion)
	}
	return policy.State{
		FPSBand:    policy.BucketFPS(s.fps, s.cfg.BaselineFPSMax),
		Motion:     policy.BucketMotion(intensity, s.cfg.MotionThreshold),
		Schedule:   sched,
		Confidence: policy.BucketConfidence(s.lastConfidence, s.cfg.ConfidenceGate),
		TimeSince:  policy.BucketTimeSince(sinceMotion),
	}
}

// SessionSnapshot is a read-only view of a session for the status API.
type SessionSnapshot struct {
	SourceID       string       `json:"source_id"`
	State          SessionState `json:"state"`
	FPS            int          `json:"fps"`
	LastMotion     time.Time    `json:"last_motion"`
	ServingVersion int64        `json:"serving_version"`
	PolicyDegraded bool         `json:"policy_degraded"`
}

// Snapshot returns the session's current view.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		SourceID:       s.sourceID,
		State:          s.state,
		FPS:            s.fps,
		LastMotion:     s.lastMotion,
		ServingVersion: s.servingVersion,
		PolicyDegraded: s.policyDegraded,
	}
}
