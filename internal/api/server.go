// Package api is the engine's operational HTTP surface: status, policy
// inspection, alert acknowledgment, reviewer endpoints, and the ingest
// hooks the capture collaborator posts to.
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vigil-data/hallwatch/internal/alert"
	"github.com/vigil-data/hallwatch/internal/engine"
	"github.com/vigil-data/hallwatch/internal/httputil"
	"github.com/vigil-data/hallwatch/internal/ingest"
	"github.com/vigil-data/hallwatch/internal/monitoring"
	"github.com/vigil-data/hallwatch/internal/policy"
	"github.com/vigil-data/hallwatch/internal/review"
	"github.com/vigil-data/hallwatch/internal/store"
	"github.com/vigil-data/hallwatch/internal/version"
)

// AlertReader is the store surface the status endpoints need.
type AlertReader interface {
	UnackedAlerts() ([]*alert.Record, error)
	PolicyByStatus(status policy.Status) (*policy.Snapshot, *store.RolloutInfo, error)
	RolloutAuditTrail(version int64) ([]string, error)
}

// Acknowledger clears an alert's dedup hold. Implemented by the decider.
type Acknowledger interface {
	Acknowledge(alertID string, at time.Time) error
}

// Server serves the engine API.
type Server struct {
	registry *engine.Registry
	serving  *policy.Store
	reviews  *review.Queue
	alerts   AlertReader
	acks     Acknowledger
	logf     func(format string, v ...interface{})
}

// NewServer creates the API server.
func NewServer(registry *engine.Registry, serving *policy.Store, reviews *review.Queue, alerts AlertReader, acks Acknowledger) *Server {
	return &Server{
		registry: registry,
		serving:  serving,
		reviews:  reviews,
		alerts:   alerts,
		acks:     acks,
		logf:     monitoring.Component("API"),
	}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/policy", s.handlePolicy)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/alerts/ack", s.handleAck)
	mux.HandleFunc("/api/review/next", s.handleReviewNext)
	mux.HandleFunc("/api/review/feedback", s.handleFeedback)
	mux.HandleFunc("/api/review/missed", s.handleMissed)
	mux.HandleFunc("/api/ingest/motion", s.handleMotion)
	mux.HandleFunc("/api/ingest/frame", s.handleFrame)
	return mux
}

type statusResponse struct {
	Version       string                   `json:"version"`
	Sessions      []engine.SessionSnapshot `json:"sessions"`
	PolicyVersion int64                    `json:"policy_version"`
	UnackedAlerts int                      `json:"unacked_alerts"`
	ReviewDepth   int                      `json:"review_depth"`
	ReviewDefer   int                      `json:"review_deferred"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	unacked, err := s.alerts.UnackedAlerts()
	if err != nil {
		httputil.InternalServerError(w, "failed to count alerts")
		return
	}
	surfaced, deferred := s.reviews.Depth()

	resp := statusResponse{
		Version:       version.Version,
		Sessions:      s.registry.Snapshots(),
		UnackedAlerts: len(unacked),
		ReviewDepth:   surfaced,
		ReviewDefer:   deferred,
	}
	if active := s.serving.Active(); active != nil {
		resp.PolicyVersion = active.Version
	}
	httputil.WriteJSONOK(w, resp)
}

type policyResponse struct {
	ActiveVersion   int64           `json:"active_version"`
	Meta            policy.Metadata `json:"meta"`
	RolloutVersion  int64           `json:"rollout_version,omitempty"`
	RolloutFraction int             `json:"rollout_fraction,omitempty"`
	Audit           []string        `json:"audit,omitempty"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := policyResponse{}
	if active := s.serving.Active(); active != nil {
		resp.ActiveVersion = active.Version
		resp.Meta = active.Meta
	}
	if version, fraction := s.serving.RolloutVersion(); version != 0 {
		resp.RolloutVersion = version
		resp.RolloutFraction = fraction
		if audit, err := s.alerts.RolloutAuditTrail(version); err == nil {
			resp.Audit = audit
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	alerts, err := s.alerts.UnackedAlerts()
	if err != nil {
		httputil.InternalServerError(w, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*alert.Record{}
	}
	httputil.WriteJSONOK(w, alerts)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req struct {
		AlertID string `json:"alert_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AlertID == "" {
		httputil.BadRequest(w, "alert_id required")
		return
	}
	if err := s.acks.Acknowledge(req.AlertID, time.Now()); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"acknowledged": req.AlertID})
}

func (s *Server) handleReviewNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	rec := s.reviews.Dequeue()
	if rec == nil {
		httputil.NotFound(w, "review queue empty")
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var fb review.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil || fb.AlertID == "" {
		httputil.BadRequest(w, "alert_id and verdict required")
		return
	}
	if err := s.reviews.SubmitFeedback(&fb); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"feedback_id": fb.FeedbackID})
}

func (s *Server) handleMissed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req struct {
		SourceID string `json:"source_id"`
		StateKey string `json:"state_key"`
		FPS      int    `json:"fps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceID == "" {
		httputil.BadRequest(w, "source_id required")
		return
	}
	if err := s.reviews.ReportMissed(req.SourceID, req.StateKey, req.FPS); err != nil {
		httputil.InternalServerError(w, "failed to record missed incident")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"recorded": req.SourceID})
}

func (s *Server) handleMotion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var ev ingest.MotionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.SourceID == "" {
		httputil.BadRequest(w, "source_id required")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	session := s.registry.Get(ev.SourceID)
	if session == nil {
		httputil.NotFound(w, "unknown source "+ev.SourceID)
		return
	}
	session.SubmitMotion(ev)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req struct {
		SourceID    string    `json:"source_id"`
		Timestamp   time.Time `json:"timestamp"`
		MotionScore float64   `json:"motion_score"`
		Payload     string    `json:"payload"` // base64
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceID == "" {
		httputil.BadRequest(w, "source_id required")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		httputil.BadRequest(w, "payload must be base64")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	session := s.registry.Get(req.SourceID)
	if session == nil {
		httputil.NotFound(w, "unknown source "+req.SourceID)
		return
	}
	session.SubmitFrame(engine.Frame{
		Timestamp:   req.Timestamp,
		SourceID:    req.SourceID,
		MotionScore: req.MotionScore,
		Payload:     payload,
	})
	w.WriteHeader(http.StatusAccepted)
}
