// Package ingest is the engine-side surface of the capture collaborator:
// motion events arriving from it, and the rate-control calls going back.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vigil-data/hallwatch/internal/httputil"
)

// MotionEvent is an ephemeral motion report for one source. Consumed once by
// the session state machine to decide a transition, then discarded.
type MotionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	SourceID  string    `json:"source_id"`
	Intensity float64   `json:"intensity"` // 0-1
}

// RateController requests sampling changes from the capture collaborator.
type RateController interface {
	SetRate(ctx context.Context, sourceID string, fps int) error
	RequestBurst(ctx context.Context, sourceID string, d time.Duration) error
}

// HTTPRateController drives a capture service over HTTP.
type HTTPRateController struct {
	baseURL string
	client  httputil.Doer
}

// NewHTTPRateController creates a rate controller for the given capture URL.
func NewHTTPRateController(baseURL string, client httputil.Doer) *HTTPRateController {
	return &HTTPRateController{baseURL: baseURL, client: client}
}

func (c *HTTPRateController) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rate call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("capture service returned status %d", resp.StatusCode)
	}
	return nil
}

// SetRate asks the capture service to sample sourceID at fps.
func (c *HTTPRateController) SetRate(ctx context.Context, sourceID string, fps int) error {
	return c.post(ctx, "/rate", map[string]any{"source_id": sourceID, "fps": fps})
}

// RequestBurst asks for a bounded high-rate capture window.
func (c *HTTPRateController) RequestBurst(ctx context.Context, sourceID string, d time.Duration) error {
	return c.post(ctx, "/burst", map[string]any{
		"source_id":        sourceID,
		"duration_seconds": int(d.Seconds()),
	})
}

// RateCall records one control call made through MemoryRateController.
type RateCall struct {
	SourceID string
	FPS      int
	Burst    time.Duration
}

// MemoryRateController is a test double that records control calls.
type MemoryRateController struct {
	mu    sync.Mutex
	Calls []RateCall
}

// SetRate records the requested rate.
func (m *MemoryRateController) SetRate(ctx context.Context, sourceID string, fps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RateCall{SourceID: sourceID, FPS: fps})
	return nil
}

// RequestBurst records the requested burst.
func (m *MemoryRateController) RequestBurst(ctx context.Context, sourceID string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RateCall{SourceID: sourceID, Burst: d})
	return nil
}

// All returns a copy of every recorded call.
func (m *MemoryRateController) All() []RateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RateCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// LastCall returns the most recent recorded call, or nil.
func (m *MemoryRateController) LastCall() *RateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	c := m.Calls[len(m.Calls)-1]
	return &c
}
