// Package classify wraps the external vision-language scoring service. The
// engine treats it as opaque: frames in, {label, confidence} out.
package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vigil-data/hallwatch/internal/httputil"
)

// Request is one classification call over a context window.
type Request struct {
	SourceID    string    `json:"source_id"`
	Stage       string    `json:"stage"` // "initial" or "re-check"
	WindowID    string    `json:"window_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Frames      []string  `json:"frames"` // base64 frame payloads
}

// Response is the scoring service's verdict.
type Response struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier scores a context window. Implementations must honor ctx
// cancellation; the orchestrator cancels superseded windows mid-call.
type Classifier interface {
	Classify(ctx context.Context, req *Request) (*Response, error)
}

// HTTPClassifier calls the scoring service over HTTP JSON.
type HTTPClassifier struct {
	baseURL string
	client  httputil.Doer
}

// NewHTTPClassifier creates a classifier client for the given service URL.
func NewHTTPClassifier(baseURL string, client httputil.Doer) *HTTPClassifier {
	return &HTTPClassifier{baseURL: baseURL, client: client}
}

// Classify posts the window to /classify and decodes the verdict.
func (c *HTTPClassifier) Classify(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("classify call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("classify returned status %d: %s", resp.StatusCode, string(b))
	}

	out := &Response{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("malformed classify response: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("classify confidence out of range: %f", out.Confidence)
	}
	return out, nil
}

// EncodeFrames converts raw frame payloads to the wire representation.
func EncodeFrames(payloads [][]byte) []string {
	frames := make([]string, len(payloads))
	for i, p := range payloads {
		frames[i] = base64.StdEncoding.EncodeToString(p)
	}
	return frames
}
