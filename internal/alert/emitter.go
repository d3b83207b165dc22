package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vigil-data/hallwatch/internal/httputil"
)

// HTTPEmitter posts alerts to the notification sink.
type HTTPEmitter struct {
	baseURL string
	client  httputil.Doer
}

// NewHTTPEmitter creates an emitter for the given sink URL.
func NewHTTPEmitter(baseURL string, client httputil.Doer) *HTTPEmitter {
	return &HTTPEmitter{baseURL: baseURL, client: client}
}

// Emit posts the record to /alerts and returns the sink's delivery ID.
func (e *HTTPEmitter) Emit(ctx context.Context, rec *Record) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/alerts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("alert emit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("alert sink returned status %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		DeliveryID string `json:"delivery_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Sink accepted the alert; a missing delivery ID is not worth failing over.
		return "", nil
	}
	return out.DeliveryID, nil
}
