// Package alert defines alert records and the notification sink client.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tier is the escalation level assigned by the decision engine.
type Tier string

const (
	TierLog       Tier = "log"
	TierReview    Tier = "review"
	TierImmediate Tier = "immediate"
)

// AckState tracks whether a human has acknowledged an alert.
type AckState string

const (
	AckPending      AckState = "pending"
	AckAcknowledged AckState = "acknowledged"
)

// Record is one alert. Created by the decision engine; only acknowledgment
// mutates it afterwards.
type Record struct {
	AlertID    string     `json:"alert_id"`
	IncidentID string     `json:"incident_id"`
	SourceID   string     `json:"source_id"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Tier       Tier       `json:"tier"`
	DedupKey   string     `json:"dedup_key"`
	Ack        AckState   `json:"ack"`
	Deferred   bool       `json:"deferred"`
	CreatedAt  time.Time  `json:"created_at"`
	AckedAt    *time.Time `json:"acked_at,omitempty"`
}

// NewRecord builds an alert for a source/label pair at the given tier.
func NewRecord(sourceID, label string, confidence float64, tier Tier, now time.Time) *Record {
	return &Record{
		AlertID:    uuid.New().String(),
		IncidentID: uuid.New().String(),
		SourceID:   sourceID,
		Label:      label,
		Confidence: confidence,
		Tier:       tier,
		DedupKey:   DedupKey(sourceID, label),
		Ack:        AckPending,
		CreatedAt:  now,
	}
}

// DedupKey identifies an ongoing incident: same source, same incident type.
func DedupKey(sourceID, label string) string {
	return sourceID + "/" + label
}

// Emitter delivers immediate alerts to the notification collaborator.
// Delivery is at-least-once; the decision engine's dedup logic is the only
// defense against duplicate human-visible alerts.
type Emitter interface {
	Emit(ctx context.Context, rec *Record) (deliveryID string, err error)
}

// MemoryEmitter is a test double that records emissions.
type MemoryEmitter struct {
	mu      sync.Mutex
	Emitted []*Record
	Err     error
}

// Emit records the alert and returns a synthetic delivery ID.
func (m *MemoryEmitter) Emit(ctx context.Context, rec *Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Emitted = append(m.Emitted, rec)
	return "delivery-" + rec.AlertID, nil
}

// Count returns how many alerts were emitted.
func (m *MemoryEmitter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Emitted)
}
