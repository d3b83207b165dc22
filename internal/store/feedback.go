package store

import (
	"fmt"
	"time"

	"github.com/vigil-data/hallwatch/internal/review"
)

// SaveFeedback persists a reviewer verdict. Feedback is append-only.
func (s *Store) SaveFeedback(fb *review.Feedback) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO feedback (feedback_id, alert_id, verdict, created_at)
			VALUES (?, ?, ?, ?)`,
			fb.FeedbackID, fb.AlertID, string(fb.Verdict), nanos(fb.CreatedAt))
		return err
	})
}

// FeedbackForAlert returns the verdicts recorded against an alert.
func (s *Store) FeedbackForAlert(alertID string) ([]*review.Feedback, error) {
	rows, err := s.db.Query(`
		SELECT feedback_id, alert_id, verdict, created_at
		FROM feedback WHERE alert_id = ? ORDER BY created_at ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []*review.Feedback
	for rows.Next() {
		fb := &review.Feedback{}
		var verdict string
		var createdAt int64
		if err := rows.Scan(&fb.FeedbackID, &fb.AlertID, &verdict, &createdAt); err != nil {
			return nil, err
		}
		fb.Verdict = review.Verdict(verdict)
		fb.CreatedAt = time.Unix(0, createdAt)
		out = append(out, fb)
	}
	return out, rows.Err()
}
