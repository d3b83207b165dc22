package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vigil-data/hallwatch/internal/alert"
)

// ErrDuplicateAlert is returned when inserting an immediate alert whose
// dedup key already has an outstanding (unacknowledged) immediate alert.
// The decision engine treats this as an invariant violation, not a conflict
// to paper over.
var ErrDuplicateAlert = errors.New("outstanding immediate alert exists for dedup key")

// ErrAlertNotFound is returned when the referenced alert does not exist or
// is not in the expected acknowledgment state.
var ErrAlertNotFound = errors.New("alert not found")

// InsertAlert persists an alert record. The schema's partial unique index
// enforces the one-outstanding-immediate-per-dedup-key invariant.
func (s *Store) InsertAlert(rec *alert.Record) error {
	return retryOnBusy(func() error {
		var ackedAt interface{}
		if rec.AckedAt != nil {
			ackedAt = rec.AckedAt.UnixNano()
		}
		_, err := s.db.Exec(`
			INSERT INTO alerts (
				alert_id, incident_id, source_id, label, confidence,
				tier, dedup_key, ack, deferred, created_at, acked_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.AlertID, rec.IncidentID, rec.SourceID, rec.Label, rec.Confidence,
			string(rec.Tier), rec.DedupKey, string(rec.Ack), boolInt(rec.Deferred),
			nanos(rec.CreatedAt), ackedAt,
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateAlert, rec.DedupKey)
		}
		return err
	})
}

// AckAlert marks an alert acknowledged.
func (s *Store) AckAlert(alertID string, at time.Time) error {
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE alerts SET ack = ?, acked_at = ?
			WHERE alert_id = ? AND ack = ?`,
			string(alert.AckAcknowledged), at.UnixNano(), alertID, string(alert.AckPending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: no pending alert with id %s", ErrAlertNotFound, alertID)
		}
		return nil
	})
}

// MarkAlertDeferred flips the deferred flag on a review alert.
func (s *Store) MarkAlertDeferred(alertID string, deferred bool) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`UPDATE alerts SET deferred = ? WHERE alert_id = ?`,
			boolInt(deferred), alertID)
		return err
	})
}

// LatestUnacked returns the newest unacknowledged immediate alert for a
// dedup key, or nil when none exists.
func (s *Store) LatestUnacked(dedupKey string) (*alert.Record, error) {
	row := s.db.QueryRow(`
		SELECT alert_id, incident_id, source_id, label, confidence,
		       tier, dedup_key, ack, deferred, created_at, acked_at
		FROM alerts
		WHERE dedup_key = ? AND tier = ? AND ack = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		dedupKey, string(alert.TierImmediate), string(alert.AckPending))
	rec, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// UnackedAlerts lists all pending alerts, newest first.
func (s *Store) UnackedAlerts() ([]*alert.Record, error) {
	rows, err := s.db.Query(`
		SELECT alert_id, incident_id, source_id, label, confidence,
		       tier, dedup_key, ack, deferred, created_at, acked_at
		FROM alerts
		WHERE ack = ?
		ORDER BY created_at DESC`,
		string(alert.AckPending))
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*alert.Record
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*alert.Record, error) {
	rec := &alert.Record{}
	var tier, ack string
	var deferred int
	var createdAt int64
	var ackedAt sql.NullInt64
	err := row.Scan(&rec.AlertID, &rec.IncidentID, &rec.SourceID, &rec.Label,
		&rec.Confidence, &tier, &rec.DedupKey, &ack, &deferred, &createdAt, &ackedAt)
	if err != nil {
		return nil, err
	}
	rec.Tier = alert.Tier(tier)
	rec.Ack = alert.AckState(ack)
	rec.Deferred = deferred != 0
	rec.CreatedAt = time.Unix(0, createdAt)
	if ackedAt.Valid {
		t := time.Unix(0, ackedAt.Int64)
		rec.AckedAt = &t
	}
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
