package store

import (
	"time"
)

// Diagnostic is the audit record kept for every gated classification,
// including benign outcomes and degraded-mode results that never become
// alerts.
type Diagnostic struct {
	SourceID   string
	WindowID   string
	Label      string
	Confidence float64
	Stage      string
	Tier       string
	Degraded   bool
	CreatedAt  time.Time
}

// InsertDiagnostic appends a diagnostic record.
func (s *Store) InsertDiagnostic(d *Diagnostic) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO diagnostics (
				source_id, window_id, label, confidence, stage, tier, degraded, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.SourceID, d.WindowID, d.Label, d.Confidence, d.Stage, d.Tier,
			boolInt(d.Degraded), nanos(d.CreatedAt))
		return err
	})
}

// CountDiagnostics returns how many diagnostics a source has accumulated
// since a cutoff. Used by the status API.
func (s *Store) CountDiagnostics(sourceID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM diagnostics
		WHERE source_id = ? AND created_at >= ?`,
		sourceID, since.UnixNano()).Scan(&n)
	return n, err
}
