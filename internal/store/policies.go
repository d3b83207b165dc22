package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vigil-data/hallwatch/internal/policy"
)

// RolloutInfo is the persisted A/B state of a rolling-out version.
type RolloutInfo struct {
	Fraction  int
	StartedAt time.Time
}

// SavePolicyVersion persists a snapshot with its lifecycle status.
func (s *Store) SavePolicyVersion(snap *policy.Snapshot, status policy.Status) error {
	tableJSON, err := json.Marshal(snap.Table)
	if err != nil {
		return fmt.Errorf("marshal policy table: %w", err)
	}
	now := time.Now().UnixNano()
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO policy_versions (
				version, table_json, reward_estimate, sample_count,
				trained_at, status, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(version) DO UPDATE SET
				table_json = excluded.table_json,
				reward_estimate = excluded.reward_estimate,
				sample_count = excluded.sample_count,
				status = excluded.status,
				updated_at = excluded.updated_at`,
			snap.Version, string(tableJSON), snap.Meta.RewardEstimate,
			snap.Meta.SampleCount, nanos(snap.Meta.TrainedAt), string(status), now,
		)
		return err
	})
}

// UpdatePolicyStatus transitions a version between lifecycle states and
// appends an audit row.
func (s *Store) UpdatePolicyStatus(version int64, from, to policy.Status, detail string) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(`
			UPDATE policy_versions SET status = ?, updated_at = ?
			WHERE version = ? AND status = ?`,
			string(to), time.Now().UnixNano(), version, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("policy version %d is not in status %s", version, from)
		}

		_, err = tx.Exec(`
			INSERT INTO rollout_audit (version, from_status, to_status, detail, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			version, string(from), string(to), detail, time.Now().UnixNano())
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SetRolloutInfo records the cohort fraction and start time of a rollout.
func (s *Store) SetRolloutInfo(version int64, fraction int, startedAt time.Time) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			UPDATE policy_versions
			SET rollout_fraction = ?, rollout_started_at = ?, updated_at = ?
			WHERE version = ?`,
			fraction, startedAt.UnixNano(), time.Now().UnixNano(), version)
		return err
	})
}

// PolicyByStatus returns the newest version in the given status, with its
// rollout info, or nil when none exists.
func (s *Store) PolicyByStatus(status policy.Status) (*policy.Snapshot, *RolloutInfo, error) {
	row := s.db.QueryRow(`
		SELECT version, table_json, reward_estimate, sample_count, trained_at,
		       rollout_fraction, rollout_started_at
		FROM policy_versions
		WHERE status = ?
		ORDER BY version DESC
		LIMIT 1`, string(status))

	var snap policy.Snapshot
	var tableJSON string
	var trainedAt int64
	var info RolloutInfo
	var startedAt sql.NullInt64
	err := row.Scan(&snap.Version, &tableJSON, &snap.Meta.RewardEstimate,
		&snap.Meta.SampleCount, &trainedAt, &info.Fraction, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query policy version: %w", err)
	}
	if err := json.Unmarshal([]byte(tableJSON), &snap.Table); err != nil {
		return nil, nil, fmt.Errorf("unmarshal policy table: %w", err)
	}
	if trainedAt > 0 {
		snap.Meta.TrainedAt = time.Unix(0, trainedAt)
	}
	if startedAt.Valid {
		info.StartedAt = time.Unix(0, startedAt.Int64)
	}
	return &snap, &info, nil
}

// ActivePolicy returns the currently active snapshot, or nil if none has
// been promoted yet. Called at startup to recover serving state without
// re-running training.
func (s *Store) ActivePolicy() (*policy.Snapshot, error) {
	snap, _, err := s.PolicyByStatus(policy.StatusActive)
	return snap, err
}

// NextPolicyVersion returns one past the highest persisted version.
// Version numbers start at 1; version 0 is the built-in rule table.
func (s *Store) NextPolicyVersion() (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM policy_versions`).Scan(&max); err != nil {
		return 0, fmt.Errorf("query max policy version: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// RolloutAuditTrail lists audit rows for a version, oldest first.
func (s *Store) RolloutAuditTrail(version int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT from_status, to_status, detail FROM rollout_audit
		WHERE version = ? ORDER BY id ASC`, version)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var from, to, detail string
		if err := rows.Scan(&from, &to, &detail); err != nil {
			return nil, err
		}
		entry := from + " -> " + to
		if detail != "" {
			entry += ": " + detail
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
