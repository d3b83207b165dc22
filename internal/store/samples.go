package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vigil-data/hallwatch/internal/policy"
)

// InsertSample persists one reward sample, usually still pending. If
// SampleID is empty, a UUID is generated.
func (s *Store) InsertSample(sample *policy.RewardSample) error {
	if sample.SampleID == "" {
		sample.SampleID = uuid.New().String()
	}
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now()
	}
	if sample.Outcome == "" {
		sample.Outcome = policy.OutcomePending
	}
	return retryOnBusy(func() error {
		var alertID interface{}
		if sample.AlertID != "" {
			alertID = sample.AlertID
		}
		_, err := s.db.Exec(`
			INSERT INTO reward_samples (
				sample_id, source_id, alert_id, state_key,
				fps_adjust, burst_trigger, tier_hint, fps,
				outcome, reward, consumed, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			sample.SampleID, sample.SourceID, alertID, sample.StateKey,
			sample.Action.FPSAdjust, boolInt(sample.Action.BurstTrigger),
			sample.Action.TierHint, sample.FPS,
			string(sample.Outcome), sample.Reward, nanos(sample.CreatedAt),
		)
		return err
	})
}

// ResolveAlertOutcome attaches ground truth to the sample behind an alert
// and computes its reward from the sampling rate recorded at decision time.
func (s *Store) ResolveAlertOutcome(alertID string, outcome policy.Outcome) error {
	return retryOnBusy(func() error {
		rows, err := s.db.Query(`
			SELECT sample_id, fps FROM reward_samples
			WHERE alert_id = ? AND outcome = ?`,
			alertID, string(policy.OutcomePending))
		if err != nil {
			return err
		}
		type pending struct {
			id  string
			fps int
		}
		var found []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.fps); err != nil {
				rows.Close()
				return err
			}
			found = append(found, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("no pending sample for alert %s", alertID)
		}
		for _, p := range found {
			reward := policy.Reward(outcome, p.fps)
			if _, err := s.db.Exec(`
				UPDATE reward_samples SET outcome = ?, reward = ?
				WHERE sample_id = ?`,
				string(outcome), reward, p.id); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertMissedSample records a missed incident reported for a source. There
// is no alert to hang it on; the sample is created already resolved with the
// heaviest penalty.
func (s *Store) InsertMissedSample(sourceID, stateKey string, fps int) error {
	sample := &policy.RewardSample{
		SampleID:  uuid.New().String(),
		SourceID:  sourceID,
		StateKey:  stateKey,
		FPS:       fps,
		Outcome:   policy.OutcomeMissed,
		Reward:    policy.Reward(policy.OutcomeMissed, fps),
		CreatedAt: time.Now(),
	}
	return s.InsertSample(sample)
}

// ResolveStaleBenign resolves pending samples that produced no alert and are
// older than before: nothing was ever escalated and no feedback will come,
// so only the sampling cost counts.
func (s *Store) ResolveStaleBenign(before time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE reward_samples
			SET outcome = ?, reward = -0.01 * fps
			WHERE outcome = ? AND alert_id IS NULL AND created_at < ?`,
			string(policy.OutcomeQuiet), string(policy.OutcomePending), before.UnixNano())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// UnconsumedResolvedSamples returns every resolved sample not yet consumed
// by training, oldest first.
func (s *Store) UnconsumedResolvedSamples() ([]policy.RewardSample, error) {
	rows, err := s.db.Query(`
		SELECT sample_id, source_id, COALESCE(alert_id, ''), state_key,
		       fps_adjust, burst_trigger, tier_hint, fps, outcome, reward, created_at
		FROM reward_samples
		WHERE outcome != ? AND consumed = 0
		ORDER BY created_at ASC`,
		string(policy.OutcomePending))
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// MarkSamplesConsumed flags samples as consumed by a training run.
func (s *Store) MarkSamplesConsumed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.Prepare(`UPDATE reward_samples SET consumed = 1 WHERE sample_id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.Exec(id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// SourceRewards groups resolved sample rewards by source since a cutoff,
// consumed or not. Used for cohort comparison at the end of a monitoring
// window.
func (s *Store) SourceRewards(since time.Time) (map[string][]float64, error) {
	rows, err := s.db.Query(`
		SELECT source_id, reward FROM reward_samples
		WHERE outcome != ? AND created_at >= ?`,
		string(policy.OutcomePending), since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query source rewards: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var src string
		var reward float64
		if err := rows.Scan(&src, &reward); err != nil {
			return nil, err
		}
		out[src] = append(out[src], reward)
	}
	return out, rows.Err()
}

func scanSamples(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]policy.RewardSample, error) {
	var out []policy.RewardSample
	for rows.Next() {
		var sm policy.RewardSample
		var burst int
		var outcome string
		var createdAt int64
		err := rows.Scan(&sm.SampleID, &sm.SourceID, &sm.AlertID, &sm.StateKey,
			&sm.Action.FPSAdjust, &burst, &sm.Action.TierHint, &sm.FPS,
			&outcome, &sm.Reward, &createdAt)
		if err != nil {
			return nil, err
		}
		sm.Action.BurstTrigger = burst != 0
		sm.Outcome = policy.Outcome(outcome)
		sm.CreatedAt = time.Unix(0, createdAt)
		out = append(out, sm)
	}
	return out, rows.Err()
}
