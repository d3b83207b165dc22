// Package config loads and validates the engine tuning configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EngineConfig is the root tuning configuration for the decision engine.
// All fields are pointers so a partial JSON file inherits defaults for
// anything it omits; the Get* accessors provide the fallback values.
type EngineConfig struct {
	// Sampling params
	BaselineFPSMin *int `json:"baseline_fps_min,omitempty"`
	BaselineFPSMax *int `json:"baseline_fps_max,omitempty"`
	BurstFPSMin    *int `json:"burst_fps_min,omitempty"`
	BurstFPSMax    *int `json:"burst_fps_max,omitempty"`

	// Burst/cooldown params (duration strings like "8s", "120s")
	BurstDuration    *string  `json:"burst_duration,omitempty"`
	CooldownDuration *string  `json:"cooldown_duration,omitempty"`
	MotionThreshold  *float64 `json:"motion_threshold,omitempty"`

	// Detection params
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	ClassifyTimeout     *string  `json:"classify_timeout,omitempty"`
	RetryBackoff        *string  `json:"retry_backoff,omitempty"`

	// Alerting params
	AlertCooldown    *string `json:"alert_cooldown,omitempty"`
	ReviewQueueBound *int    `json:"review_queue_bound,omitempty"`

	// Rollout params
	RolloutFraction  *int     `json:"rollout_fraction,omitempty"`  // percent of sources on the candidate
	MonitoringWindow *string  `json:"monitoring_window,omitempty"` // e.g. "48h"
	PromotionMargin  *float64 `json:"promotion_margin,omitempty"`  // required reward improvement
	MinActionSupport *int     `json:"min_action_support,omitempty"`

	// Source registration
	Sources []string `json:"sources,omitempty"`
}

// Load reads an EngineConfig from a JSON file. Fields omitted from the file
// retain their defaults, so partial configs are safe.
func Load(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &EngineConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are in range.
func (c *EngineConfig) Validate() error {
	if c.ConfidenceThreshold != nil {
		if *c.ConfidenceThreshold < 0 || *c.ConfidenceThreshold > 1 {
			return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", *c.ConfidenceThreshold)
		}
	}
	if c.MotionThreshold != nil {
		if *c.MotionThreshold < 0 || *c.MotionThreshold > 1 {
			return fmt.Errorf("motion_threshold must be between 0 and 1, got %f", *c.MotionThreshold)
		}
	}
	if c.RolloutFraction != nil {
		if *c.RolloutFraction < 0 || *c.RolloutFraction > 100 {
			return fmt.Errorf("rollout_fraction must be a percentage 0-100, got %d", *c.RolloutFraction)
		}
	}
	if c.BaselineFPSMin != nil && c.BaselineFPSMax != nil && *c.BaselineFPSMin > *c.BaselineFPSMax {
		return fmt.Errorf("baseline_fps_min %d exceeds baseline_fps_max %d", *c.BaselineFPSMin, *c.BaselineFPSMax)
	}
	if c.BurstFPSMin != nil && c.BurstFPSMax != nil && *c.BurstFPSMin > *c.BurstFPSMax {
		return fmt.Errorf("burst_fps_min %d exceeds burst_fps_max %d", *c.BurstFPSMin, *c.BurstFPSMax)
	}
	for _, d := range []struct {
		name  string
		value *string
	}{
		{"burst_duration", c.BurstDuration},
		{"cooldown_duration", c.CooldownDuration},
		{"classify_timeout", c.ClassifyTimeout},
		{"retry_backoff", c.RetryBackoff},
		{"alert_cooldown", c.AlertCooldown},
		{"monitoring_window", c.MonitoringWindow},
	} {
		if d.value != nil && *d.value != "" {
			if _, err := time.ParseDuration(*d.value); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
			}
		}
	}
	return nil
}

func (c *EngineConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetBaselineFPSMin returns the minimum idle sampling rate.
func (c *EngineConfig) GetBaselineFPSMin() int {
	if c.BaselineFPSMin == nil {
		return 2
	}
	return *c.BaselineFPSMin
}

// GetBaselineFPSMax returns the maximum idle sampling rate.
func (c *EngineConfig) GetBaselineFPSMax() int {
	if c.BaselineFPSMax == nil {
		return 5
	}
	return *c.BaselineFPSMax
}

// GetBurstFPSMin returns the minimum burst sampling rate.
func (c *EngineConfig) GetBurstFPSMin() int {
	if c.BurstFPSMin == nil {
		return 8
	}
	return *c.BurstFPSMin
}

// GetBurstFPSMax returns the maximum burst sampling rate.
func (c *EngineConfig) GetBurstFPSMax() int {
	if c.BurstFPSMax == nil {
		return 12
	}
	return *c.BurstFPSMax
}

// GetBurstDuration returns the burst window length.
func (c *EngineConfig) GetBurstDuration() time.Duration {
	return c.duration(c.BurstDuration, 8*time.Second)
}

// GetCooldownDuration returns the post-burst quiet period.
func (c *EngineConfig) GetCooldownDuration() time.Duration {
	return c.duration(c.CooldownDuration, 15*time.Second)
}

// GetMotionThreshold returns the motion intensity needed to trigger a burst.
func (c *EngineConfig) GetMotionThreshold() float64 {
	if c.MotionThreshold == nil {
		return 0.6
	}
	return *c.MotionThreshold
}

// GetConfidenceThreshold returns the re-check confidence gate.
func (c *EngineConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.7
	}
	return *c.ConfidenceThreshold
}

// GetClassifyTimeout returns the per-call classification service timeout.
func (c *EngineConfig) GetClassifyTimeout() time.Duration {
	return c.duration(c.ClassifyTimeout, 10*time.Second)
}

// GetRetryBackoff returns the wait before the single classification retry.
func (c *EngineConfig) GetRetryBackoff() time.Duration {
	return c.duration(c.RetryBackoff, 2*time.Second)
}

// GetAlertCooldown returns the dedup window for immediate alerts.
func (c *EngineConfig) GetAlertCooldown() time.Duration {
	return c.duration(c.AlertCooldown, 2*time.Minute)
}

// GetReviewQueueBound returns the review queue backpressure bound.
func (c *EngineConfig) GetReviewQueueBound() int {
	if c.ReviewQueueBound == nil {
		return 100
	}
	return *c.ReviewQueueBound
}

// GetRolloutFraction returns the percentage of sources assigned to a candidate.
func (c *EngineConfig) GetRolloutFraction() int {
	if c.RolloutFraction == nil {
		return 10
	}
	return *c.RolloutFraction
}

// GetMonitoringWindow returns the A/B monitoring window.
func (c *EngineConfig) GetMonitoringWindow() time.Duration {
	return c.duration(c.MonitoringWindow, 48*time.Hour)
}

// GetPromotionMargin returns the reward improvement a candidate must show in
// validation before it is eligible for rollout.
func (c *EngineConfig) GetPromotionMargin() float64 {
	if c.PromotionMargin == nil {
		return 0.5
	}
	return *c.PromotionMargin
}

// GetMinActionSupport returns the minimum number of logged samples an action
// needs in a state before training may select it.
func (c *EngineConfig) GetMinActionSupport() int {
	if c.MinActionSupport == nil {
		return 5
	}
	return *c.MinActionSupport
}
