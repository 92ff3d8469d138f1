package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named tuning profile: coordination cadences, batch
// shaping, anchor policy, and chain client behavior. Deployments pick a
// profile per environment (dev, staging, production). Zero values defer
// to the owning component's defaults, so partial profiles are valid.
type Profile struct {
	Name        string            `yaml:"name" json:"name"`
	Coordinator CoordinatorTuning `yaml:"coordinator" json:"coordinator"`
	Batch       BatchTuning       `yaml:"batch" json:"batch"`
	Policy      PolicyTuning      `yaml:"policy" json:"policy"`
	Ledger      LedgerTuning      `yaml:"ledger" json:"ledger"`
}

// CoordinatorTuning holds per-match coordination cadences.
type CoordinatorTuning struct {
	ReconcileEvery  int   `yaml:"reconcile_every" json:"reconcile_every"`
	CheckpointEvery int   `yaml:"checkpoint_every" json:"checkpoint_every"`
	TxTimeoutMs     int64 `yaml:"tx_timeout_ms" json:"tx_timeout_ms"`
}

// TxTimeout returns the pending-transaction timeout as a duration.
func (c CoordinatorTuning) TxTimeout() time.Duration {
	return time.Duration(c.TxTimeoutMs) * time.Millisecond
}

// BatchTuning shapes the anchor batching pipeline.
type BatchTuning struct {
	MaxSize     int   `yaml:"max_size" json:"max_size"`
	MaxWaitMs   int64 `yaml:"max_wait_ms" json:"max_wait_ms"`
	MaxAttempts int   `yaml:"max_attempts" json:"max_attempts"`
}

// MaxWait returns the flush timer interval as a duration.
func (b BatchTuning) MaxWait() time.Duration {
	return time.Duration(b.MaxWaitMs) * time.Millisecond
}

// PolicyTuning carries the CEL expression classifying high-value matches.
// Empty defers to the policy engine's default expression.
type PolicyTuning struct {
	HighValue string `yaml:"high_value" json:"high_value"`
}

// LedgerTuning tunes the chain client.
type LedgerTuning struct {
	// ConfirmLatencyMs simulates confirmation latency on the in-memory
	// chain. Real backends ignore it.
	ConfirmLatencyMs int64 `yaml:"confirm_latency_ms" json:"confirm_latency_ms"`
	// SubmitRate caps move submissions per second; 0 disables the
	// throttle.
	SubmitRate  float64 `yaml:"submit_rate" json:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst" json:"submit_burst"`
}

// ConfirmLatency returns the simulated confirmation latency as a duration.
func (l LedgerTuning) ConfirmLatency() time.Duration {
	return time.Duration(l.ConfirmLatencyMs) * time.Millisecond
}

// DefaultProfile returns the built-in production tuning: reconcile every
// 10 moves, checkpoint every 20, 30s transaction timeout, batches of 100
// flushed at least once a minute.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "default",
		Coordinator: CoordinatorTuning{
			ReconcileEvery:  10,
			CheckpointEvery: 20,
			TxTimeoutMs:     30_000,
		},
		Batch: BatchTuning{
			MaxSize:     100,
			MaxWaitMs:   60_000,
			MaxAttempts: 8,
		},
	}
}

// LoadProfile loads a tuning profile by name. It reads
// profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}

	return &profile, nil
}

// ResolveProfile loads the configured profile, or the built-in default
// when none is named.
func (c *Config) ResolveProfile() (*Profile, error) {
	if c.Profile == "" {
		return DefaultProfile(), nil
	}
	return LoadProfile(c.ProfilesDir, c.Profile)
}
