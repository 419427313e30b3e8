package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and inspection at runtime.
//
// All constants governing the fraud/undercount trade-off (similarity
// threshold, cool-down, silence window, gates) live here rather than in
// code: they interact and need to be tuned per vehicle and camera mount.
type TuningConfig struct {
	// Track store params. Positions are normalized frame coordinates (0-1).
	GatingDistance  *float64 `json:"gating_distance,omitempty"`
	MaxTracks       *int     `json:"max_tracks,omitempty"`
	SilenceFrames   *int     `json:"silence_frames,omitempty"`
	SilenceDuration *string  `json:"silence_duration,omitempty"` // duration string like "2s"
	MinObservations *int     `json:"min_observations,omitempty"`

	// Crossing detector params
	BoundaryAxis    *string  `json:"boundary_axis,omitempty"` // "x" or "y"
	BoundaryOffset  *float64 `json:"boundary_offset,omitempty"`
	MinDisplacement *float64 `json:"min_displacement,omitempty"`
	EntryPositive   *bool    `json:"entry_positive,omitempty"`

	// Identity cache params. Similarity is cosine similarity, fixed metric.
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	Cooldown            *string  `json:"cooldown,omitempty"`           // duration string like "5s"
	IdentityRetention   *string  `json:"identity_retention,omitempty"` // duration string like "10m"

	// Frame pipeline params
	ProcessEveryNFrames *int `json:"process_every_n_frames,omitempty"`

	// Trip params
	DefaultCapacity *int `json:"default_capacity,omitempty"`

	// Sync worker params
	SyncInterval    *string `json:"sync_interval,omitempty"`
	DeliveryTimeout *string `json:"delivery_timeout,omitempty"`
	ProbeTimeout    *string `json:"probe_timeout,omitempty"`
	BackoffBase     *string `json:"backoff_base,omitempty"`
	BackoffMax      *string `json:"backoff_max,omitempty"`
	MaxAttempts     *int    `json:"max_attempts,omitempty"`
	InFlightLease   *string `json:"in_flight_lease,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from a defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.GatingDistance != nil && *c.GatingDistance <= 0 {
		return fmt.Errorf("gating_distance must be positive, got %f", *c.GatingDistance)
	}
	if c.SimilarityThreshold != nil {
		if *c.SimilarityThreshold < -1 || *c.SimilarityThreshold > 1 {
			return fmt.Errorf("similarity_threshold must be within [-1, 1], got %f", *c.SimilarityThreshold)
		}
	}
	if c.BoundaryAxis != nil && *c.BoundaryAxis != "x" && *c.BoundaryAxis != "y" {
		return fmt.Errorf("boundary_axis must be \"x\" or \"y\", got %q", *c.BoundaryAxis)
	}
	if c.BoundaryOffset != nil && (*c.BoundaryOffset < 0 || *c.BoundaryOffset > 1) {
		return fmt.Errorf("boundary_offset must be within [0, 1], got %f", *c.BoundaryOffset)
	}
	if c.MinDisplacement != nil && *c.MinDisplacement < 0 {
		return fmt.Errorf("min_displacement must be non-negative, got %f", *c.MinDisplacement)
	}
	if c.DefaultCapacity != nil && *c.DefaultCapacity < 1 {
		return fmt.Errorf("default_capacity must be >= 1, got %d", *c.DefaultCapacity)
	}
	if c.MaxAttempts != nil && *c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", *c.MaxAttempts)
	}
	if c.ProcessEveryNFrames != nil && *c.ProcessEveryNFrames < 1 {
		return fmt.Errorf("process_every_n_frames must be >= 1, got %d", *c.ProcessEveryNFrames)
	}

	// Duration strings must parse if set.
	durations := map[string]*string{
		"silence_duration":   c.SilenceDuration,
		"cooldown":           c.Cooldown,
		"identity_retention": c.IdentityRetention,
		"sync_interval":      c.SyncInterval,
		"delivery_timeout":   c.DeliveryTimeout,
		"probe_timeout":      c.ProbeTimeout,
		"backoff_base":       c.BackoffBase,
		"backoff_max":        c.BackoffMax,
		"in_flight_lease":    c.InFlightLease,
	}
	for name, v := range durations {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

func durationOrDefault(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetGatingDistance returns the gating_distance value or the default.
func (c *TuningConfig) GetGatingDistance() float64 {
	if c.GatingDistance == nil {
		return 0.15
	}
	return *c.GatingDistance
}

// GetMaxTracks returns the max_tracks value or the default.
func (c *TuningConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return 50
	}
	return *c.MaxTracks
}

// GetSilenceFrames returns the silence_frames value or the default.
func (c *TuningConfig) GetSilenceFrames() int {
	if c.SilenceFrames == nil {
		return 10
	}
	return *c.SilenceFrames
}

// GetSilenceDuration parses and returns the silence_duration as a time.Duration.
func (c *TuningConfig) GetSilenceDuration() time.Duration {
	return durationOrDefault(c.SilenceDuration, 2*time.Second)
}

// GetMinObservations returns the min_observations value or the default.
func (c *TuningConfig) GetMinObservations() int {
	if c.MinObservations == nil {
		return 2
	}
	return *c.MinObservations
}

// GetBoundaryAxis returns the boundary_axis value or the default.
func (c *TuningConfig) GetBoundaryAxis() string {
	if c.BoundaryAxis == nil {
		return "x"
	}
	return *c.BoundaryAxis
}

// GetBoundaryOffset returns the boundary_offset value or the default.
func (c *TuningConfig) GetBoundaryOffset() float64 {
	if c.BoundaryOffset == nil {
		return 0.5
	}
	return *c.BoundaryOffset
}

// GetMinDisplacement returns the min_displacement value or the default.
func (c *TuningConfig) GetMinDisplacement() float64 {
	if c.MinDisplacement == nil {
		return 0.1
	}
	return *c.MinDisplacement
}

// GetEntryPositive returns the entry_positive value or the default.
// When true, movement toward increasing axis values counts as an entry.
func (c *TuningConfig) GetEntryPositive() bool {
	if c.EntryPositive == nil {
		return true
	}
	return *c.EntryPositive
}

// GetSimilarityThreshold returns the similarity_threshold value or the default.
func (c *TuningConfig) GetSimilarityThreshold() float64 {
	if c.SimilarityThreshold == nil {
		return 0.92
	}
	return *c.SimilarityThreshold
}

// GetCooldown parses and returns the cooldown as a time.Duration.
func (c *TuningConfig) GetCooldown() time.Duration {
	return durationOrDefault(c.Cooldown, 5*time.Second)
}

// GetIdentityRetention parses and returns the identity_retention as a time.Duration.
func (c *TuningConfig) GetIdentityRetention() time.Duration {
	return durationOrDefault(c.IdentityRetention, 10*time.Minute)
}

// GetProcessEveryNFrames returns the process_every_n_frames value or the default.
func (c *TuningConfig) GetProcessEveryNFrames() int {
	if c.ProcessEveryNFrames == nil {
		return 3
	}
	return *c.ProcessEveryNFrames
}

// GetDefaultCapacity returns the default_capacity value or the default.
func (c *TuningConfig) GetDefaultCapacity() int {
	if c.DefaultCapacity == nil {
		return 14
	}
	return *c.DefaultCapacity
}

// GetSyncInterval parses and returns the sync_interval as a time.Duration.
func (c *TuningConfig) GetSyncInterval() time.Duration {
	return durationOrDefault(c.SyncInterval, 5*time.Second)
}

// GetDeliveryTimeout parses and returns the delivery_timeout as a time.Duration.
func (c *TuningConfig) GetDeliveryTimeout() time.Duration {
	return durationOrDefault(c.DeliveryTimeout, 10*time.Second)
}

// GetProbeTimeout parses and returns the probe_timeout as a time.Duration.
func (c *TuningConfig) GetProbeTimeout() time.Duration {
	return durationOrDefault(c.ProbeTimeout, 3*time.Second)
}

// GetBackoffBase parses and returns the backoff_base as a time.Duration.
func (c *TuningConfig) GetBackoffBase() time.Duration {
	return durationOrDefault(c.BackoffBase, 2*time.Second)
}

// GetBackoffMax parses and returns the backoff_max as a time.Duration.
func (c *TuningConfig) GetBackoffMax() time.Duration {
	return durationOrDefault(c.BackoffMax, 5*time.Minute)
}

// GetMaxAttempts returns the max_attempts value or the default.
func (c *TuningConfig) GetMaxAttempts() int {
	if c.MaxAttempts == nil {
		return 10
	}
	return *c.MaxAttempts
}

// GetInFlightLease parses and returns the in_flight_lease as a time.Duration.
// Rows stuck in-flight longer than the lease are reset to pending on restart.
func (c *TuningConfig) GetInFlightLease() time.Duration {
	return durationOrDefault(c.InFlightLease, time.Minute)
}
