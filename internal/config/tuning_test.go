package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if got := cfg.GetGatingDistance(); got != 0.15 {
		t.Errorf("GetGatingDistance default = %v, want 0.15", got)
	}
	if got := cfg.GetDefaultCapacity(); got != 14 {
		t.Errorf("GetDefaultCapacity default = %d, want 14", got)
	}
	if got := cfg.GetCooldown(); got != 5*time.Second {
		t.Errorf("GetCooldown default = %v, want 5s", got)
	}
	if got := cfg.GetIdentityRetention(); got != 10*time.Minute {
		t.Errorf("GetIdentityRetention default = %v, want 10m", got)
	}
	if got := cfg.GetSimilarityThreshold(); got != 0.92 {
		t.Errorf("GetSimilarityThreshold default = %v, want 0.92", got)
	}
	if got := cfg.GetBoundaryAxis(); got != "x" {
		t.Errorf("GetBoundaryAxis default = %q, want x", got)
	}
	if got := cfg.GetProcessEveryNFrames(); got != 3 {
		t.Errorf("GetProcessEveryNFrames default = %d, want 3", got)
	}
	if got := cfg.GetMaxAttempts(); got != 10 {
		t.Errorf("GetMaxAttempts default = %d, want 10", got)
	}
	if got := cfg.GetBackoffMax(); got != 5*time.Minute {
		t.Errorf("GetBackoffMax default = %v, want 5m", got)
	}
}

func TestLoadTuningConfigPartial(t *testing.T) {
	path := writeConfig(t, `{"similarity_threshold": 0.85, "cooldown": "8s", "default_capacity": 20}`)

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("LoadTuningConfig: %v", err)
	}

	if got := cfg.GetSimilarityThreshold(); got != 0.85 {
		t.Errorf("similarity_threshold = %v, want 0.85", got)
	}
	if got := cfg.GetCooldown(); got != 8*time.Second {
		t.Errorf("cooldown = %v, want 8s", got)
	}
	if got := cfg.GetDefaultCapacity(); got != 20 {
		t.Errorf("default_capacity = %d, want 20", got)
	}
	// Omitted fields keep their defaults.
	if got := cfg.GetMinDisplacement(); got != 0.1 {
		t.Errorf("min_displacement = %v, want default 0.1", got)
	}
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	if _, err := LoadTuningConfig("tuning.yaml"); err == nil {
		t.Fatal("expected error for non-.json extension")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad similarity", `{"similarity_threshold": 1.5}`},
		{"bad axis", `{"boundary_axis": "z"}`},
		{"bad boundary offset", `{"boundary_offset": 2.0}`},
		{"bad cooldown", `{"cooldown": "five seconds"}`},
		{"bad capacity", `{"default_capacity": 0}`},
		{"bad max attempts", `{"max_attempts": 0}`},
		{"bad frame skip", `{"process_every_n_frames": 0}`},
		{"negative gate", `{"gating_distance": -0.1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := LoadTuningConfig(path); err == nil {
				t.Errorf("expected validation error for %s", tc.content)
			}
		})
	}
}

func TestValidateAcceptsEmpty(t *testing.T) {
	if err := EmptyTuningConfig().Validate(); err != nil {
		t.Errorf("empty config should validate, got %v", err)
	}
}
