package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEmptyTuningConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	// Every field nil, every getter returns its default.
	if cfg.GetReferenceStrategy() != "single" {
		t.Errorf("GetReferenceStrategy() = %q, want 'single'", cfg.GetReferenceStrategy())
	}
	if cfg.GetReferenceOrdinal() != 0 {
		t.Errorf("GetReferenceOrdinal() = %d, want 0", cfg.GetReferenceOrdinal())
	}
	if cfg.GetReferenceFrames() != 5 {
		t.Errorf("GetReferenceFrames() = %d, want 5", cfg.GetReferenceFrames())
	}
	if cfg.GetResidualThreshold() != 0.5 {
		t.Errorf("GetResidualThreshold() = %f, want 0.5", cfg.GetResidualThreshold())
	}
	if cfg.GetResampling() != "bilinear" {
		t.Errorf("GetResampling() = %q, want 'bilinear'", cfg.GetResampling())
	}
	if cfg.GetAggregation() != "sum" {
		t.Errorf("GetAggregation() = %q, want 'sum'", cfg.GetAggregation())
	}
	if cfg.GetChannel() != -1 {
		t.Errorf("GetChannel() = %d, want -1", cfg.GetChannel())
	}
	if cfg.GetStrictDecode() != false {
		t.Errorf("GetStrictDecode() = %v, want false", cfg.GetStrictDecode())
	}
	if cfg.GetFollowTimeout() != 5*time.Second {
		t.Errorf("GetFollowTimeout() = %v, want 5s", cfg.GetFollowTimeout())
	}
	if cfg.GetDecodeWorkers() != 0 {
		t.Errorf("GetDecodeWorkers() = %d, want 0", cfg.GetDecodeWorkers())
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "reference_strategy": "mean-k",
  "reference_frames": 10,
  "residual_threshold": 0.25,
  "resampling": "nearest",
  "aggregation": "mean",
  "channel": 1,
  "strict_decode": true,
  "follow_timeout": "250ms",
  "decode_workers": 3
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.ReferenceStrategy == nil || *cfg.ReferenceStrategy != "mean-k" {
		t.Errorf("Expected ReferenceStrategy 'mean-k', got %v", cfg.ReferenceStrategy)
	}
	if cfg.ReferenceFrames == nil || *cfg.ReferenceFrames != 10 {
		t.Errorf("Expected ReferenceFrames 10, got %v", cfg.ReferenceFrames)
	}
	if cfg.ResidualThreshold == nil || *cfg.ResidualThreshold != 0.25 {
		t.Errorf("Expected ResidualThreshold 0.25, got %v", cfg.ResidualThreshold)
	}
	if cfg.GetResampling() != "nearest" {
		t.Errorf("GetResampling() = %q, want 'nearest'", cfg.GetResampling())
	}
	if cfg.GetAggregation() != "mean" {
		t.Errorf("GetAggregation() = %q, want 'mean'", cfg.GetAggregation())
	}
	if cfg.GetChannel() != 1 {
		t.Errorf("GetChannel() = %d, want 1", cfg.GetChannel())
	}
	if cfg.GetStrictDecode() != true {
		t.Errorf("GetStrictDecode() = %v, want true", cfg.GetStrictDecode())
	}
	if cfg.GetFollowTimeout() != 250*time.Millisecond {
		t.Errorf("GetFollowTimeout() = %v, want 250ms", cfg.GetFollowTimeout())
	}
	if cfg.GetDecodeWorkers() != 3 {
		t.Errorf("GetDecodeWorkers() = %d, want 3", cfg.GetDecodeWorkers())
	}

	// Omitted fields fall back to defaults.
	if cfg.ReferenceOrdinal != nil {
		t.Errorf("Expected ReferenceOrdinal nil, got %v", *cfg.ReferenceOrdinal)
	}
	if cfg.GetReferenceOrdinal() != 0 {
		t.Errorf("GetReferenceOrdinal() = %d, want 0", cfg.GetReferenceOrdinal())
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigBadExtension(t *testing.T) {
	_, err := LoadTuningConfig("/tmp/config.yaml")
	if err == nil {
		t.Error("Expected error for non-json extension, got nil")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "residual_threshold": "invalid"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{"empty is valid", EmptyTuningConfig(), false},
		{"valid strategy", &TuningConfig{ReferenceStrategy: ptrString("mean-k")}, false},
		{"unknown strategy", &TuningConfig{ReferenceStrategy: ptrString("median")}, true},
		{"zero reference frames", &TuningConfig{ReferenceFrames: ptrInt(0)}, true},
		{"negative reference ordinal", &TuningConfig{ReferenceOrdinal: ptrInt(-1)}, true},
		{"threshold in range", &TuningConfig{ResidualThreshold: ptrFloat64(0.9)}, false},
		{"threshold above 1", &TuningConfig{ResidualThreshold: ptrFloat64(1.5)}, true},
		{"threshold below 0", &TuningConfig{ResidualThreshold: ptrFloat64(-0.1)}, true},
		{"unknown resampling", &TuningConfig{Resampling: ptrString("bicubic")}, true},
		{"unknown aggregation", &TuningConfig{Aggregation: ptrString("max")}, true},
		{"channel -1", &TuningConfig{Channel: ptrInt(-1)}, false},
		{"channel -2", &TuningConfig{Channel: ptrInt(-2)}, true},
		{"bad follow timeout", &TuningConfig{FollowTimeout: ptrString("soon")}, true},
		{"good follow timeout", &TuningConfig{FollowTimeout: ptrString("1m30s")}, false},
		{"negative workers", &TuningConfig{DecodeWorkers: ptrInt(-4)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := &TuningConfig{
		Aggregation:       ptrString("sum"),
		ResidualThreshold: ptrFloat64(0.5),
	}
	update := &TuningConfig{
		Aggregation: ptrString("mean"),
		Channel:     ptrInt(0),
	}
	base.Merge(update)

	if base.GetAggregation() != "mean" {
		t.Errorf("Expected merged aggregation 'mean', got %q", base.GetAggregation())
	}
	if base.GetResidualThreshold() != 0.5 {
		t.Errorf("Expected residual threshold preserved at 0.5, got %f", base.GetResidualThreshold())
	}
	if base.GetChannel() != 0 {
		t.Errorf("Expected merged channel 0, got %d", base.GetChannel())
	}

	// Merging nil is a no-op.
	base.Merge(nil)
	if base.GetChannel() != 0 {
		t.Errorf("Merge(nil) changed channel to %d", base.GetChannel())
	}

}
