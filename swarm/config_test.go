package swarm

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigPartialFileIsMergedOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	if err := os.WriteFile(path, []byte("registrationTimeout: 10s\ndefaultConcurrency: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RegistrationTimeout != 10*time.Second {
		t.Errorf("expected overridden registration timeout, got %s", cfg.RegistrationTimeout)
	}
	if cfg.DefaultConcurrency != 4 {
		t.Errorf("expected overridden concurrency, got %d", cfg.DefaultConcurrency)
	}
	if cfg.MaxFrameSize != DefaultConfig().MaxFrameSize {
		t.Errorf("expected untouched field to fall back to default, got %d", cfg.MaxFrameSize)
	}
}

func TestNormalizeLeavesNonZeroFieldsUntouched(t *testing.T) {
	cfg := Config{DefaultConcurrency: 8}.normalize()
	if cfg.DefaultConcurrency != 8 {
		t.Errorf("expected explicit concurrency preserved, got %d", cfg.DefaultConcurrency)
	}
	if cfg.RegistrationTimeout != DefaultConfig().RegistrationTimeout {
		t.Errorf("expected zero field defaulted")
	}
}
