package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigYAMLRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Jobs.Workers = 9
	cfg.Broker.RecordingPath = "/data/recordings"

	if err := WriteConfig(tmpDir, cfg); err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}

	loaded, err := ReadConfig(tmpDir)
	if err != nil {
		t.Fatalf("ReadConfig failed: %v", err)
	}

	if loaded.Jobs.Workers != 9 {
		t.Errorf("Jobs.Workers: got %d, want 9", loaded.Jobs.Workers)
	}
	if loaded.Broker.RecordingPath != "/data/recordings" {
		t.Errorf("Broker.RecordingPath: got %q, want %q", loaded.Broker.RecordingPath, "/data/recordings")
	}
}

func TestDefaultConfigTimings(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Cloud.ReadyTimeout != 300 {
		t.Errorf("default ReadyTimeout: got %d, want 300", cfg.Cloud.ReadyTimeout)
	}
	if cfg.Cloud.ReadyInterval != 10 {
		t.Errorf("default ReadyInterval: got %d, want 10", cfg.Cloud.ReadyInterval)
	}
	if cfg.Credentials.Retries != 20 {
		t.Errorf("default Credentials.Retries: got %d, want 20", cfg.Credentials.Retries)
	}
	if cfg.Gate.MaxAttempts != 3 {
		t.Errorf("default Gate.MaxAttempts: got %d, want 3", cfg.Gate.MaxAttempts)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jobs.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero workers")
	}

	cfg = DefaultConfig()
	cfg.Broker.SSLMode = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown ssl_mode")
	}

	cfg = DefaultConfig()
	cfg.Server.Addr = "not an address"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for malformed server addr")
	}
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	// A file written before the recording section existed.
	tmpDir := t.TempDir()
	oldConfig := `version: 1
server:
  addr: "0.0.0.0:9000"
jobs:
  workers: 2
`
	configPath := filepath.Join(tmpDir, ".testroom")
	if err := os.MkdirAll(configPath, 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configPath, "config.yaml"), []byte(oldConfig), 0644); err != nil {
		t.Fatalf("failed to write old config: %v", err)
	}

	cfg, err := ReadConfig(tmpDir)
	if err != nil {
		t.Fatalf("ReadConfig failed on old config: %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, "0.0.0.0:9000")
	}
	if cfg.Jobs.Workers != 2 {
		t.Errorf("Jobs.Workers: got %d, want 2", cfg.Jobs.Workers)
	}
	if cfg.Recording.Container != "custom-guac-recorder" {
		t.Errorf("Recording.Container: got %q, want default", cfg.Recording.Container)
	}
	if cfg.Jobs.TeardownMaxAttempts != 8 {
		t.Errorf("Jobs.TeardownMaxAttempts: got %d, want 8", cfg.Jobs.TeardownMaxAttempts)
	}
}

func TestReadConfigMissingFile(t *testing.T) {
	if _, err := ReadConfig(t.TempDir()); err == nil {
		t.Error("expected error when config.yaml is missing")
	}
}

func TestDurationHelpers(t *testing.T) {
	if got := Seconds(90); got != 90*time.Second {
		t.Errorf("Seconds(90): got %v", got)
	}
	if got := Minutes(45); got != 45*time.Minute {
		t.Errorf("Minutes(45): got %v", got)
	}
	if got := Minutes(0); got != 0 {
		t.Errorf("Minutes(0): got %v, want 0", got)
	}
}
