// Package config handles reading and writing .testroom/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level structure for .testroom/config.yaml.
// Credentials are never stored here; see internal/secrets.
type Config struct {
	Version     int               `yaml:"version"`
	SecretsDir  string            `yaml:"secrets_dir"`
	Server      ServerConfig      `yaml:"server"`
	Cloud       CloudConfig       `yaml:"cloud"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Broker      BrokerConfig      `yaml:"broker"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Recording   RecordingConfig   `yaml:"recording"`
	Gate        GateConfig        `yaml:"gate"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr       string  `yaml:"addr" validate:"required,hostname_port"`
	RateLimit  float64 `yaml:"rate_limit" validate:"gte=0"` // requests/second per client, 0 disables
	RateBurst  int     `yaml:"rate_burst" validate:"gte=0"`
	AdminToken string  `yaml:"admin_token_secret"` // secret name holding the admin bearer token
}

// CloudConfig controls instance provisioning.
type CloudConfig struct {
	InstanceType    string `yaml:"instance_type"`                  // fallback when INSTANCE_TYPE is unset
	ReadyTimeout    int    `yaml:"ready_timeout" validate:"gt=0"`  // seconds
	ReadyInterval   int    `yaml:"ready_interval" validate:"gt=0"` // seconds
	SnapshotDelay   int    `yaml:"snapshot_delay" validate:"gt=0"` // seconds between image polls
	SnapshotMaxPoll int    `yaml:"snapshot_max_attempts" validate:"gt=0"`
}

// CredentialsConfig controls credential resolution.
type CredentialsConfig struct {
	Retries       int    `yaml:"retries" validate:"gt=0"`
	Delay         int    `yaml:"delay" validate:"gte=0"` // seconds
	WindowsKey    string `yaml:"windows_key_secret" validate:"required"`
	LinuxKey      string `yaml:"linux_key_secret" validate:"required"`
	LinuxUser     string `yaml:"linux_user" validate:"required"`
	WindowsUser   string `yaml:"windows_user" validate:"required"`
	WinRMPort     int    `yaml:"winrm_port" validate:"gt=0,lte=65535"`
	WinRMHTTPS    bool   `yaml:"winrm_https"`
	WinRMInsecure bool   `yaml:"winrm_skip_verify"`
	ProbeTimeout  int    `yaml:"probe_timeout" validate:"gt=0"` // seconds
}

// BrokerConfig controls the Guacamole connection broker.
type BrokerConfig struct {
	DBPort        int    `yaml:"db_port" validate:"gt=0,lte=65535"`
	SSLMode       string `yaml:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
	RecordingPath string `yaml:"recording_path" validate:"required"`
	AuthProvider  string `yaml:"auth_provider" validate:"required"`
	TokenTimeout  int    `yaml:"token_timeout" validate:"gt=0"` // seconds
}

// LifecycleConfig controls the session state machine.
type LifecycleConfig struct {
	SyncBudget    int `yaml:"sync_budget" validate:"gte=0"`       // seconds Open waits before handing off
	SweepInterval int `yaml:"sweep_interval" validate:"gt=0"`     // seconds
	StuckGrace    int `yaml:"stuck_grace" validate:"gte=0"`       // minutes past expiry before forced teardown
	DefaultLimit  int `yaml:"default_time_limit" validate:"gt=0"` // minutes
}

// JobsConfig controls the durable job queue.
type JobsConfig struct {
	Workers             int `yaml:"workers" validate:"gt=0"`
	PollInterval        int `yaml:"poll_interval" validate:"gt=0"` // milliseconds
	TeardownMaxAttempts int `yaml:"teardown_max_attempts" validate:"gt=0"`
	RetryBackoff        int `yaml:"retry_backoff" validate:"gt=0"` // seconds, doubled per attempt
}

// RecordingConfig controls archival and playback of session recordings.
type RecordingConfig struct {
	Container    string `yaml:"container" validate:"required"`
	UploadScript string `yaml:"upload_script" validate:"required"`
	LocalDir     string `yaml:"local_dir"`
	Prefix       string `yaml:"prefix" validate:"required"`
	PresignTTL   int    `yaml:"presign_ttl" validate:"gt=0"` // seconds
	MaxAgeDays   int    `yaml:"max_age_days" validate:"gte=0"`
}

// GateConfig controls the password gate in front of each room.
type GateConfig struct {
	MaxAttempts int `yaml:"max_attempts" validate:"gt=0"`
}

const configDir = ".testroom"
const configFile = "config.yaml"

// DataDir returns the .testroom directory under root.
func DataDir(root string) string {
	return filepath.Join(root, configDir)
}

// ReadConfig reads .testroom/config.yaml from the given root directory.
// dir is the root (not .testroom/ itself).
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Start from defaults so older files missing newer sections still work.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// WriteConfig writes cfg to .testroom/config.yaml in the given root directory.
// Creates the .testroom/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints declared in struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Addr:       "127.0.0.1:8080",
			RateLimit:  2,
			RateBurst:  10,
			AdminToken: "ADMIN_TOKEN",
		},
		Cloud: CloudConfig{
			InstanceType:    "t3.medium",
			ReadyTimeout:    300,
			ReadyInterval:   10,
			SnapshotDelay:   15,
			SnapshotMaxPoll: 40,
		},
		Credentials: CredentialsConfig{
			Retries:      20,
			Delay:        10,
			WindowsKey:   "windows_key",
			LinuxKey:     "linux_key",
			LinuxUser:    "ec2-user",
			WindowsUser:  "Administrator",
			WinRMPort:    5985,
			ProbeTimeout: 60,
		},
		Broker: BrokerConfig{
			DBPort:        5432,
			SSLMode:       "disable",
			RecordingPath: "/prserver/recordings",
			AuthProvider:  "postgresql",
			TokenTimeout:  10,
		},
		Lifecycle: LifecycleConfig{
			SyncBudget:    20,
			SweepInterval: 60,
			StuckGrace:    15,
			DefaultLimit:  30,
		},
		Jobs: JobsConfig{
			Workers:             4,
			PollInterval:        500,
			TeardownMaxAttempts: 8,
			RetryBackoff:        15,
		},
		Recording: RecordingConfig{
			Container:    "custom-guac-recorder",
			UploadScript: "/usr/local/bin/upload_script.sh",
			LocalDir:     "/prserver/recordings",
			Prefix:       "recordings",
			PresignTTL:   3600,
			MaxAgeDays:   30,
		},
		Gate: GateConfig{
			MaxAttempts: 3,
		},
	}
}

// Seconds converts a config value in seconds to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Minutes converts a config value in minutes to a Duration.
func Minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
