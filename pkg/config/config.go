package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every tunable. Sizes are bytes.
const (
	DefaultListenAddress         = ":8090"
	DefaultSessionTokenTTL       = 90 * time.Second
	DefaultOTPTTL                = 5 * time.Minute
	DefaultGuestTokenTTL         = 24 * time.Hour
	DefaultWorkerStaleness       = 5 * time.Minute
	DefaultSweepInterval         = time.Minute
	DefaultSourceMaxBytes        = 500 << 20
	DefaultCredentialsMaxBytes   = 50 << 20
	DefaultResultMaxBytes        = 500 << 20
	DefaultChunkSize             = 64 << 10
	DefaultMaxConcurrentRequests = 256
	DefaultRequestsPerSecond     = 50
)

// Config holds the full controller configuration
type Config struct {
	ListenAddress string `yaml:"listen_address"`
	StoreDSN      string `yaml:"store_dsn"`
	StorageRoot   string `yaml:"storage_root"`

	AdminKey string `yaml:"admin_key"`
	// EncryptionSecret protects credential bundles at rest. Falls back to
	// the admin key when unset.
	EncryptionSecret string `yaml:"encryption_secret"`

	SessionTokenTTL time.Duration `yaml:"session_token_ttl"`
	OTPTTL          time.Duration `yaml:"otp_ttl"`
	GuestTokenTTL   time.Duration `yaml:"guest_token_ttl"`
	WorkerStaleness time.Duration `yaml:"worker_staleness"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`

	SourceMaxBytes      int64 `yaml:"source_max_bytes"`
	CredentialsMaxBytes int64 `yaml:"credentials_max_bytes"`
	ResultMaxBytes      int64 `yaml:"result_max_bytes"`
	ChunkSize           int64 `yaml:"chunk_size"`

	MaxConcurrentRequests int     `yaml:"max_concurrent_requests"`
	RequestsPerSecond     float64 `yaml:"requests_per_second"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config populated with the stock values.
func Default() *Config {
	return &Config{
		ListenAddress:         DefaultListenAddress,
		StoreDSN:              "controller.db",
		StorageRoot:           "artifacts",
		SessionTokenTTL:       DefaultSessionTokenTTL,
		OTPTTL:                DefaultOTPTTL,
		GuestTokenTTL:         DefaultGuestTokenTTL,
		WorkerStaleness:       DefaultWorkerStaleness,
		SweepInterval:         DefaultSweepInterval,
		SourceMaxBytes:        DefaultSourceMaxBytes,
		CredentialsMaxBytes:   DefaultCredentialsMaxBytes,
		ResultMaxBytes:        DefaultResultMaxBytes,
		ChunkSize:             DefaultChunkSize,
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		RequestsPerSecond:     DefaultRequestsPerSecond,
		LogLevel:              "info",
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides. Path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv maps EFA_* environment variables over the loaded values.
func (c *Config) applyEnv() {
	if v := os.Getenv("EFA_LISTEN_ADDRESS"); v != "" {
		c.ListenAddress = v
	}
	if v := os.Getenv("EFA_STORE_DSN"); v != "" {
		c.StoreDSN = v
	}
	if v := os.Getenv("EFA_STORAGE_ROOT"); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv("EFA_ADMIN_KEY"); v != "" {
		c.AdminKey = v
	}
	if v := os.Getenv("EFA_ENCRYPTION_SECRET"); v != "" {
		c.EncryptionSecret = v
	}
	if v := os.Getenv("EFA_WORKER_STALENESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WorkerStaleness = d
		}
	}
	if v := os.Getenv("EFA_MAX_CONCURRENT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentRequests = n
		}
	}
}

// Validate checks for required values and nonsensical settings.
func (c *Config) Validate() error {
	if c.AdminKey == "" {
		return fmt.Errorf("admin_key is required")
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root is required")
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("store_dsn is required")
	}
	if c.SessionTokenTTL <= 0 || c.OTPTTL <= 0 || c.GuestTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.WorkerStaleness <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max_concurrent_requests must be positive")
	}
	return nil
}

// BundleSecret returns the secret used for credential bundle encryption.
func (c *Config) BundleSecret() string {
	if c.EncryptionSecret != "" {
		return c.EncryptionSecret
	}
	return c.AdminKey
}
