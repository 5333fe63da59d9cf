package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"bookingescrow/native/escrow"
)

type Config struct {
	ListenAddress       string          `toml:"ListenAddress" yaml:"listenAddress"`
	DataDir             string          `toml:"DataDir" yaml:"dataDir"`
	Owner               string          `toml:"Owner" yaml:"owner"`
	PenaltyBps          uint32          `toml:"PenaltyBps" yaml:"penaltyBps"`
	VerificationTimeout Duration        `toml:"VerificationTimeout" yaml:"verificationTimeout"`
	Oracles             []string        `toml:"Oracles" yaml:"oracles"`
	Arbiters            []string        `toml:"Arbiters" yaml:"arbiters"`
	Allocations         []Allocation    `toml:"Allocations" yaml:"allocations"`
	Auth                AuthConfig      `toml:"Auth" yaml:"auth"`
	RateLimit           RateLimitConfig `toml:"RateLimit" yaml:"rateLimit"`
	Archive             ArchiveConfig   `toml:"Archive" yaml:"archive"`
	Logging             LoggingConfig   `toml:"Logging" yaml:"logging"`
	Telemetry           TelemetryConfig `toml:"Telemetry" yaml:"telemetry"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress:       ":8547",
		DataDir:             "./escrow-data",
		PenaltyBps:          escrow.DefaultPenaltyBps,
		VerificationTimeout: Duration{escrow.DefaultVerificationTimeout},
		Oracles:             []string{},
		Arbiters:            []string{},
		Allocations:         []Allocation{},
		Auth: AuthConfig{
			ClockSkew: Duration{time.Minute},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             60,
		},
		Archive: ArchiveConfig{
			Enabled:      true,
			Driver:       "sqlite",
			DSN:          filepath.Join("escrow-data", "archive.db"),
			PollInterval: Duration{time.Second},
		},
		Logging: LoggingConfig{
			Env:        "local",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load loads the configuration from the given path. A missing file is
// created with defaults. Files ending in .yaml or .yml are decoded as YAML,
// everything else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := Default()
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaults.ListenAddress
	}
	if c.VerificationTimeout.Duration == 0 {
		c.VerificationTimeout = defaults.VerificationTimeout
	}
	if c.Oracles == nil {
		c.Oracles = []string{}
	}
	if c.Arbiters == nil {
		c.Arbiters = []string{}
	}
	if c.Allocations == nil {
		c.Allocations = []Allocation{}
	}
	if strings.TrimSpace(c.Archive.Driver) == "" {
		c.Archive.Driver = defaults.Archive.Driver
	}
	if strings.TrimSpace(c.Archive.DSN) == "" && c.Archive.Driver == "sqlite" && strings.TrimSpace(c.DataDir) != "" {
		c.Archive.DSN = filepath.Join(c.DataDir, "archive.db")
	}
	if c.Archive.PollInterval.Duration <= 0 {
		c.Archive.PollInterval = defaults.Archive.PollInterval
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
