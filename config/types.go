package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration so TOML and YAML files can use strings such
// as "24h" or "90s".
type Duration struct {
	time.Duration
}

// MarshalText renders the duration in Go's canonical form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Allocation credits an identity with an initial spendable balance when the
// ledger is first created.
type Allocation struct {
	Address string `toml:"Address" yaml:"address"`
	Amount  string `toml:"Amount" yaml:"amount"`
}

// AuthConfig controls bearer token authentication of mutating calls. The
// token subject is the caller identity.
type AuthConfig struct {
	Enabled    bool     `toml:"Enabled" yaml:"enabled"`
	HMACSecret string   `toml:"HMACSecret" yaml:"hmacSecret"`
	Issuer     string   `toml:"Issuer" yaml:"issuer"`
	Audience   string   `toml:"Audience" yaml:"audience"`
	ClockSkew  Duration `toml:"ClockSkew" yaml:"clockSkew"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// ArchiveConfig selects the durable event archive.
type ArchiveConfig struct {
	Enabled      bool     `toml:"Enabled" yaml:"enabled"`
	Driver       string   `toml:"Driver" yaml:"driver"`
	DSN          string   `toml:"DSN" yaml:"dsn"`
	PollInterval Duration `toml:"PollInterval" yaml:"pollInterval"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Env        string `toml:"Env" yaml:"env"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
}

// TelemetryConfig wires OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
}
