package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookingescrow/crypto"
)

var (
	testOwner  = crypto.FormatIdentity(crypto.DeriveIdentity("owner"))
	testOracle = crypto.FormatIdentity(crypto.DeriveIdentity("oracle"))
	testPayer  = crypto.FormatIdentity(crypto.DeriveIdentity("payer"))
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesTOML(t *testing.T) {
	path := writeFile(t, "config.toml", fmt.Sprintf(`ListenAddress = "127.0.0.1:9000"
DataDir = "./ledger"
Owner = "%s"
PenaltyBps = 2500
VerificationTimeout = "2h"
Oracles = ["%s"]

[[Allocations]]
Address = "%s"
Amount = "1000"

[[Allocations]]
Address = "%s"
Amount = "500"

[Auth]
Enabled = true
HMACSecret = "s3cret"
ClockSkew = "30s"

[Archive]
Enabled = true
Driver = "postgres"
DSN = "postgres://escrow@localhost/escrow"
`, testOwner, testOracle, testPayer, testPayer))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, uint32(2500), cfg.PenaltyBps)
	require.Equal(t, 2*time.Hour, cfg.VerificationTimeout.Duration)
	require.Equal(t, 30*time.Second, cfg.Auth.ClockSkew.Duration)
	require.Equal(t, time.Second, cfg.Archive.PollInterval.Duration)
	require.Equal(t, float64(600), cfg.RateLimit.RequestsPerMinute)

	genesis, err := cfg.Genesis()
	require.NoError(t, err)
	require.Equal(t, crypto.DeriveIdentity("owner"), genesis.Owner)
	require.Len(t, genesis.Oracles, 1)
	require.Empty(t, genesis.Arbiters)
	require.Equal(t, "1500", genesis.Allocations[crypto.DeriveIdentity("payer")].String())
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", fmt.Sprintf(`listenAddress: ":7000"
owner: %s
arbiters: [%s]
verificationTimeout: 45m
rateLimit:
  requestsPerMinute: 30
  burst: 5
logging:
  env: staging
  file: /var/log/escrowd.log
`, testOwner, testOracle))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddress)
	require.Equal(t, 45*time.Minute, cfg.VerificationTimeout.Duration)
	require.Equal(t, 5, cfg.RateLimit.Burst)
	require.Equal(t, "staging", cfg.Logging.Env)
	require.Equal(t, uint32(1000), cfg.PenaltyBps)
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, cfg.VerificationTimeout.Duration)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "config.toml", "ListenAddress = \":1\"\nBogus = 1\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown key")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"penalty above max": func(c *Config) { c.PenaltyBps = 10_001 },
		"short timeout":     func(c *Config) { c.VerificationTimeout = Duration{time.Millisecond} },
		"bad owner":         func(c *Config) { c.Owner = "acct1xyz" },
		"roles without owner": func(c *Config) {
			c.Oracles = []string{testOracle}
		},
		"zero allocation": func(c *Config) {
			c.Allocations = []Allocation{{Address: testPayer, Amount: "0"}}
		},
		"garbage allocation": func(c *Config) {
			c.Allocations = []Allocation{{Address: testPayer, Amount: "ten"}}
		},
		"auth without secret": func(c *Config) { c.Auth.Enabled = true },
		"unknown driver":      func(c *Config) { c.Archive.Driver = "mysql" },
		"archive without dsn": func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.DSN = ""
		},
		"persistent state without archive": func(c *Config) { c.Archive.Enabled = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())

	inMemory := Default()
	inMemory.DataDir = ""
	inMemory.Archive.Enabled = false
	require.NoError(t, inMemory.Validate())
}

func TestLoadDerivesArchiveLocation(t *testing.T) {
	path := writeFile(t, "config.toml", `DataDir = "/var/lib/escrow"

[Archive]
Enabled = true
DSN = ""
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/var/lib/escrow", "archive.db"), cfg.Archive.DSN)
	require.True(t, Default().Archive.Enabled)
	require.False(t, Default().Auth.Enabled)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 90s ")))
	require.Equal(t, 90*time.Second, d.Duration)
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))
	require.Error(t, d.UnmarshalText([]byte("soon")))
}
