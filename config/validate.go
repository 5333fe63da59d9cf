package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"bookingescrow/crypto"
	"bookingescrow/native/escrow"
)

// Genesis is the decoded form of the identity and balance sections.
type Genesis struct {
	Owner       [20]byte
	Oracles     [][20]byte
	Arbiters    [][20]byte
	Allocations map[[20]byte]*big.Int
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.PenaltyBps > escrow.MaxBps {
		return fmt.Errorf("penalty_bps: %d exceeds %d", c.PenaltyBps, escrow.MaxBps)
	}
	if c.VerificationTimeout.Duration < time.Second {
		return fmt.Errorf("verification_timeout: must be at least 1s")
	}
	if _, err := c.Genesis(); err != nil {
		return err
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: hmac secret required when enabled")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Archive.Driver)) {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("archive: unsupported driver %q", c.Archive.Driver)
	}
	if c.Archive.Enabled && strings.TrimSpace(c.Archive.DSN) == "" {
		return fmt.Errorf("archive: dsn required when enabled")
	}
	// Persisted bookings need a persisted event log to stay in step with.
	if strings.TrimSpace(c.DataDir) != "" && !c.Archive.Enabled {
		return fmt.Errorf("archive: required when data_dir persists ledger state")
	}
	return nil
}

// Genesis decodes the owner, role seeds and allocations.
func (c *Config) Genesis() (*Genesis, error) {
	g := &Genesis{Allocations: make(map[[20]byte]*big.Int)}
	if owner := strings.TrimSpace(c.Owner); owner != "" {
		id, err := crypto.ParseIdentity(owner)
		if err != nil {
			return nil, fmt.Errorf("owner: %w", err)
		}
		g.Owner = id
	}
	var err error
	if g.Oracles, err = parseIdentities("oracles", c.Oracles); err != nil {
		return nil, err
	}
	if g.Arbiters, err = parseIdentities("arbiters", c.Arbiters); err != nil {
		return nil, err
	}
	if (len(g.Oracles) > 0 || len(g.Arbiters) > 0) && g.Owner == ([20]byte{}) {
		return nil, fmt.Errorf("owner: required to seed roles")
	}
	for i, alloc := range c.Allocations {
		id, err := crypto.ParseIdentity(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("allocations[%d]: %w", i, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Amount), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("allocations[%d]: amount must be a positive integer", i)
		}
		if existing, ok := g.Allocations[id]; ok {
			amount.Add(amount, existing)
		}
		g.Allocations[id] = amount
	}
	return g, nil
}

func parseIdentities(field string, raw []string) ([][20]byte, error) {
	out := make([][20]byte, 0, len(raw))
	for i, entry := range raw {
		id, err := crypto.ParseIdentity(entry)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		if id == ([20]byte{}) {
			return nil, fmt.Errorf("%s[%d]: null identity", field, i)
		}
		out = append(out, id)
	}
	return out, nil
}
