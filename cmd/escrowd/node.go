package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bookingescrow/config"
	"bookingescrow/core/events"
	"bookingescrow/core/state"
	"bookingescrow/gateway/middleware"
	"bookingescrow/gateway/routes"
	"bookingescrow/native/escrow"
	"bookingescrow/observability"
	"bookingescrow/rpc"
	"bookingescrow/services/archive"
	"bookingescrow/storage"
)

// node owns every long-lived component of the daemon.
type node struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      storage.Database
	state   *state.Manager
	engine  *escrow.Engine
	log     *events.Log
	archive *archive.Store
	handler http.Handler

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func openDatabase(dataDir string) (storage.Database, error) {
	if strings.TrimSpace(dataDir) == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(dataDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return db, nil
}

func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	genesis, err := cfg.Genesis()
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	n := &node{cfg: cfg, logger: logger, db: db, state: state.NewManager(db), log: events.NewLog()}
	if err := n.init(genesis); err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) init(genesis *config.Genesis) error {
	applied, err := n.state.ApplyGenesis(genesis.Allocations)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		n.logger.Info("genesis applied", "allocations", len(genesis.Allocations))
	}
	if err := n.state.CheckCustody(); err != nil {
		return err
	}

	if n.cfg.Archive.Enabled {
		db, err := archive.Open(n.cfg.Archive.Driver, n.cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		if n.archive, err = archive.NewStore(db, n.logger); err != nil {
			return err
		}
		history, err := n.archive.Since(context.Background(), 0, 0)
		if err != nil {
			return err
		}
		if err := n.log.Restore(history); err != nil {
			return fmt.Errorf("restore event log: %w", err)
		}
		n.logger.Info("event log restored", "records", len(history))
	}

	metrics := observability.Escrow()
	n.engine = escrow.NewEngine(genesis.Owner)
	n.engine.SetState(n.state)
	if err := n.engine.SetPenaltyBps(n.cfg.PenaltyBps); err != nil {
		return err
	}
	if err := n.engine.SetVerificationTimeout(n.cfg.VerificationTimeout.Duration); err != nil {
		return err
	}
	n.engine.SetEmitter(events.Multi{n.log, metrics})
	custody, err := n.engine.EscrowBalance()
	if err != nil {
		return err
	}
	metrics.SetCustody(custody)

	for _, seed := range []struct {
		role       escrow.Role
		identities [][20]byte
	}{
		{escrow.RoleOracle, genesis.Oracles},
		{escrow.RoleArbiter, genesis.Arbiters},
	} {
		for _, id := range seed.identities {
			if err := n.engine.Authorize(genesis.Owner, seed.role, id); err != nil {
				return fmt.Errorf("seed %s: %w", seed.role, err)
			}
		}
	}

	return n.buildHandler()
}

func (n *node) buildHandler() error {
	if !n.cfg.Auth.Enabled {
		n.logger.Warn("authentication disabled, trusting the caller header", "header", middleware.HeaderCaller)
	}
	server := rpc.NewServer(n.engine, n.log, n.logger)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "escrowd",
		LogRequests: true,
		Enabled:     true,
	}, n.logger)
	router, err := routes.New(routes.Config{
		RPC:      server,
		EventsWS: http.HandlerFunc(server.HandleEventsWS),
		Health: map[string]routes.HealthCheck{
			"custody": n.state.CheckCustody,
			"events":  n.log.Verify,
		},
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    n.cfg.Auth.Enabled,
			HMACSecret: n.cfg.Auth.HMACSecret,
			Issuer:     n.cfg.Auth.Issuer,
			Audience:   n.cfg.Auth.Audience,
			ClockSkew:  n.cfg.Auth.ClockSkew.Duration,
		}, n.logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: n.cfg.RateLimit.RequestsPerMinute,
			Burst:             n.cfg.RateLimit.Burst,
		}, n.logger),
		Observability: obs,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}
	n.handler = router
	if n.cfg.Telemetry.Traces {
		n.handler = otelhttp.NewHandler(router, "escrowd")
	}
	return nil
}

// start launches the background workers. They run until close, which the
// daemon calls only after the HTTP server has drained, so every committed
// event reaches the archive.
func (n *node) start() {
	if n.archive == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.stop = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.archive.Run(ctx, n.log, n.cfg.Archive.PollInterval.Duration); err != nil {
			n.logger.Error("archive stopped", "error", err)
		}
	}()
}

// close stops the workers, waits for them and releases the database.
func (n *node) close() {
	if n.stop != nil {
		n.stop()
	}
	n.wg.Wait()
	if n.archive != nil {
		if err := n.archive.Close(); err != nil {
			n.logger.Warn("close archive", "error", err)
		}
	}
	n.db.Close()
}
