package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bookingescrow/gateway/middleware"
)

// HealthCheck reports a reason the service should be considered unhealthy.
type HealthCheck func() error

type Config struct {
	RPC           http.Handler
	EventsWS      http.Handler
	Health        map[string]HealthCheck
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// New assembles the public HTTP surface of the escrow service.
func New(cfg Config) (http.Handler, error) {
	if cfg.RPC == nil {
		return nil, errors.New("routes: rpc handler required")
	}
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", healthHandler(cfg.Health))

	r.Group(func(sr chi.Router) {
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware())
		}
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("escrow"))
		}
		sr.Method(http.MethodPost, "/rpc", cfg.RPC)
		if cfg.EventsWS != nil {
			sr.Method(http.MethodGet, "/events/ws", cfg.EventsWS)
		}
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		report := map[string]string{}
		for name, check := range checks {
			if err := check(); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":     status == http.StatusOK,
			"checks": report,
		})
	}
}
