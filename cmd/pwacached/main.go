package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferro-labs/pwacache"
	"github.com/ferro-labs/pwacache/internal/admin"
	"github.com/ferro-labs/pwacache/internal/circuitbreaker"
	"github.com/ferro-labs/pwacache/internal/logging"
	"github.com/ferro-labs/pwacache/internal/metrics"
	"github.com/ferro-labs/pwacache/internal/network"
	"github.com/ferro-labs/pwacache/internal/ratelimit"
	"github.com/ferro-labs/pwacache/internal/version"
	"github.com/ferro-labs/pwacache/storage"
)

// adminPrefix is reserved for the admin API and never proxied.
const adminPrefix = "/_pwacache/admin"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.FromDriver(string(cfg.Storage.Driver), cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() { _ = storage.Close(store) }()

	client, err := newNetworkClient(cfg)
	if err != nil {
		log.Fatalf("Failed to create network client: %v", err)
	}

	host := pwacache.NewLocalHost()
	mgr, err := pwacache.New(*cfg, store, client, host)
	if err != nil {
		log.Fatalf("Failed to create cache manager: %v", err)
	}
	if err := mgr.Attach(host); err != nil {
		log.Fatalf("Failed to attach cache manager: %v", err)
	}

	r := newRouter(cfg, host, mgr, store)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		retry := time.Duration(cfg.Server.RetrySeconds) * time.Second
		if err := host.Start(ctx, retry); err != nil && !errors.Is(err, context.Canceled) {
			logging.Logger.Error("cache lifecycle stopped", "error", err.Error())
		}
	}()

	go func() {
		<-ctx.Done()
		logging.Logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Error("shutdown error", "error", err.Error())
		}
	}()

	precache, runtime := mgr.Names()
	logging.Logger.Info("pwacached listening",
		"version", version.Short(),
		"addr", cfg.Server.Addr,
		"origin", mgr.Origin().String(),
		"storage", string(cfg.Storage.Driver),
		"precache", precache,
		"runtime", runtime,
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	logging.Logger.Info("server stopped")
}

// loadConfig reads PWACACHE_CONFIG when set, overlays PWACACHE_* variables
// and validates the result.
func loadConfig() (*pwacache.Config, error) {
	cfg := &pwacache.Config{}
	if path := os.Getenv("PWACACHE_CONFIG"); path != "" {
		loaded, err := pwacache.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := pwacache.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := pwacache.ValidateConfig(*cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newNetworkClient(cfg *pwacache.Config) (*network.Client, error) {
	opts := network.Options{
		Upstream:     cfg.Site.Upstream,
		Timeout:      time.Duration(cfg.Network.TimeoutSeconds) * time.Second,
		MaxBodyBytes: cfg.Network.MaxBodyBytes,
	}
	if cb := cfg.Network.CircuitBreaker; cb.Enabled {
		breaker := circuitbreaker.New(circuitbreaker.Settings{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Cooldown:         time.Duration(cb.CooldownSeconds) * time.Second,
		})
		breaker.OnStateChange(func(s circuitbreaker.State) {
			metrics.CircuitBreakerState.Set(float64(s))
			logging.Logger.Warn("origin circuit breaker changed state", "state", s.String())
		})
		opts.Breaker = breaker
	}
	return network.New(opts)
}

// newRouter builds the HTTP router.
func newRouter(cfg *pwacache.Config, host *pwacache.LocalHost, mgr *pwacache.Manager, store storage.Storage) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		st := host.Status()
		status := http.StatusOK
		if st.State == pwacache.StateRedundant {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  st.State,
			"version": version.Short(),
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	tokens := admin.Tokens{Admin: cfg.Server.AdminToken, ReadOnly: cfg.Server.ReadOnlyToken}
	if tokens.Enabled() {
		adminHandlers := &admin.Handlers{
			Host:       host,
			Storage:    store,
			Partitions: mgr,
			Limiter:    ratelimit.NewStore(cfg.Server.AdminRatePerMinute),
		}
		r.Route(adminPrefix, func(r chi.Router) {
			r.Use(admin.AuthMiddleware(tokens))
			r.Mount("/", adminHandlers.Routes())
		})
	} else {
		r.HandleFunc(adminPrefix+"/*", func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "admin API is disabled; set server.admin_token", "not_found_error", "admin_disabled")
		})
	}

	// Must be registered LAST so explicit routes take precedence.
	r.HandleFunc("/*", cacheHandler(host, mgr.Origin(), passthroughTarget(cfg)))

	return r
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}
