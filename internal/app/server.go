package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ticketbridge/internal/audit"
	"ticketbridge/internal/config"
	connectionservice "ticketbridge/internal/connection/service"
	"ticketbridge/internal/health"
	identityservice "ticketbridge/internal/identity/service"
	"ticketbridge/internal/security"
	"ticketbridge/internal/server"
	"ticketbridge/internal/server/middleware"
	sessionservice "ticketbridge/internal/session/service"
	"ticketbridge/internal/telemetry/metrics"
	"ticketbridge/internal/telemetry/otel"
	ticketservice "ticketbridge/internal/ticket/service"
	"ticketbridge/internal/worker/sweep"
)

const (
	shutdownTimeout     = 30 * time.Second
	healthWatchInterval = 10 * time.Second
)

// RunServer serves the HTTP API and the gRPC health service until ctx is done,
// then shuts both down gracefully.
func RunServer(ctx context.Context, cfg *config.Config) error {
	providers, err := otel.Setup(ctx, otel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.OTelServiceName,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	stores, err := OpenStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	tokens, err := NewTokenProvider(cfg)
	if err != nil {
		return err
	}
	policy, err := NewPolicy(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ticket policy: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)
	auditLog := audit.NewLogger(providers.LoggerProvider, nil)
	registry := NewProviders(cfg, rec)

	authn, err := identityservice.NewAuthenticator(stores.Store, security.NewHasher(cfg.BcryptCost))
	if err != nil {
		return err
	}
	sessions := sessionservice.NewManager(stores.Store, tokens, cfg.SessionTTL())
	creds := connectionservice.NewService(stores.Store, registry, cfg.OAuthRefreshMargin(), auditLog, rec)
	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxyList())
	if err != nil {
		return fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
	}
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		PerMinute:      cfg.LoginRatePerMinute,
		Burst:          cfg.LoginRateBurst,
		TrustedProxies: proxies,
	})
	defer limiter.Stop()
	checker := health.NewChecker(stores.Store, policy)

	handler := server.NewRouter(server.RouterDeps{
		Sessions:    sessions,
		RateLimiter: limiter,
		Auth:        identityservice.NewAuthService(authn, sessions, stores.Store, auditLog, rec),
		Connector:   connectionservice.NewConnector(stores.States, registry, creds, cfg.OAuthStateTTL(), auditLog),
		Connections: creds,
		Tickets:     ticketservice.NewService(stores.Store, creds, registry, policy, auditLog, rec),
		Health:      checker,
		Gatherer:    reg,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The worker cannot reach an in-process store, so the server sweeps it.
	if !stores.Persistent {
		go sweep.New(stores.Store, stores.States, cfg.SweepInterval()).Run(ctx)
	}

	// gRPC binds first; HTTP is not started when it cannot.
	var grpcLis net.Listener
	if cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	if grpcLis != nil {
		grpcSrv, healthSrv := server.NewGRPCServer()
		go checker.Watch(ctx, healthSrv, healthWatchInterval)
		go func() {
			log.Printf("gRPC health server listening on %s", cfg.GRPCAddr)
			if err := grpcSrv.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
		defer func() {
			log.Println("shutting down gRPC server...")
			stopped := make(chan struct{})
			go func() {
				grpcSrv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(shutdownTimeout):
				grpcSrv.Stop()
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Printf("server: %v", serveErr)
	}

	log.Println("shutting down HTTP server...")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("http shutdown: %w", err))
	}
	log.Println("HTTP server stopped")
	return serveErr
}
