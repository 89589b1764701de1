// Package server wires configuration into a running gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/hpc-gateway/internal/adapter"
	"github.com/JakeFAU/hpc-gateway/internal/adapter/memory"
	"github.com/JakeFAU/hpc-gateway/internal/api"
	"github.com/JakeFAU/hpc-gateway/internal/auth"
	"github.com/JakeFAU/hpc-gateway/internal/clock/system"
	"github.com/JakeFAU/hpc-gateway/internal/cluster"
	"github.com/JakeFAU/hpc-gateway/internal/config"
	"github.com/JakeFAU/hpc-gateway/internal/files"
	"github.com/JakeFAU/hpc-gateway/internal/id/uuid"
	"github.com/JakeFAU/hpc-gateway/internal/jobs"
	"github.com/JakeFAU/hpc-gateway/internal/logging"
	"github.com/JakeFAU/hpc-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/hpc-gateway/internal/sandbox"
	"github.com/JakeFAU/hpc-gateway/internal/telemetry"
	"github.com/JakeFAU/hpc-gateway/internal/token"
	"github.com/JakeFAU/hpc-gateway/internal/token/postgres"
)

// App contains the gateway's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	tokens      token.Store
	closeTokens func()
	clusters    *cluster.Registry
	adapters    *adapter.Registry
	apiServer   *api.Server
	tracer      *sdktrace.TracerProvider
}

// OpenTokens builds the configured token store. The returned func releases
// its resources.
func OpenTokens(ctx context.Context, cfg config.Config, logger *zap.Logger) (token.Store, func(), error) {
	logger = logging.OrNop(logger)
	ids := uuid.New()
	clock := system.New()
	switch cfg.Tokens.Backend {
	case config.TokenBackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Tokens.Postgres.DSN,
			Table:    cfg.Tokens.Postgres.Table,
			MaxConns: cfg.Tokens.Postgres.MaxConns,
		}, ids, clock, logger.Named("tokens"))
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres token store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.TokenBackendFile, "":
		store, err := token.NewFileStore(cfg.Tokens.Path, ids, clock, logger.Named("tokens"))
		if err != nil {
			return nil, nil, fmt.Errorf("open token file: %w", err)
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown token backend %q", cfg.Tokens.Backend)
	}
}

// NewApp builds every component named by cfg.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	logger.Info("creating application",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("auth_strategies", cfg.Auth.Strategies),
		zap.String("token_backend", cfg.Tokens.Backend),
		zap.String("clusters_dir", cfg.Clusters.Dir),
		zap.String("files_home", cfg.Files.Home),
	)

	tokens, closeTokens, err := OpenTokens(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, logger: logger, tokens: tokens, closeTokens: closeTokens}
	if cfg.Tracing.Enabled {
		app.tracer, err = telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}
	if err := app.build(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build() error {
	chain, err := auth.Build(auth.Options{
		Strategies:    a.cfg.Auth.Strategies,
		TrustedHeader: a.cfg.Auth.TrustedUserHeader,
		Tokens:        a.tokens,
		Principal:     a.cfg.Auth.Principal,
		Logger:        a.logger.Named("auth"),
	})
	if err != nil {
		return fmt.Errorf("build auth chain: %w", err)
	}

	a.clusters, err = cluster.NewRegistry(a.cfg.Clusters.Dir, a.logger)
	if err != nil {
		return fmt.Errorf("load clusters: %w", err)
	}
	a.adapters = adapter.NewRegistry()
	if err := memory.New(system.New()).Register(a.adapters); err != nil {
		return fmt.Errorf("register memory adapter: %w", err)
	}

	sb, err := sandbox.New(sandbox.Config{Home: a.cfg.Files.Home})
	if err != nil {
		return fmt.Errorf("build sandbox: %w", err)
	}
	fileGateway, err := files.NewGateway(sb, files.Config{
		MaxReadBytes:  a.cfg.Files.MaxReadBytes,
		MaxWriteBytes: a.cfg.Files.MaxWriteBytes,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("build file gateway: %w", err)
	}

	jobGateway := jobs.NewGateway(a.clusters, a.adapters, a.logger)
	if a.cfg.Jobs.BackendRPS > 0 {
		jobGateway.SetLimiter(ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Jobs.BackendRPS,
			Burst: a.cfg.Jobs.BackendBurst,
		}))
	}

	var tp trace.TracerProvider
	if a.tracer != nil {
		tp = a.tracer
	}
	a.apiServer, err = api.NewServer(api.Options{
		Auth:           chain,
		Clusters:       a.clusters,
		Jobs:           jobGateway,
		Files:          fileGateway,
		RequestIDs:     uuid.New(),
		Logger:         a.logger,
		MetricsEnabled: a.cfg.Metrics.Enabled,
		TracerProvider: tp,
	})
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}
	a.logger.Info("application ready",
		zap.Int("clusters", len(a.clusters.List())),
		zap.Strings("adapter_kinds", a.adapters.Kinds()),
		zap.Strings("allowed_roots", sb.AllowedRoots()),
	)
	return nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run listens on the configured port and blocks until SIGINT/SIGTERM or ctx
// cancellation. SIGHUP reloads the cluster definitions.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				a.ReloadClusters()
			}
		}
	}()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is done, then shuts down within the
// configured timeout.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("http server error", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
		if serveErr == nil {
			serveErr = fmt.Errorf("shutdown: %w", err)
		}
	}
	return serveErr
}

// ReloadClusters re-reads the cluster directory, keeping the previous set on
// failure.
func (a *App) ReloadClusters() {
	if err := a.clusters.Reload(); err != nil {
		a.logger.Error("cluster reload failed", zap.Error(err))
		return
	}
	a.logger.Info("clusters reloaded", zap.Int("count", len(a.clusters.List())))
}

// Close releases the token store and flushes the tracer.
func (a *App) Close() {
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		cancel()
		a.tracer = nil
	}
	if a.closeTokens != nil {
		a.closeTokens()
		a.closeTokens = nil
	}
	a.logger.Info("shutdown complete")
}
