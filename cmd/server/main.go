// ftprelay server
//
// Features:
// - Authenticated uploads staged on disk and relayed to FTP/FTPS
// - Upload catalog (in-memory or PostgreSQL)
// - Admin browsing and streamed downloads from the remote store
// - Prometheus metrics & structured logging (zap)
// - Per-user upload rate limiting
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/ftprelay/ftprelay/internal/api"
	"github.com/ftprelay/ftprelay/internal/auth"
	"github.com/ftprelay/ftprelay/internal/catalog"
	"github.com/ftprelay/ftprelay/internal/config"
	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/metrics"
	"github.com/ftprelay/ftprelay/internal/quota"
	"github.com/ftprelay/ftprelay/internal/relay"
	"github.com/ftprelay/ftprelay/internal/remote"
	"github.com/ftprelay/ftprelay/internal/staging"
	"github.com/ftprelay/ftprelay/internal/transport/backend"
)

func main() {
	os.Exit(serve())
}

// serve runs the server until a signal arrives and returns the process exit
// code. Deferred cleanup, log flushing included, runs before it returns.
func serve() int {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 2
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		return 2
	}
	defer logging.Sync()

	logging.Info("ftprelay server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("transport", cfg.TransportBackend),
		zap.String("catalog", cfg.CatalogBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("server error", zap.Error(err))
		return 1
	}
	logging.Info("server stopped")
	return 0
}

func run(ctx context.Context, cfg *config.Config) error {
	store, closeStore, err := openCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	dialer, err := backend.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	stager, err := staging.New(cfg.StagingDir)
	if err != nil {
		return err
	}
	logging.Info("staging directory ready", zap.String("dir", stager.Dir()))

	// Initialize auth
	seeds, err := auth.ParseSeedUsers(cfg.SeedUsers)
	if err != nil {
		return err
	}
	users, err := auth.NewDirectory(seeds, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	authHandler := auth.New(users, cfg.JWTSecret, cfg.TokenTTL)
	logging.Info("user directory loaded", zap.Int("users", users.Count()))

	rateLimiter := quota.NewRateLimiter(cfg.UploadsPerMinute)

	rel := relay.New(stager, dialer, store, relay.Config{
		RemoteRoot:      cfg.RemoteRoot,
		TransferTimeout: cfg.TransferTimeout,
	})
	srv := api.NewServer(
		authHandler, rel, store,
		remote.NewBrowser(dialer, cfg.RemoteRoot, cfg.TransferTimeout),
		remote.NewDownloader(dialer, store, cfg.RemoteRoot, cfg.DownloadIdleTimeout),
		rateLimiter, cfg.MaxUploadSize,
	)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		return listen(httpServer)
	})
	g.Go(func() error {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		return listen(metricsServer)
	})
	g.Go(func() error {
		// Drop idle rate limiter buckets
		rateLimiter.Run(gctx, time.Hour, 24*time.Hour)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}

func listen(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openCatalog(ctx context.Context, cfg *config.Config) (catalog.Store, func(), error) {
	if cfg.CatalogBackend != config.CatalogPostgres {
		logging.Warn("using in-memory upload catalog; records are lost on restart")
		return catalog.NewMemoryStore(), func() {}, nil
	}

	logging.Info("connecting to PostgreSQL...")
	pg, err := catalog.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logging.Info("running migrations...")
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, func() { pg.Close() }, nil
}
