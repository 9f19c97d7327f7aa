// agrosyncd keeps back-office writes flowing to Supabase while the
// connection comes and goes.
//
// Features:
// - Durable FIFO write queue, replayed in order on reconnect
// - Per-label snapshots of the last successful reads
// - Connectivity monitor with host reports and a fallback prober
// - Prometheus metrics & structured logging (zap)
// - SSE stream of queue and connectivity changes
// - Per-user API rate limiting
// - File, SQLite, S3 or in-memory local persistence
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/api"
	"github.com/silvachamo/agrosync/internal/auth"
	"github.com/silvachamo/agrosync/internal/config"
	"github.com/silvachamo/agrosync/internal/events"
	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/internal/netmon"
	"github.com/silvachamo/agrosync/internal/persist/backends"
	"github.com/silvachamo/agrosync/internal/ratelimit"
	s3store "github.com/silvachamo/agrosync/internal/persist/s3"
	"github.com/silvachamo/agrosync/internal/remote"
	"github.com/silvachamo/agrosync/internal/remote/postgres"
	"github.com/silvachamo/agrosync/internal/remote/postgrest"
	"github.com/silvachamo/agrosync/internal/syncmgr"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("agrosyncd starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("remote", cfg.RemoteBackend),
		zap.String("persistence", cfg.PersistBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Local persistence
	persistPath := cfg.PersistPath
	if cfg.PersistBackend == "sqlite" {
		persistPath = filepath.Join(cfg.PersistPath, "agrosync.db")
	}
	store, err := backends.Open(ctx, backends.Config{
		Backend:  cfg.PersistBackend,
		Path:     persistPath,
		MaxBytes: cfg.PersistMaxBytes,
		S3: s3store.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		},
	})
	if err != nil {
		logging.Fatal("persistence init failed", zap.Error(err))
	}
	defer store.Close()

	// Remote store
	var rs remote.Store
	switch cfg.RemoteBackend {
	case "postgres":
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database init failed", zap.Error(err))
		}
		defer pg.Close()
		rs = pg
	default:
		key := cfg.SupabaseServiceKey
		if key == "" {
			key = cfg.SupabaseAnonKey
		}
		rs = postgrest.New(postgrest.Config{
			URL:     cfg.SupabaseURL,
			APIKey:  key,
			Timeout: cfg.RemoteTimeout,
		})
	}
	rs = remote.Instrument(rs, cfg.RemoteBackend, cfg.RemoteTimeout)

	// Connectivity
	monitor := netmon.New()
	prober := netmon.NewProber(monitor, rs, cfg.ProbeInterval)

	// SSE broadcaster
	broadcaster := events.NewBroadcaster()

	manager, err := syncmgr.Open(ctx, syncmgr.Config{
		Store:                  store,
		Remote:                 rs,
		Monitor:                monitor,
		MaxQueueLen:            cfg.MaxQueueLen,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Notify:                 broadcaster.PublishNotice,
	})
	if err != nil {
		logging.Fatal("sync manager init failed", zap.Error(err))
	}

	unsubscribe := monitor.Subscribe(func(online bool) {
		pending, _ := manager.Pending()
		broadcaster.PublishConnectivity(online, pending)
		if online && cfg.DrainOnReconnect && pending > 0 {
			go func() {
				res := manager.Drain(ctx)
				logging.Info("drain after reconnect",
					zap.Int("replayed", res.Count),
					zap.Bool("complete", res.Complete()))
			}()
		}
	})
	defer unsubscribe()

	// Probe once before serving so the first status is not a guess.
	prober.ProbeOnce(ctx)
	prober.Start(ctx)
	defer prober.Stop()

	// Replay anything left over from the previous run.
	if pending, _ := manager.Pending(); pending > 0 && monitor.IsOnline() {
		go manager.Drain(ctx)
	}

	authHandler := auth.New(cfg.JWTSecret)
	srv := api.NewServer(manager, monitor, authHandler, broadcaster, api.Backends{
		Persistence: store.Backend(),
		Remote:      cfg.RemoteBackend,
	})
	if cfg.RateLimitRPM > 0 {
		limiter := ratelimit.New(cfg.RateLimitRPM)
		srv.SetRateLimiter(limiter)
		go limiter.Run(ctx, 5*time.Minute, 10*time.Minute)
		logging.Info("rate limiting enabled", zap.Int("rpm", cfg.RateLimitRPM))
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when ctx is cancelled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
