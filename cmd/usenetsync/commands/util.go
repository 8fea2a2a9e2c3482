package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/internal/telemetry"
	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/config"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/nntp"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// shutdownGrace bounds how long teardown waits on each observability
// component.
const shutdownGrace = 5 * time.Second

// app holds the shared process state every command needs: loaded
// configuration, the open store, and the observability shutdown hooks.
type app struct {
	cfg   *config.Config
	store *store.Store

	metricsServer     *metrics.Server
	shutdownTracing   func(context.Context) error
	shutdownProfiling func() error
}

// bootstrap loads configuration, initializes logging, telemetry, and
// metrics, and opens the store. Callers must Close the returned app.
func bootstrap() (*app, error) {
	cfg, err := config.MustLoad(cfgFile)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg}

	a.shutdownTracing, err = telemetry.Init(context.Background(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "usenetsync",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	a.shutdownProfiling, err = telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "usenetsync",
		ServiceVersion: Version,
		ServerAddress:  cfg.Telemetry.Profiling.ServerAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize profiling: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		a.metricsServer = metrics.NewServer(cfg.Metrics)
		a.metricsServer.Start()
	}

	a.store, err = store.New(&cfg.Database)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return a, nil
}

// Close releases everything bootstrap set up, in reverse order.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			logger.Warn("failed to stop metrics server", "error", err)
		}
		cancel()
	}
	if a.shutdownProfiling != nil {
		if err := a.shutdownProfiling(); err != nil {
			logger.Warn("failed to stop profiler", "error", err)
		}
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := a.shutdownTracing(ctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
		cancel()
	}
}

// newPool builds the article-server connection pool from configuration.
func (a *app) newPool() (*nntp.Pool, error) {
	strategy, err := nntp.ParseRotationStrategy(a.cfg.Pool.Strategy)
	if err != nil {
		return nil, err
	}

	poolCfg := nntp.PoolConfig{
		Servers:            a.cfg.Servers,
		Strategy:           strategy,
		AcquireTimeout:     a.cfg.Pool.AcquireTimeout,
		IdleWindow:         a.cfg.Pool.IdleWindow,
		MaxArticlesPerConn: a.cfg.Pool.MaxArticlesPerConn,
		MaxBytesPerConn:    a.cfg.Pool.MaxBytesPerConn.Int64(),
		Retry: nntp.RetryPolicy{
			MaxRetries: a.cfg.Retry.MaxRetries,
			BaseDelay:  a.cfg.Retry.BaseDelay,
		},
	}
	up, down := a.cfg.Bandwidth.UploadBps(), a.cfg.Bandwidth.DownloadBps()
	if up > 0 || down > 0 {
		poolCfg.Bandwidth = nntp.NewBandwidthLimiter(up, down)
	}

	return nntp.NewPool(poolCfg)
}

// newController builds the access controller from configuration.
func (a *app) newController() *access.Controller {
	return access.NewController(a.store, access.Config{
		Scrypt:            a.cfg.Crypto.ScryptParams(),
		PBKDF2Iterations:  a.cfg.Crypto.PBKDF2Iterations,
		ExpiryDefaultDays: a.cfg.Publishing.ExpiryDefaultDays,
		MaxShareSizeBytes: int64(a.cfg.Publishing.MaxShareSizeGB) << 30,
	})
}

// resolveFolder looks up a folder by identifier first, then by path, so
// commands accept either form.
func (a *app) resolveFolder(ctx context.Context, ref string) (*models.Folder, error) {
	folder, err := a.store.GetFolder(ctx, ref)
	if err == nil {
		return folder, nil
	}
	if !errors.Is(err, models.ErrFolderNotFound) {
		return nil, err
	}
	folder, pathErr := a.store.GetFolderByPath(ctx, ref)
	if pathErr != nil {
		return nil, fmt.Errorf("no folder with id or path %q", ref)
	}
	return folder, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
