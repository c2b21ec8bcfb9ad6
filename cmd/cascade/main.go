package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/kode4food/timebox"

	app "github.com/kode4food/cascade"
	"github.com/kode4food/cascade/internal/config"
	"github.com/kode4food/cascade/internal/metrics"
	"github.com/kode4food/cascade/internal/server"
	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/internal/store/blob"
	"github.com/kode4food/cascade/internal/store/journal"
	"github.com/kode4food/cascade/internal/store/memory"
	"github.com/kode4food/cascade/internal/store/redis"
	"github.com/kode4food/cascade/pkg/log"
	"github.com/kode4food/cascade/pkg/orchestrator"
)

type cascade struct {
	cfg          *config.Config
	store        store.Store
	cached       *store.Cached
	journal      *journal.Store
	archive      *blob.Store
	statsd       *statsd.Client
	orchestrator *orchestrator.Orchestrator
	apiServer    *server.Server
	httpServer   *http.Server
	quit         chan os.Signal
}

var (
	ErrCreateStore   = errors.New("failed to create store")
	ErrOpenArchive   = errors.New("failed to open archive")
	ErrCreateStatsd  = errors.New("failed to create statsd client")
	ErrCreateEngine  = errors.New("failed to create orchestrator")
	ErrRecoverEngine = errors.New("failed to recover instances")
)

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	s := &cascade{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		s.close()
		os.Exit(1)
	}
}

func (s *cascade) run() error {
	ctx := context.Background()
	if err := s.initializeStore(ctx); err != nil {
		return err
	}
	if err := s.initializeOrchestrator(ctx); err != nil {
		return err
	}
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *cascade) setupLogging() {
	level := log.ParseLevel(s.cfg.LogLevel)
	logger := log.NewWithLevel(app.Name, os.Getenv("ENV"), app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Cascade starting",
		slog.String("log_level", s.cfg.LogLevel))

	slog.Info("Configuration loaded",
		slog.String("store_type", s.cfg.Store.Type),
		slog.String("redis_addr", s.cfg.Store.Addr),
		slog.Int("redis_db", s.cfg.Store.DB),
		slog.String("archive_url", s.cfg.ArchiveURL),
		slog.Int("worker_count", s.cfg.WorkerCount),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort))
}

func (s *cascade) initializeStore(ctx context.Context) error {
	var primary store.Store
	switch s.cfg.Store.Type {
	case config.StoreTypeRedis:
		rs := redis.New(
			redis.NewClient(s.cfg.Store.Addr, s.cfg.Store.Password, s.cfg.Store.DB),
			s.cfg.Store.Prefix,
		)
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrCreateStore, err)
		}
		primary = rs
	case config.StoreTypeTimebox:
		js, err := journal.Open(timebox.StoreConfig{
			Addr:     s.cfg.Store.Addr,
			Password: s.cfg.Store.Password,
			DB:       s.cfg.Store.DB,
			Prefix:   s.cfg.Store.Prefix,
		}, s.cfg.CacheSize)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCreateStore, err)
		}
		s.journal = js
		primary = js
	default:
		primary = memory.New()
	}

	if s.cfg.ArchiveURL != "" {
		archive, err := blob.Open(ctx, s.cfg.ArchiveURL, s.cfg.ArchivePrefix)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpenArchive, err)
		}
		s.archive = archive
		primary = store.NewHibernating(primary, archive)
	}

	if s.cfg.CacheSize > 0 {
		cached, err := store.NewCached(primary, int64(s.cfg.CacheSize))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCreateStore, err)
		}
		s.cached = cached
		primary = cached
	}

	s.store = primary
	return nil
}

func (s *cascade) initializeOrchestrator(ctx context.Context) error {
	var opts []metrics.Option
	if s.cfg.StatsdAddr != "" {
		client, err := metrics.NewStatsdClient(
			s.cfg.StatsdAddr, "service:"+app.Name,
		)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCreateStatsd, err)
		}
		s.statsd = client
		opts = append(opts, metrics.WithStatsd(client))
	}

	reg, err := NewRegistry(NewInventory())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateEngine, err)
	}

	s.orchestrator, err = orchestrator.New(s.cfg, reg, s.store,
		orchestrator.WithMetrics(metrics.New(opts...)),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateEngine, err)
	}

	handles, err := s.orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecoverEngine, err)
	}
	if len(handles) > 0 {
		slog.Info("Recovered instances",
			slog.Int("count", len(handles)))
	}
	return nil
}

func (s *cascade) startServer() {
	s.apiServer = server.NewServer(s.orchestrator)
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.apiServer.SetupRoutes(),
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (s *cascade) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}
	s.apiServer.CloseWebSockets()

	if err := s.orchestrator.Stop(); err != nil {
		slog.Error("Engine shutdown failed", log.Error(err))
	}
	s.close()

	slog.Info("Server exited")
}

func (s *cascade) close() {
	if s.cached != nil {
		s.cached.Wait()
		s.cached.Close()
	}
	if s.archive != nil {
		_ = s.archive.Close()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.statsd != nil {
		_ = s.statsd.Close()
	}
}
