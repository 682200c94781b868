package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensornet/ingest-server/internal/alert"
	"sensornet/ingest-server/internal/archive"
	"sensornet/ingest-server/internal/config"
	"sensornet/ingest-server/internal/ingest"
	"sensornet/ingest-server/internal/store"
	"sensornet/ingest-server/internal/subscriber"
	"sensornet/ingest-server/internal/validate"
)

// App wires together the ingest services and manages their lifecycle.
type App struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *store.Store
	pipeline   *ingest.Pipeline
	archiver   *archive.Archiver
	supervisor *subscriber.Supervisor
	mdns       *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DBDriver, a.cfg.DBDSN)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.prepareStore(ctx); err != nil {
		return err
	}

	a.archiver = archive.New(archive.FromStore(db), a.logger.With("component", "archiver"))

	sub := subscriber.New(subscriber.Options{
		Broker:    a.cfg.MQTT.Broker,
		Topic:     a.cfg.MQTT.Topic,
		ClientID:  a.cfg.MQTT.ClientID,
		QoS:       a.cfg.MQTT.QoS,
		KeepAlive: a.cfg.MQTT.KeepAlive,
	}, a.handleMessage, a.logger.With("component", "subscriber"))

	notifier := alert.New(db, sub, a.cfg.MQTT.AlertTopic, a.logger.With("component", "alert"))
	a.pipeline = ingest.New(db, validate.New(db, a.logger), notifier, a.cfg.StoreTimeout, a.logger.With("component", "ingest"))

	a.supervisor = subscriber.NewSupervisor(sub, a.cfg.MQTT.ReconnectMax, a.logger.With("component", "supervisor"))
	if err := a.supervisor.Start(ctx); err != nil {
		return err
	}

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	for name, srv := range map[string]*http.Server{"http": httpServer, "metrics": metricsServer} {
		go func(name string, srv *http.Server) {
			a.logger.Info(name+" server started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}(name, srv)
	}

	if a.cfg.MDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if merr := metricsServer.Shutdown(shutdownCtx); merr != nil {
			err = errors.Join(err, merr)
		}
		a.logger.Info("http servers stopped")

		a.supervisor.Stop()
		a.logger.Info("subscriber stopped")
		if err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	}

	select {
	case <-ctx.Done():
		return shutdown()
	case err := <-httpErrCh:
		return errors.Join(err, shutdown())
	}
}

// prepareStore creates the schema and loads the seed file, if configured.
func (a *App) prepareStore(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.store.Ping(initCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := a.store.InitSchema(initCtx); err != nil {
		return err
	}

	if a.cfg.SeedPath == "" {
		return nil
	}
	seed, err := store.LoadSeed(a.cfg.SeedPath)
	if err != nil {
		return err
	}
	if err := a.store.ApplySeed(initCtx, seed); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	a.logger.Info("seed applied", "path", a.cfg.SeedPath, "types", len(seed.Types), "nodes", len(seed.Nodes), "alert_ranges", len(seed.AlertRanges))
	return nil
}

func (a *App) handleMessage(ctx context.Context, topic string, payload []byte) error {
	_, err := a.pipeline.Handle(ctx, topic, payload)
	return err
}
