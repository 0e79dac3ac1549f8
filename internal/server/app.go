package server

import (
	"context"
	"fmt"
	"time"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/catalogcast/catalog-server/internal/catalog"
	"github.com/catalogcast/catalog-server/internal/config"
	"github.com/catalogcast/catalog-server/internal/metrics"
	"github.com/catalogcast/catalog-server/internal/notify"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/catalogcast/catalog-server/internal/pkg/security"
	"github.com/catalogcast/catalog-server/internal/upload"
	"github.com/catalogcast/catalog-server/internal/websocket"
)

// socketCloseGrace bounds the wait for client sessions to send their close
// frames during shutdown.
const socketCloseGrace = 5 * time.Second

// App is one catalog-server instance: storage, bus, notification pipeline
// and HTTP front end.
type App struct {
	InstanceID string

	Bus        bus.Bus
	Publisher  *notify.Publisher
	Registry   *notify.Registry
	Dispatcher *notify.Dispatcher
	Catalog    *catalog.Service
	Uploads    *upload.Service
	Socket     *websocket.Handler
	Metrics    *metrics.Metrics
	Server     *Server

	cfg     *config.Config
	log     *logger.Logger
	closers []func() error
}

// NewApp connects to the broker and storage and wires every component. A
// broker that cannot be reached returns a BROKER_UNREACHABLE error.
func NewApp(ctx context.Context, cfg *config.Config, instanceID, version string, log *logger.Logger) (*App, error) {
	log = log.WithInstance(instanceID)
	a := &App{
		InstanceID: instanceID,
		Metrics:    metrics.New(),
		cfg:        cfg,
		log:        log,
	}

	raw, err := bus.NewBus(ctx, cfg.Bus, instanceID, log)
	if err != nil {
		return nil, err
	}
	a.Bus = bus.NewInstrumentedBus(raw, a.Metrics)
	a.closers = append(a.closers, a.Bus.Close)

	storage, err := newStorage(ctx, cfg)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	if c, ok := storage.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.Uploads, err = upload.NewService(cfg.Upload.Dir, cfg.Upload.MaxBytes, log)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	channel := cfg.Bus.Channel
	a.Publisher = notify.NewPublisher(a.Bus, channel, instanceID, log, a.Metrics)
	a.Registry = notify.NewRegistry(instanceID, cfg.Notify.BacklogCap, log, a.Metrics)
	a.Dispatcher = notify.NewDispatcher(a.Registry, log, a.Metrics)
	if err := a.Dispatcher.Attach(ctx, a.Bus, channel); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("attach dispatcher: %w", err)
	}

	a.Catalog = catalog.NewService(storage, a.Publisher, log)
	a.Socket = websocket.NewHandler(a.Registry, websocket.Options{
		AllowedOrigin: cfg.Origin,
		Channels:      []string{channel},
	}, log)

	var journal *bus.Journal
	if jb, ok := raw.(*bus.JournaledBus); ok {
		journal = jb.Journal()
	}

	metricsPath := ""
	if cfg.Observability.MetricsEnabled {
		metricsPath = cfg.Observability.MetricsPath
	}

	a.Server = New(Config{
		Addr:         cfg.Address(),
		IOAddr:       cfg.IOAddress(),
		Origin:       cfg.Origin,
		Version:      version,
		RateLimit:    cfg.Security.RateLimit,
		MetricsPath:  metricsPath,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}, Deps{
		Catalog: a.Catalog,
		Uploads: a.Uploads,
		Socket:  a.Socket,
		Bus:     a.Bus,
		Metrics: a.Metrics,
		Journal: journal,
	}, log)

	log.Info("Instance ready",
		"bus", cfg.Bus.Type,
		"channel", channel,
		"storage", cfg.Storage.Type,
	)
	return a, nil
}

func newStorage(ctx context.Context, cfg *config.Config) (catalog.Storage, error) {
	switch cfg.Storage.Type {
	case "redis":
		url := cfg.StorageRedisURL()
		s, err := catalog.NewRedisStorage(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("catalog storage at %s: %w", security.MaskURL(url), err)
		}
		return s, nil
	default:
		return catalog.NewMemoryStorage(), nil
	}
}

// Start serves HTTP until Shutdown.
func (a *App) Start() error {
	return a.Server.Start()
}

// Shutdown stops the instance in order: stop accepting HTTP, drain
// in-flight publishes, close the bus, then close every client connection
// with a close frame.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("Shutting down instance...")

	if err := a.Server.Stop(ctx); err != nil {
		a.log.Warn("HTTP shutdown incomplete", "error", err)
	}

	if !a.Publisher.Drain(a.cfg.Bus.DrainTimeout) {
		a.log.Warn("Publish drain timed out", "timeout", a.cfg.Bus.DrainTimeout)
	}

	err := a.closeAll()

	n := a.Registry.CloseAll(notify.ErrShutdown)
	if !a.Socket.Wait(socketCloseGrace) {
		a.log.Warn("Client sessions did not exit in time", "connections", n)
	}

	a.log.Info("Instance stopped", "closed_connections", n)
	return err
}

// closeAll runs closers in reverse order and returns the first error.
func (a *App) closeAll() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
