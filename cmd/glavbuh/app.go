package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nkiryanov/glavbuh/internal/credstore"
	"github.com/nkiryanov/glavbuh/internal/db"
	"github.com/nkiryanov/glavbuh/internal/gateway"
	"github.com/nkiryanov/glavbuh/internal/identity"
	"github.com/nkiryanov/glavbuh/internal/logger"
	"github.com/nkiryanov/glavbuh/internal/metrics"
	"github.com/nkiryanov/glavbuh/internal/service/push"
	"github.com/nkiryanov/glavbuh/internal/service/session"
	"github.com/nkiryanov/glavbuh/internal/service/tokens"
	"github.com/nkiryanov/glavbuh/internal/storage"
	"github.com/nkiryanov/glavbuh/internal/storage/filestore"
	"github.com/nkiryanov/glavbuh/internal/storage/postgres"
	"github.com/nkiryanov/glavbuh/internal/storage/redisstore"
	"github.com/nkiryanov/glavbuh/internal/transport"
)

// Headers the remote API expects on every request
var apiHeaders = map[string]string{
	"Content-Type":               "application/json",
	"ngrok-skip-browser-warning": "true",
}

// App wires the session subsystem. Only one must exist per process
type App struct {
	Session *session.Controller
	Gateway *gateway.Gateway
	Binder  *push.Binder

	metricsAddr string
	registry    *prometheus.Registry
	logger      logger.Logger
	closers     []func()
}

func NewApp(ctx context.Context, c *Config) (*App, error) {
	// Initialize logger
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &App{
		metricsAddr: c.MetricsAddr,
		registry:    prometheus.NewRegistry(),
		logger:      l,
	}

	backend, err := app.openStorage(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("error while opening %s storage. Err: %w", c.Storage, err)
	}

	m := metrics.New(app.registry)
	client := transport.NewClient(l, c.RequestTimeout, apiHeaders)

	// Initialize services
	idClient := identity.NewClient(c.APIURL, client, l)
	tokenService := tokens.New(credstore.New(backend), idClient, m, l)
	app.Gateway = gateway.New(c.APIURL, client, tokenService, m, l)

	platform := push.StaticPlatform{Platform: c.PushPlatform, PushToken: c.PushToken}
	app.Binder = push.NewBinder(backend, platform, push.NewClient(c.APIURL, client, app.Gateway), m, l)

	app.Session = session.New(tokenService, app.Gateway, app.Binder, idClient, l)
	tokenService.SetObserver(app.Session)

	return app, nil
}

func (a *App) openStorage(ctx context.Context, c *Config) (storage.Backend, error) {
	switch c.Storage {
	case StorageMemory:
		return storage.NewMemory(), nil

	case StorageFile:
		if c.SecretKey == "" {
			return filestore.Open(c.StoragePath)
		}
		return filestore.OpenSealed(c.StoragePath, c.SecretKey)

	case StoragePostgres:
		// Connect to the database and run migrations
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		return postgres.NewStore(pool, c.InstallationID), nil

	case StorageRedis:
		client, err := redisstore.Connect(ctx, c.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return redisstore.NewStore(client, c.InstallationID), nil

	default:
		return nil, fmt.Errorf("unknown storage %q", c.Storage)
	}
}

// Close releases storage connections
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// ServeMetrics serves prometheus metrics until context is cancelled
// No-op if metrics address is not configured
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.metricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    a.metricsAddr,
		Handler: mux,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			a.logger.Error("Metrics server shutdown timeout exceeded, forcing shutdown...")
		}
		a.logger.Debug("Metrics server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	a.logger.Info("Serving metrics", "addr", a.metricsAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
