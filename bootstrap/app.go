package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/tracing"
)

// AppContext holds the core dependencies available during assembly.
type AppContext struct {
	Config         Config
	TracerProvider *sdktrace.TracerProvider
}

// AppInfo describes how to build and run a service. Assemble is the
// composition root: it creates all business dependencies from the AppContext.
// Register wires the assembled dependencies into the application lifecycle
// (HTTP servers, consumers, background tasks).
type AppInfo[T any] struct {
	ServiceName string
	ConfigPath  string
	Assemble    func(appCtx AppContext) (T, error)
	Register    func(app *Application, deps T) error
}

// Application manages the lifecycle of one service process.
type Application struct {
	serviceName string
	config      Config
	tracer      *sdktrace.TracerProvider
	httpServer  *http.Server

	g              *errgroup.Group
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewApplication initializes config, logging and tracing, then assembles and
// registers the service's dependencies.
func NewApplication[T any](info AppInfo[T]) (*Application, error) {
	logger.Init(info.ServiceName)

	cfg, err := LoadConfig(info.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracer: %w", err)
	}

	app := &Application{
		serviceName: info.ServiceName,
		config:      cfg,
		tracer:      tp,
	}
	app.shutdownCtx, app.shutdownCancel = context.WithCancel(context.Background())
	app.g, _ = errgroup.WithContext(app.shutdownCtx)

	deps, err := info.Assemble(AppContext{Config: cfg, TracerProvider: tp})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble dependencies: %w", err)
	}

	if err := info.Register(app, deps); err != nil {
		return nil, fmt.Errorf("failed to register services: %w", err)
	}

	app.addCoreShutdownTasks()

	return app, nil
}

// Config returns the loaded configuration.
func (app *Application) Config() Config {
	return app.config
}

// AddServer registers an HTTP server that is started with the application and
// shut down gracefully on exit.
func (app *Application) AddServer(mux *http.ServeMux, port int) error {
	app.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	app.g.Go(func() error {
		logger.Logger.Printf("HTTP server for '%s' listening on :%d", app.serviceName, port)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error for '%s': %w", app.serviceName, err)
		}
		return nil
	})

	app.g.Go(func() error {
		<-app.shutdownCtx.Done()
		logger.Logger.Printf("Shutting down HTTP server for '%s'...", app.serviceName)

		shutdownTimeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return app.httpServer.Shutdown(shutdownTimeoutCtx)
	})

	return nil
}

// AddTask registers a background task and manages its lifecycle.
// start receives a context that is cancelled at shutdown; stop, if non-nil,
// is called after the shutdown signal to release resources.
func (app *Application) AddTask(start func(ctx context.Context) error, stop func(ctx context.Context) error) {
	if start != nil {
		app.g.Go(func() error {
			return start(app.shutdownCtx)
		})
	}

	if stop != nil {
		app.g.Go(func() error {
			<-app.shutdownCtx.Done()
			logger.Logger.Print("Stopping background task...")
			timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return stop(timeoutCtx)
		})
	}
}

func (app *Application) addCoreShutdownTasks() {
	app.AddTask(nil, func(ctx context.Context) error {
		logger.Logger.Printf("Shutting down tracer provider...")
		return app.tracer.Shutdown(ctx)
	})
}

// Run starts the application and blocks until a shutdown signal arrives or a
// managed task fails.
func (app *Application) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	app.g.Go(func() error {
		select {
		case <-app.shutdownCtx.Done():
			return nil
		case sig := <-quit:
			logger.Logger.Printf("Received signal '%v', initiating graceful shutdown...", sig)
			app.shutdownCancel()
		}
		return nil
	})

	logger.Logger.Printf("Application '%s' started. Waiting for tasks to complete or shutdown signal...", app.serviceName)

	if err := app.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Logger.Error().Msgf("Application run failed with error: %v", err)
		return err
	}

	logger.Logger.Printf("Application '%s' gracefully shut down.", app.serviceName)
	return nil
}
