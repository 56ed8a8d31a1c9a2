package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/pixelq/internal/metrics"
	"github.com/osvaldoandrade/pixelq/internal/middleware"
	"github.com/osvaldoandrade/pixelq/internal/providers"
	"github.com/osvaldoandrade/pixelq/internal/services"
	"github.com/osvaldoandrade/pixelq/internal/tracing"
	"github.com/osvaldoandrade/pixelq/pkg/config"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"
	_ "github.com/osvaldoandrade/pixelq/pkg/persistence/memory"
	_ "github.com/osvaldoandrade/pixelq/pkg/persistence/redis"
	_ "github.com/osvaldoandrade/pixelq/pkg/persistence/sqlite"

	"github.com/gin-gonic/gin"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Store           persistence.JobStore
	Artifacts       providers.ArtifactStore
	Master          services.MasterService
	Logger          *slog.Logger
	TZ              *time.Location
	TracingShutdown func(context.Context) error

	logOutput io.Writer
	logSink   io.Closer
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithStore injects a job store instead of building one from config.
func WithStore(store persistence.JobStore) ApplicationOption {
	return func(app *Application) error {
		app.Store = store
		return nil
	}
}

// WithLogOutput replaces stdout as the log destination.
func WithLogOutput(w io.Writer) ApplicationOption {
	return func(app *Application) error {
		app.logOutput = w
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	app := &Application{Config: cfg, TZ: cfg.Location(), logOutput: os.Stdout}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	app.Logger = app.newLogger()
	slog.SetDefault(app.Logger)

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  tracing.DefaultServiceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		SampleRatio:  cfg.TraceSampleRatio,
	}, app.Logger)
	if err != nil {
		app.Logger.Warn("tracing disabled", "err", err)
	}
	app.TracingShutdown = shutdown

	if app.Store == nil {
		store, err := openStore(cfg, app.TZ)
		if err != nil {
			app.closeLogSink()
			return nil, fmt.Errorf("open %s store: %w", cfg.StoreProvider, err)
		}
		app.Store = store
	}

	app.Artifacts = providers.NewLocalArtifacts(cfg.OutputDir)
	app.Master = services.NewMasterService(app.Store, app.Artifacts, services.MasterConfig{
		ResultPrefix:     cfg.ResultPrefix,
		MaxPacketBytes:   cfg.MaxPacketBytes,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		SweepInterval:    cfg.SweepInterval(),
		WriteTimeout:     cfg.WriteTimeout(),
	}, app.Logger.With("component", "master"), time.Now)

	metrics.RegisterMasterCollector(app.Master, app.Logger.With("component", "metrics"))

	gin.SetMode(ginMode(cfg.Env))
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(tracing.DefaultServiceName),
		middleware.LoggerMiddleware(app.Logger.With("component", "http")),
	)
	app.Engine = engine

	return app, nil
}

// StartListener opens the worker port when autoListen is set.
func (a *Application) StartListener(ctx context.Context) error {
	if !a.Config.AutoListen {
		return nil
	}
	addr, err := a.Master.Start(ctx, strconv.Itoa(a.Config.WorkerPort))
	if err != nil {
		return err
	}
	a.Logger.Info("worker listener started", "addr", addr.String())
	return nil
}

// Close stops the worker listener and releases the store, the trace
// exporter and the log file.
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if a.Master != nil {
		if err := a.Master.Stop(ctx); err != nil && !errors.Is(err, services.ErrNotListening) {
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.TracingShutdown != nil {
		if err := a.TracingShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeLogSink()
	return errors.Join(errs...)
}

func (a *Application) closeLogSink() {
	if a.logSink != nil {
		_ = a.logSink.Close()
		a.logSink = nil
	}
}

func (a *Application) newLogger() *slog.Logger {
	cfg := a.Config
	level := new(slog.LevelVar)
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	out := a.logOutput
	if strings.TrimSpace(cfg.LogFile) != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		a.logSink = sink
		out = io.MultiWriter(out, sink)
	}

	var handler slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "pixelq", "env", cfg.Env)
}

func openStore(cfg *config.Config, tz *time.Location) (persistence.JobStore, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.StoreProvider))
	var raw any
	switch provider {
	case "sqlite":
		raw = map[string]string{"path": cfg.SqlitePath}
	case "redis":
		raw = map[string]string{"addr": cfg.RedisAddr, "password": cfg.RedisPassword}
	}
	var pc json.RawMessage
	if raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		pc = b
	}
	return persistence.NewPersistence(
		persistence.ProviderConfig{Type: provider, Config: pc},
		persistence.PluginConfig{Timezone: tz},
	)
}

func ginMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production":
		return gin.ReleaseMode
	case "test":
		return gin.TestMode
	default:
		return gin.DebugMode
	}
}
