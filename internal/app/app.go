// Package app assembles the PillSync runtime from configuration: logger,
// tracing, storage backend, messenger, services, bot engine and HTTP
// router. The standalone server and the Lambda entry point both build an
// App and differ only in how they drive it.
package app

import (
	"context"
	"errors"
	"io"

	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/pillsync/internal/bot"
	"github.com/tbourn/pillsync/internal/config"
	httpapi "github.com/tbourn/pillsync/internal/http"
	"github.com/tbourn/pillsync/internal/messenger/telegram"
	"github.com/tbourn/pillsync/internal/observability"
	"github.com/tbourn/pillsync/internal/services"
	"github.com/tbourn/pillsync/internal/store"
	"github.com/tbourn/pillsync/internal/sysutil"
)

// App holds the wired components.
type App struct {
	Config  config.Config
	Runtime string
	Version string

	Log       zerolog.Logger
	Telemetry observability.Telemetry
	Store     store.Store
	Engine    *bot.Engine
	Router    *gin.Engine

	// Telegram is nil when replies go to the log.
	Telegram *telegram.Client

	provider *ServiceProvider
	proxy    *ginadapter.GinLambda
	logFile  io.Closer
}

// New builds an App for runtime (observability.RuntimeServer or
// observability.RuntimeLambda).
func New(ctx context.Context, cfg config.Config, runtime, version string) (*App, error) {
	a := &App{Config: cfg, Runtime: runtime, Version: version}
	if err := a.initDeps(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) initDeps(ctx context.Context) error {
	inits := []func(context.Context) error{
		a.initLogger,
		a.initTelemetry,
		a.initServiceProvider,
		a.initRouter,
	}
	for _, f := range inits {
		if err := f(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initLogger(_ context.Context) error {
	a.Log, a.logFile = sysutil.NewLogger(sysutil.LogOptions{
		Level:      a.Config.LogLevel,
		Pretty:     a.Config.LogPretty,
		File:       a.Config.LogFile.Path,
		MaxSizeMB:  a.Config.LogFile.MaxSizeMB,
		MaxBackups: a.Config.LogFile.MaxBackups,
		MaxAgeDays: a.Config.LogFile.MaxAgeDays,
	})
	a.Log = a.Log.With().Str("runtime", a.Runtime).Logger()
	return nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	tel, err := observability.Setup(ctx, a.Config.OTEL, a.Version, a.Runtime)
	if err != nil {
		return err
	}
	a.Telemetry = tel
	return nil
}

func (a *App) initServiceProvider(ctx context.Context) error {
	a.provider = NewServiceProvider(a.Config, a.Log)

	st, err := a.provider.Store(ctx)
	if err != nil {
		return err
	}
	a.Store = st

	if _, err := a.provider.Sender(); err != nil {
		return err
	}
	a.Telegram = a.provider.Telegram()

	access := a.provider.AllowList()
	if access.Empty() {
		a.Log.Warn().Msg("allow-list is empty: every chat will be rejected")
	}

	a.Engine, err = a.provider.Engine(ctx)
	return err
}

func (a *App) initRouter(_ context.Context) error {
	a.Router = httpapi.NewRouter(httpapi.Deps{
		Bot:     a.Engine,
		Updates: a.Store,
		Log:     a.Log,
	}, a.Config)
	a.proxy = ginadapter.New(a.Router)
	return nil
}

// Tick runs one dispatcher pass bounded by the configured tick timeout.
func (a *App) Tick(ctx context.Context) (services.TickSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Config.Tick.Timeout)
	defer cancel()
	return a.Engine.Tick(ctx)
}

// Close flushes telemetry and releases the store and the log file.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Telemetry.Shutdown != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}
