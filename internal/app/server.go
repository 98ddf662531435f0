package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tbourn/pillsync/internal/config"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/services"
	"github.com/tbourn/pillsync/internal/store"
)

const shutdownTimeout = 10 * time.Second

// HTTPServer builds the http.Server for the router with the configured
// limits.
func (a *App) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort("", a.Config.Port),
		Handler:           a.Router,
		ReadTimeout:       a.Config.ReadTimeout,
		ReadHeaderTimeout: a.Config.ReadHeaderTimeout,
		WriteTimeout:      a.Config.WriteTimeout,
		IdleTimeout:       a.Config.IdleTimeout,
		MaxHeaderBytes:    a.Config.MaxHeaderBytes,
	}
}

// Run serves HTTP and, depending on configuration, long-polls Telegram and
// drives the dispatcher from an in-process ticker. It blocks until ctx is
// done or a component fails, then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	srv := a.HTTPServer()

	g.Go(func() error {
		a.Log.Info().Str("addr", srv.Addr).Str("store", a.Config.Store).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.Log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if a.Telegram != nil && a.Config.Telegram.Mode == config.TelegramPolling {
		g.Go(func() error {
			a.Log.Info().Msg("long polling telegram updates")
			a.Telegram.Poll(ctx, time.Duration(a.Config.Telegram.PollTimeout)*time.Second, a.handlePolled)
			return nil
		})
	}
	if a.Config.Tick.Mode == config.TickInternal {
		g.Go(func() error {
			a.runTicker(ctx)
			return nil
		})
	}
	return g.Wait()
}

// handlePolled processes one long-polled event. An error makes the poller
// fetch the update again, so only failures a retry can fix are returned.
func (a *App) handlePolled(ctx context.Context, ev messenger.Event) error {
	err := a.Engine.Handle(ctx, ev)
	switch {
	case err == nil, errors.Is(err, services.ErrUnauthorized):
		return nil
	case errors.Is(err, store.ErrUnavailable), ctx.Err() != nil:
		return err
	default:
		a.Log.Warn().Err(err).Int64("update_id", ev.UpdateID).Msg("update failed")
		return nil
	}
}

func (a *App) runTicker(ctx context.Context) {
	t := time.NewTicker(a.Config.Tick.Interval)
	defer t.Stop()
	a.Log.Info().Dur("interval", a.Config.Tick.Interval).Msg("internal ticker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sum, err := a.Tick(ctx)
			if err != nil {
				a.Log.Error().Err(err).Interface("summary", sum).Msg("tick failed")
				continue
			}
			a.Log.Debug().Interface("summary", sum).Msg("tick done")
		}
	}
}
