// Command server runs PillSync as a long-lived HTTP service.
//
// @title       PillSync API
// @version     1.0
// @description Telegram webhook and reminder scheduler endpoints of the PillSync medication reminder bot.
// @BasePath    /api/v1
package main

//go:generate swag init -g cmd/server/main.go -d ../../ -o ../../docs

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/tbourn/pillsync/internal/app"
	"github.com/tbourn/pillsync/internal/config"
	"github.com/tbourn/pillsync/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, observability.RuntimeServer, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}

	runErr := a.Run(ctx)
	if err := a.Close(context.Background()); err != nil {
		a.Log.Error().Err(err).Msg("close")
	}
	if runErr != nil {
		a.Log.Error().Err(runErr).Msg("server stopped")
		os.Exit(1)
	}
	a.Log.Info().Msg("server exited")
}
