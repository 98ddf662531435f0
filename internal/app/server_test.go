package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/pillsync/internal/config"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/store"
)

func TestHTTPServer_UsesConfiguredLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = "9090"
	cfg.ReadTimeout = 3 * time.Second
	cfg.ReadHeaderTimeout = 2 * time.Second
	cfg.WriteTimeout = 4 * time.Second
	cfg.IdleTimeout = 5 * time.Second
	cfg.MaxHeaderBytes = 4096
	a := newApp(t, cfg)

	srv := a.HTTPServer()
	if srv.Addr != ":9090" || srv.Handler == nil {
		t.Fatalf("addr=%q handler=%v", srv.Addr, srv.Handler)
	}
	if srv.ReadTimeout != 3*time.Second || srv.ReadHeaderTimeout != 2*time.Second ||
		srv.WriteTimeout != 4*time.Second || srv.IdleTimeout != 5*time.Second || srv.MaxHeaderBytes != 4096 {
		t.Fatalf("limits not applied: %+v", srv)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = "0"
	cfg.Tick.Mode = config.TickInternal
	cfg.Tick.Interval = 10 * time.Millisecond
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestHandlePolled_AsksForRetryOnlyWhenStorageFails(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()

	if err := a.handlePolled(ctx, messenger.Event{Kind: messenger.UserText, ChatID: "9", Username: "alice", Text: "/list"}); err != nil {
		t.Fatalf("handled update err=%v; want nil", err)
	}
	if err := a.handlePolled(ctx, messenger.Event{Kind: messenger.UserText, ChatID: "9", Username: "mallory", Text: "/list"}); err != nil {
		t.Fatalf("rejected update err=%v; want nil", err)
	}

	if err := a.Store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	err := a.handlePolled(ctx, messenger.Event{Kind: messenger.UserText, ChatID: "9", Username: "alice", Text: "/list"})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err=%v; want ErrUnavailable so the update is fetched again", err)
	}
}
