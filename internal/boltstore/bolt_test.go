package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/store"
	"github.com/tbourn/pillsync/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pillsync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c := domain.NewChat("77", "Asia/Tokyo", domain.LangEnglish)
	c.Conversation = domain.AwaitingDosage(domain.Draft{Name: "Iron"})
	if err := s.PutChat(context.Background(), c, 0); err != nil {
		t.Fatalf("PutChat: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetChat(context.Background(), "77")
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if got.Conversation.State != domain.StateAwaitingDosage || got.Conversation.Draft.Name != "Iron" || got.Version != 1 {
		t.Fatalf("unexpected record after reopen: %+v", got)
	}
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "x.db"))
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Open(bad path) err=%v; want ErrUnavailable", err)
	}
}
