package services

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/repo"
	"github.com/tbourn/pillsync/internal/store"
)

// ----- Store -----

func newStore(t *testing.T) *repo.Store {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return repo.NewStore(db)
}

func mustChat(t *testing.T, st store.Store, chatID string) *domain.Chat {
	t.Helper()
	c, err := st.GetChat(context.Background(), chatID)
	if err != nil {
		t.Fatalf("GetChat(%s): %v", chatID, err)
	}
	return c
}

// ----- Fault-injecting store -----

// faultyStore delegates to a real store and fails selected calls.
type faultyStore struct {
	store.Store

	mu            sync.Mutex
	putConflicts  int // PutChat returns ErrConflict this many times
	getErr        error
	createDoseErr error
	putCalls      int
}

func (f *faultyStore) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Store.GetChat(ctx, chatID)
}

func (f *faultyStore) PutChat(ctx context.Context, rec *domain.Chat, expected int64) error {
	f.mu.Lock()
	f.putCalls++
	if f.putConflicts > 0 {
		f.putConflicts--
		f.mu.Unlock()
		return store.ErrConflict
	}
	f.mu.Unlock()
	return f.Store.PutChat(ctx, rec, expected)
}

func (f *faultyStore) CreateDose(ctx context.Context, d *domain.DoseInstance) error {
	if f.createDoseErr != nil {
		return f.createDoseErr
	}
	return f.Store.CreateDose(ctx, d)
}

// ----- Clock -----

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// ----- Misc -----

func texts(ds []messenger.Directive) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Text
	}
	return out
}

var nopLog = zerolog.Nop()
