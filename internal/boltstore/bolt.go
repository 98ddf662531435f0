// Package boltstore is an embedded store.Store backed by bbolt. It suits a
// single-process deployment (cmd/server on one host): bbolt serializes all
// writers, so every read-check-write below runs inside one Update
// transaction and is atomic without further locking.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/store"
)

var (
	chatsBucket   = []byte("chats")
	dosesBucket   = []byte("doses")
	updatesBucket = []byte("updates")
)

// Store implements store.Store on a bbolt file.
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the bbolt file at path and ensures the buckets.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, store.Unavailable("open bolt", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{chatsBucket, dosesBucket, updatesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, store.Unavailable("open bolt", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	var c *domain.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if data == nil {
			return store.ErrNotFound
		}
		c = new(domain.Chat)
		return decode(data, c)
	})
	if err != nil {
		return nil, mapErr("get chat", err)
	}
	c.Conversation = c.Conversation.Normalize()
	return c, nil
}

func (s *Store) PutChat(ctx context.Context, rec *domain.Chat, expectedVersion int64) error {
	next := rec.Clone()
	next.Version = expectedVersion + 1
	now := time.Now().UTC()
	next.UpdatedAt = now
	for i := range next.Medications {
		next.Medications[i].ChatID = next.ChatID
		next.Medications[i].Position = i
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(chatsBucket)
		key := []byte(next.ChatID)
		current := b.Get(key)
		switch {
		case expectedVersion == 0 && current != nil:
			return store.ErrConflict
		case expectedVersion == 0:
			next.CreatedAt = now
		default:
			if current == nil {
				return store.ErrConflict
			}
			var stored domain.Chat
			if err := decode(current, &stored); err != nil {
				return err
			}
			if stored.Version != expectedVersion {
				return store.ErrConflict
			}
			next.CreatedAt = stored.CreatedAt
		}
		data, err := encode(next)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return mapErr("put chat", err)
	}
	rec.Version = next.Version
	rec.CreatedAt, rec.UpdatedAt = next.CreatedAt, next.UpdatedAt
	for i := range rec.Medications {
		rec.Medications[i].ChatID = rec.ChatID
		rec.Medications[i].Position = i
	}
	return nil
}

// ScanChats decodes records inside a read transaction but invokes fn after
// it closes, so fn may write to the store.
func (s *Store) ScanChats(ctx context.Context, fn func(*domain.Chat) error) error {
	var chats []*domain.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			c := new(domain.Chat)
			if err := decode(v, c); err != nil {
				return err
			}
			c.Conversation = c.Conversation.Normalize()
			chats = append(chats, c)
			return nil
		})
	})
	if err != nil {
		return mapErr("scan chats", err)
	}
	for _, c := range chats {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateDose(ctx context.Context, d *domain.DoseInstance) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dosesBucket)
		key := doseKey(d.ChatID, d.Key())
		if b.Get(key) != nil {
			return store.ErrDuplicate
		}
		data, err := encode(d)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	return mapErr("create dose", err)
}

func (s *Store) GetDose(ctx context.Context, chatID string, key domain.DoseKey) (*domain.DoseInstance, error) {
	var d *domain.DoseInstance
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(dosesBucket).Get(doseKey(chatID, key))
		if data == nil {
			return store.ErrNotFound
		}
		d = new(domain.DoseInstance)
		return decode(data, d)
	})
	if err != nil {
		return nil, mapErr("get dose", err)
	}
	return d, nil
}

func (s *Store) ConfirmDose(ctx context.Context, chatID string, key domain.DoseKey, at time.Time) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dosesBucket)
		k := doseKey(chatID, key)
		data := b.Get(k)
		if data == nil {
			return store.ErrNotFound
		}
		var d domain.DoseInstance
		if err := decode(data, &d); err != nil {
			return err
		}
		if d.Expired(at) {
			return store.ErrNotFound
		}
		if d.Status != domain.DoseSent {
			return store.ErrConflict
		}
		confirmed := at.UTC()
		d.Status = domain.DoseConfirmed
		d.ConfirmedAt = &confirmed
		out, err := encode(&d)
		if err != nil {
			return err
		}
		return b.Put(k, out)
	})
	return mapErr("confirm dose", err)
}

func (s *Store) ReleaseDose(ctx context.Context, chatID string, key domain.DoseKey) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dosesBucket)
		k := doseKey(chatID, key)
		data := b.Get(k)
		if data == nil {
			return nil
		}
		var d domain.DoseInstance
		if err := decode(data, &d); err != nil {
			return err
		}
		if d.Status != domain.DoseSent {
			return nil
		}
		return b.Delete(k)
	})
	return mapErr("release dose", err)
}

func (s *Store) ListDoses(ctx context.Context, chatID string, since time.Time) ([]domain.DoseInstance, error) {
	var out []domain.DoseInstance
	prefix := append([]byte(chatID), 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(dosesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var d domain.DoseInstance
			if err := decode(v, &d); err != nil {
				return err
			}
			if !d.DueAt.Before(since) {
				out = append(out, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("list doses", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (s *Store) PurgeDoses(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dosesBucket)
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var d domain.DoseInstance
			if err := decode(v, &d); err != nil {
				return err
			}
			if d.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, mapErr("purge doses", err)
	}
	return n, nil
}

func (s *Store) ClaimUpdate(ctx context.Context, updateID int64, now time.Time, ttl time.Duration) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(updatesBucket)
		k := updateKey(updateID)
		if v := b.Get(k); v != nil && now.Before(expiry(v)) {
			return store.ErrDuplicate
		}
		return b.Put(k, expiryValue(now.Add(ttl)))
	})
	return mapErr("claim update", err)
}

func (s *Store) ReleaseUpdate(ctx context.Context, updateID int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(updatesBucket).Delete(updateKey(updateID))
	})
	return mapErr("release update", err)
}

func (s *Store) PurgeUpdates(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(updatesBucket)
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if !now.Before(expiry(v)) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, mapErr("purge updates", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// doseKey groups a chat's doses under a common prefix so ListDoses can seek.
func doseKey(chatID string, k domain.DoseKey) []byte {
	return []byte(chatID + "\x00" + k.String())
}

func updateKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func expiryValue(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func expiry(v []byte) time.Time {
	if len(v) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v)))
}

func mapErr(op string, err error) error {
	switch err {
	case nil, store.ErrNotFound, store.ErrDuplicate, store.ErrConflict:
		return err
	}
	return store.Unavailable(op, err)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(v)
	return buf.Bytes(), err
}

func decode(data []byte, target any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(target)
}
