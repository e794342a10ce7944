// Package progress implements the volatile progress store on badger.
//
// The store mirrors per-stage repeat counters and live status while a run
// is active. Every key carries a TTL: the store is disposable and never
// the system of record.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/fleetsim/fleetsim/internal/domain"
)

type Store struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Open creates a badger-backed store at dir. An empty dir opens an
// in-memory instance, which tests rely on.
func Open(dir string, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		ttl:    ttl,
		logger: logger.With("component", "progress-store"),
	}, nil
}

func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}

	var next int64
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		next = current + 1
		return s.setWithTTL(txn, key, []byte(strconv.FormatInt(next, 10)))
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) Get(ctx context.Context, key string) (int64, bool, error) {
	if err := s.guard(ctx); err != nil {
		return 0, false, err
	}

	var (
		value  int64
		exists bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return value, exists, err
}

func (s *Store) SetStatus(ctx context.Context, key string, status string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return s.setWithTTL(txn, key, []byte(status))
	})
}

func (s *Store) Status(ctx context.Context, key string) (string, bool, error) {
	if err := s.guard(ctx); err != nil {
		return "", false, err
	}

	var (
		status string
		exists bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		status = string(raw)
		exists = true
		return nil
	})
	return status, exists, err
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			s.logger.Warn("failed to delete progress key", "key", string(key), "error", err.Error())
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	return nil
}

func (s *Store) setWithTTL(txn *badger.Txn, key string, value []byte) error {
	entry := badger.NewEntry([]byte(key), value)
	if s.ttl > 0 {
		entry = entry.WithTTL(s.ttl)
	}
	return txn.SetEntry(entry)
}

func readCounter(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}
