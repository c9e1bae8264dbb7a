package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// ErrKeyNotFound is returned when a key has no value.
var ErrKeyNotFound = errors.New("key not found")

// Config configures the store.
type Config struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string

	// InMemory keeps everything in RAM; for tests.
	InMemory bool

	// SyncWrites makes every commit durable before returning
	// (default: true).
	SyncWrites bool
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:       path,
		SyncWrites: true,
	}
}

// Store is a durable keyed store with atomic updates.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open creates or opens the store.
func Open(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens an ephemeral store for tests.
func OpenInMemory(logger *zap.Logger) (*Store, error) {
	return Open(&Config{InMemory: true}, logger)
}

// Put JSON-encodes value under key, atomically replacing any prior value.
func (s *Store) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get decodes the value at key into out.
func (s *Store) Get(key string, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return err
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	return nil
}

// Update applies fn to the raw value at key inside one transaction.
// fn receives nil when the key is absent; returning nil bytes deletes
// the key. The read-modify-write is atomic.
func (s *Store) Update(key string, fn func(current []byte) ([]byte, error)) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var current []byte
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			current, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// leave current nil
		default:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return txn.Delete([]byte(key))
		}
		return txn.Set([]byte(key), next)
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns every key/value pair under the prefix.
func (s *Store) List(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key())] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
