package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/archivist/storage"
)

const (
	defaultSequenceBandwidth = 100

	// maxTxAttempts bounds retries of a read-write transaction that keeps
	// losing serializable conflicts.
	maxTxAttempts = 32
)

// Backend wraps a BadgerDB instance and provides low-level operations.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
}

// BackendOption configures OpenBackend.
type BackendOption func(*Backend)

// WithLogger sets the logger used by the backend and by badger itself.
func WithLogger(logger *slog.Logger) BackendOption {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBackend opens a BadgerDB database at the specified path, creating the
// directory if it doesn't exist. With inMemory set the path is ignored.
func OpenBackend(filePath string, inMemory bool, opts ...BackendOption) (*Backend, error) {
	b := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "badger")

	var bopts badger.Options
	if inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		info, err := os.Stat(filePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if err := os.MkdirAll(filePath, 0755); err != nil {
				return nil, err
			}
			if info, err = os.Stat(filePath); err != nil {
				return nil, err
			}
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", filePath)
		}
		bopts = badger.DefaultOptions(filePath)
	}

	bopts.Logger = &badgerLoggerAdapter{logger: b.logger}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	b.db = db
	return b, nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IsClosed returns true if the database is closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// WithTx executes a function within a BadgerDB transaction.
// If isWrite is true, creates a read-write transaction which fn must commit.
// The transaction is discarded when WithTx returns.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	return fn(tx)
}

// View runs fn in a read-only transaction.
func (b *Backend) View(fn func(tx *badger.Txn) error) error {
	return b.WithTx(fn, false)
}

// Update runs fn in a read-write transaction and commits it. Badger's
// serializable isolation rejects the commit with badger.ErrConflict when
// another transaction wrote a key fn read; fn is then run again on a fresh
// snapshot, so fn must derive everything it writes from what it reads.
func (b *Backend) Update(ctx context.Context, fn func(tx *badger.Txn) error) error {
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.WithTx(func(tx *badger.Txn) error {
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit()
		}, true)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.logger.Debug("transaction conflict, retrying", "attempt", attempt)
		time.Sleep(time.Duration(attempt) * time.Millisecond)
	}
	return fmt.Errorf("%w: gave up after %d conflicting attempts", storage.ErrTransactionFailed, maxTxAttempts)
}

// GetSequence returns a BadgerDB sequence for generating sequential IDs.
func (b *Backend) GetSequence(name string) (*badger.Sequence, error) {
	return b.db.GetSequence([]byte(name), defaultSequenceBandwidth)
}

// get reads and decodes one value. It returns storage.ErrNotFound for a
// missing key.
func get[T any](tx *badger.Txn, key []byte, decode func([]byte) (T, error)) (T, error) {
	var out T
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return out, storage.ErrNotFound
		}
		return out, err
	}
	err = item.Value(func(val []byte) error {
		var derr error
		out, derr = decode(val)
		return derr
	})
	return out, err
}

// exists reports whether key is present.
func exists(tx *badger.Txn, key []byte) (bool, error) {
	_, err := tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scanKeys returns copies of every key under prefix, starting at seek.
func scanKeys(tx *badger.Txn, prefix, seek []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	defer iter.Close()

	if seek == nil {
		seek = prefix
	}
	var keys [][]byte
	for iter.Seek(seek); iter.Valid(); iter.Next() {
		keys = append(keys, iter.Item().KeyCopy(nil))
	}
	return keys
}

// scan calls fn with every key under prefix, starting at seek, together with
// its value. Both slices are only valid during the call.
func scan(tx *badger.Txn, prefix, seek []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	iter := tx.NewIterator(opts)
	defer iter.Close()

	if seek == nil {
		seek = prefix
	}
	for iter.Seek(seek); iter.Valid(); iter.Next() {
		item := iter.Item()
		err := item.Value(func(val []byte) error {
			return fn(item.Key(), val)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// timestamp returns the current time at the precision records are stored.
func timestamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
