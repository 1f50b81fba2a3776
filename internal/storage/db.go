package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrExists   = errors.New("key already exists")
)

// Options selects where the embedded store lives.
type Options struct {
	Path     string
	InMemory bool
}

// DB is the embedded, single-writer store every engine table lives in. Update
// transactions are serialized so two writers never race on the same keys;
// View transactions run concurrently against a consistent snapshot.
type DB struct {
	db      *badger.DB
	writeMu sync.Mutex
}

// getDBOptions returns BadgerDB options for the requested mode. In-memory
// stores keep a single version and skip badger's own logging.
func getDBOptions(opts Options) badger.Options {
	if opts.InMemory {
		return badger.DefaultOptions("").
			WithInMemory(true).
			WithNumVersionsToKeep(1).
			WithLogger(nil)
	}
	return badger.DefaultOptions(opts.Path).
		WithLoggingLevel(badger.WARNING)
}

// Open initializes the badger store described by opts.
func Open(opts Options) (*DB, error) {
	if !opts.InMemory {
		if opts.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := badger.Open(getDBOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &DB{db: db}, nil
}

// OpenInMemory is a shorthand used heavily by tests.
func OpenInMemory() (*DB, error) {
	return Open(Options{InMemory: true})
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Update runs fn in a read-write transaction. Only one Update runs at a time.
func (d *DB) Update(fn func(txn *Txn) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return d.db.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, writable: true})
	})
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(txn *Txn) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	})
}

// Sequence returns a monotonically increasing leased sequence stored under key.
func (d *DB) Sequence(key string, bandwidth uint64) (*badger.Sequence, error) {
	return d.db.GetSequence([]byte(key), bandwidth)
}

// Txn wraps a badger transaction with JSON and prefix helpers. Read-write
// transactions allow a single open iterator, so callbacks passed to Scan must
// not start another scan.
type Txn struct {
	txn      *badger.Txn
	writable bool
}

// Writable reports whether the transaction may write, in which case what it
// reads is not yet committed.
func (t *Txn) Writable() bool {
	return t.writable
}

func (t *Txn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *Txn) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Txn) Set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *Txn) Delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *Txn) GetJSON(key []byte, v any) error {
	data, err := t.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (t *Txn) SetJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling value: %w", err)
	}
	return t.txn.Set(key, data)
}

// Scan calls fn for every key under prefix in key order. Returning errStop
// from fn ends the scan early without error.
func (t *Txn) Scan(prefix []byte, withValues bool, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = withValues

	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)

		var value []byte
		if withValues {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			value = v
		}

		if err := fn(key, value); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ErrStop ends a Scan early.
var ErrStop = errors.New("stop scan")

// Keys collects the keys under prefix, so callers can issue further reads
// without holding an iterator open.
func (t *Txn) Keys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := t.Scan(prefix, false, func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}
