// Package snapshot is the content-addressed store of immutable entity values.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	lixerrors "lix/internal/errors"
	"lix/internal/metrics"
	"lix/internal/storage"
)

// NoContentID is the sentinel id for "no content", used by deletions. It is
// never written to the store.
const NoContentID = "no-content"

// hashDomain versions the canonical serialization; changing the format means
// bumping it so existing ids are never silently reinterpreted.
const hashDomain = "lix-snapshot-v1\n"

var ErrInvalidID = errors.New("invalid snapshot id")

// Snapshot is an immutable, content-addressed value.
type Snapshot struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

// Options configures the Store.
type Options struct {
	CacheSize       int
	CompressMinSize int
	Logger          *zap.Logger
	Metrics         *metrics.Collector
}

// Store provides deduplicated snapshot storage on top of the engine database.
type Store struct {
	table   storage.Table
	cache   *lru.Cache[string, json.RawMessage]
	codec   *compressor
	loads   singleflight.Group
	logger  *zap.Logger
	metrics *metrics.Collector
}

func New(opts Options) (*Store, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	cache, err := lru.New[string, json.RawMessage](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	codec, err := newCompressor(opts.CompressMinSize)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	return &Store{
		table:   storage.NewTable("snapshot"),
		cache:   cache,
		codec:   codec,
		logger:  opts.Logger,
		metrics: metrics.OrNew(opts.Metrics),
	}, nil
}

// ID computes the content id of value along with its canonical bytes.
// A nil value (or JSON null) yields NoContentID and nil bytes.
func ID(value any) (string, []byte, error) {
	if isNil(value) {
		return NoContentID, nil, nil
	}

	canonical, err := CanonicalJSON(value)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalizing snapshot: %w", err)
	}
	if string(canonical) == "null" {
		return NoContentID, nil, nil
	}

	return hashCanonical(canonical), canonical, nil
}

func hashCanonical(canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Put stores value if no snapshot with the same content exists and returns
// its id. Repeated puts of equal content collapse onto one row.
func (s *Store) Put(txn *storage.Txn, value any) (string, error) {
	id, canonical, err := ID(value)
	if err != nil {
		return "", lixerrors.ValidationError(err.Error(), nil)
	}
	if id == NoContentID {
		return id, nil
	}

	key := s.table.Key(id)
	exists, err := txn.Has(key)
	if err != nil {
		return "", fmt.Errorf("checking snapshot %s: %w", id, err)
	}
	if exists {
		s.metrics.SnapshotsDeduped.Inc()
		return id, nil
	}

	if err := txn.Set(key, s.codec.compress(canonical)); err != nil {
		return "", fmt.Errorf("storing snapshot %s: %w", id, err)
	}
	s.metrics.SnapshotsStored.Inc()
	return id, nil
}

// Get returns the canonical content of a snapshot; NoContentID yields nil.
func (s *Store) Get(txn *storage.Txn, id string) (json.RawMessage, error) {
	if id == NoContentID {
		return nil, nil
	}
	if !isValidID(id) {
		return nil, lixerrors.ValidationError(fmt.Sprintf("snapshot id %q", id), nil)
	}

	if content, ok := s.cache.Get(id); ok {
		s.metrics.SnapshotCacheHits.Inc()
		return content, nil
	}
	s.metrics.SnapshotCacheMiss.Inc()

	// Rows seen by a read-write transaction may still be rolled back, so
	// those reads neither fill the cache nor join a shared load.
	if txn.Writable() {
		return s.load(txn, id)
	}

	// Concurrent misses on one id share a single read. Errors are not
	// shared: a row may be visible to one transaction and not another.
	v, err, shared := s.loads.Do(id, func() (any, error) {
		content, err := s.load(txn, id)
		if err == nil {
			s.cache.Add(id, content)
		}
		return content, err
	})
	if err != nil && shared {
		v, err = s.load(txn, id)
	}
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (s *Store) load(txn *storage.Txn, id string) (json.RawMessage, error) {
	stored, err := txn.Get(s.table.Key(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, lixerrors.NotFoundf("snapshot %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", id, err)
	}

	content, err := s.codec.decompress(stored)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", id, err)
	}

	if hashCanonical(content) != id {
		s.logger.Error("snapshot hash mismatch", zap.String("snapshot_id", id))
		return nil, lixerrors.Internal("snapshot hash mismatch", ErrInvalidID)
	}

	return content, nil
}

// Has reports whether a snapshot row exists. NoContentID always exists.
func (s *Store) Has(txn *storage.Txn, id string) (bool, error) {
	if id == NoContentID {
		return true, nil
	}
	return txn.Has(s.table.Key(id))
}

// Count returns the number of stored snapshot rows.
func (s *Store) Count(txn *storage.Txn) (int, error) {
	keys, err := txn.Keys(s.table.Prefix())
	return len(keys), err
}

func isValidID(id string) bool {
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	switch v := value.(type) {
	case json.RawMessage:
		return len(v) == 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
