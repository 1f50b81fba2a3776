// Package queue ingests raw file writes. Enqueue persists a write and returns
// at once; workers later run the owning plugin's detection outside any write
// transaction and commit the resulting snapshots, changes and edges in one
// short transaction.
package queue

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lix/internal/change"
	lixerrors "lix/internal/errors"
	"lix/internal/file"
	"lix/internal/metrics"
	"lix/internal/plugin"
	"lix/internal/snapshot"
	"lix/internal/storage"
	"lix/internal/version"
)

// ErrNotSettled is returned by Settle when its context ends before the queue
// has drained. It is not an engine failure.
var ErrNotSettled = errors.New("queue not yet drained")

const sequenceKey = "change_queue_seq"

// Entry is a pending raw write. Deleted entries remove the file.
type Entry struct {
	ID        uint64         `json:"id"`
	Path      string         `json:"path"`
	FileID    string         `json:"file_id"`
	Data      []byte         `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Options struct {
	DB        *storage.DB
	Snapshots *snapshot.Store
	Graph     *change.Graph
	Files     *file.Store
	Versions  *version.Store
	Plugins   *plugin.Registry
	Logger    *zap.Logger
	Metrics   *metrics.Collector

	// Workers is the number of files processed concurrently by Run.
	Workers int
	// MaxAttempts is how often a worker tries an entry before its file
	// stalls. Values below 1 stall on the first failure.
	MaxAttempts int
}

type Queue struct {
	db        *storage.DB
	seq       *badger.Sequence
	entries   storage.Table
	byFile    storage.Table
	byPath    storage.Table
	snapshots *snapshot.Store
	graph     *change.Graph
	files     *file.Store
	versions  *version.Store
	plugins   *plugin.Registry
	logger    *zap.Logger
	metrics   *metrics.Collector

	workers     int
	maxAttempts int

	mu      sync.Mutex
	claimed map[string]bool
	stalled map[string]error
	running bool
	changed chan struct{}
	wake    chan struct{}
}

func New(opts Options) (*Queue, error) {
	seq, err := opts.DB.Sequence(sequenceKey, 100)
	if err != nil {
		return nil, fmt.Errorf("opening queue sequence: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		db:          opts.DB,
		seq:         seq,
		entries:     storage.NewTable("change_queue"),
		byFile:      storage.NewTable("change_queue_file"),
		byPath:      storage.NewTable("change_queue_path"),
		snapshots:   opts.Snapshots,
		graph:       opts.Graph,
		files:       opts.Files,
		versions:    opts.Versions,
		plugins:     opts.Plugins,
		logger:      logger,
		metrics:     metrics.OrNew(opts.Metrics),
		workers:     workers,
		maxAttempts: opts.MaxAttempts,
		claimed:     make(map[string]bool),
		stalled:     make(map[string]error),
		changed:     make(chan struct{}),
		wake:        make(chan struct{}, 1),
	}, nil
}

// Close releases the unused part of the leased id range.
func (q *Queue) Close() error {
	return q.seq.Release()
}

// NormalizePath returns path in the rooted, cleaned form used as file path.
func NormalizePath(p string) string {
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

func seqKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// Enqueue appends a write of data to path. It never waits for detection.
func (q *Queue) Enqueue(p string, data []byte, metadata map[string]any) (*Entry, error) {
	return q.enqueue(&Entry{Path: p, Data: data, Metadata: metadata})
}

// EnqueueDelete appends a deletion of the file at path.
func (q *Queue) EnqueueDelete(p string) (*Entry, error) {
	return q.enqueue(&Entry{Path: p, Deleted: true})
}

func (q *Queue) enqueue(e *Entry) (*Entry, error) {
	if strings.TrimSpace(e.Path) == "" {
		return nil, lixerrors.ValidationError("path is required", nil)
	}
	e.Path = NormalizePath(e.Path)

	id, err := q.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("allocating queue id: %w", err)
	}
	// Sequence leases start at zero; ids start at one.
	e.ID = id + 1
	e.CreatedAt = time.Now().UTC()

	err = q.db.Update(func(txn *storage.Txn) error {
		fileID, err := q.fileIDFor(txn, e.Path)
		if err != nil {
			return err
		}
		e.FileID = fileID

		if err := q.entries.Insert(txn, e, seqKey(e.ID)); err != nil {
			return err
		}
		if err := q.byFile.Put(txn, e.ID, e.FileID, seqKey(e.ID)); err != nil {
			return err
		}
		return q.byPath.Put(txn, e.FileID, e.Path)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueueing %s: %w", e.Path, err)
	}

	q.metrics.QueueEnqueued.Inc()
	q.logger.Debug("enqueued",
		zap.Uint64("entry_id", e.ID),
		zap.String("path", e.Path),
		zap.String("file_id", e.FileID),
		zap.Bool("deleted", e.Deleted))

	q.mu.Lock()
	q.broadcastLocked()
	q.mu.Unlock()
	q.kick()
	return e, nil
}

// fileIDFor keeps one file id per path: a path with pending writes reuses
// their id, then the materialized file's id, and only then gets a new one.
func (q *Queue) fileIDFor(txn *storage.Txn, p string) (string, error) {
	var id string
	err := q.byPath.Get(txn, &id, p)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	f, err := q.files.GetByPath(txn, p)
	if err == nil {
		return f.ID, nil
	}
	if !lixerrors.IsNotFound(err) {
		return "", err
	}
	return uuid.New().String(), nil
}

// Get loads an entry by id.
func (q *Queue) Get(txn *storage.Txn, id uint64) (*Entry, error) {
	var e Entry
	if err := q.entries.Get(txn, &e, seqKey(id)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lixerrors.NotFoundf("queue entry %d not found", id)
		}
		return nil, err
	}
	return &e, nil
}

// Pending lists every unprocessed entry in submission order.
func (q *Queue) Pending(txn *storage.Txn) ([]Entry, error) {
	return storage.List[Entry](txn, q.entries)
}

// oldest returns the first pending entry of a file, or nil.
func (q *Queue) oldest(txn *storage.Txn, fileID string) (*Entry, error) {
	parts, err := storage.KeyParts(txn, q.byFile, fileID)
	if err != nil || len(parts) == 0 {
		return nil, err
	}
	var e Entry
	if err := q.entries.Get(txn, &e, parts[0][0]); err != nil {
		return nil, fmt.Errorf("loading queue entry %s: %w", parts[0][0], err)
	}
	return &e, nil
}

// pendingFiles returns the ids of files with pending entries, ordered by
// their oldest entry.
func (q *Queue) pendingFiles(txn *storage.Txn) ([]string, error) {
	parts, err := storage.KeyParts(txn, q.byFile)
	if err != nil {
		return nil, err
	}
	first := make(map[string]string)
	for _, p := range parts {
		if cur, ok := first[p[0]]; !ok || p[1] < cur {
			first[p[0]] = p[1]
		}
	}
	ids := make([]string, 0, len(first))
	for id := range first {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return first[ids[i]] < first[ids[j]] })
	return ids, nil
}

// remove deletes a processed entry and its index rows.
func (q *Queue) remove(txn *storage.Txn, e *Entry) error {
	if err := q.entries.Delete(txn, seqKey(e.ID)); err != nil {
		return err
	}
	if err := q.byFile.Delete(txn, e.FileID, seqKey(e.ID)); err != nil {
		return err
	}
	more, err := storage.KeyParts(txn, q.byFile, e.FileID)
	if err != nil {
		return err
	}
	if len(more) == 0 {
		return q.byPath.Delete(txn, e.Path)
	}
	return nil
}
