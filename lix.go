// Package lix is an embedded change-control engine. It records per-entity
// edits of arbitrary files as an append-only graph of changes, groups them
// into versions that can fork, switch and merge, and materializes file bytes
// for the active version through format plugins.
package lix

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lix/internal/change"
	"lix/internal/changeset"
	"lix/internal/config"
	"lix/internal/conflict"
	lixerrors "lix/internal/errors"
	"lix/internal/file"
	"lix/internal/logging"
	"lix/internal/metrics"
	"lix/internal/plugin"
	"lix/internal/plugin/jsonplugin"
	"lix/internal/plugin/yamlplugin"
	"lix/internal/queue"
	"lix/internal/snapshot"
	"lix/internal/storage"
	"lix/internal/version"
)

type (
	Plugin             = plugin.Plugin
	FileData           = plugin.FileData
	FileRef            = plugin.FileRef
	DetectedChange     = plugin.DetectedChange
	ChangeWithSnapshot = plugin.ChangeWithSnapshot

	Change      = change.Change
	Version     = version.Version
	MergeResult = version.MergeResult
	File        = file.File
	Conflict    = conflict.Conflict
	Entry       = queue.Entry
)

// NoContentID is the snapshot id of deleted entities.
const NoContentID = snapshot.NoContentID

// ErrNotSettled is wrapped by Settle when its context ends first.
var ErrNotSettled = queue.ErrNotSettled

// DefaultPlugins returns the document plugins shipped with lix.
func DefaultPlugins() []Plugin {
	return []Plugin{jsonplugin.New(""), yamlplugin.New("")}
}

type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	// Plugins defaults to DefaultPlugins().
	Plugins []Plugin
	Logger  *zap.Logger
	// ManualProcessing disables background workers; the queue then only
	// advances through ProcessNext, Retry and Settle.
	ManualProcessing bool
}

type Engine struct {
	db        *storage.DB
	snapshots *snapshot.Store
	sets      *changeset.Store
	graph     *change.Graph
	files     *file.Store
	versions  *version.Store
	conflicts *conflict.Engine
	queue     *queue.Queue
	plugins   *plugin.Registry
	logger    *zap.Logger
	metrics   *metrics.Collector

	cancel context.CancelFunc
	done   chan error
}

// Open opens or creates the store and activates the main version if no
// version is active yet.
func Open(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := &logging.Logger{Logger: opts.Logger}
	if opts.Logger == nil {
		log = logging.Nop()
	}
	plugins := opts.Plugins
	if plugins == nil {
		plugins = DefaultPlugins()
	}

	registry, err := plugin.NewRegistry(plugins...)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(storage.Options{Path: cfg.Database.Path, InMemory: cfg.Database.InMemory})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		db:      db,
		sets:    changeset.NewStore(),
		files:   file.NewStore(),
		plugins: registry,
		logger:  log.Component("engine"),
		metrics: metrics.NewCollector("lix"),
	}

	e.snapshots, err = snapshot.New(snapshot.Options{
		CacheSize:       cfg.Snapshot.CacheSize,
		CompressMinSize: cfg.Snapshot.CompressMinSize,
		Logger:          log.Component("snapshot"),
		Metrics:         e.metrics,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	e.graph = change.NewGraph(e.sets, e.snapshots, log.Component("graph"), e.metrics)
	e.conflicts = conflict.NewEngine(e.graph, log.Component("conflict"), e.metrics)
	e.versions = version.NewStore(version.Options{
		Sets:      e.sets,
		Graph:     e.graph,
		Files:     e.files,
		Snapshots: e.snapshots,
		Plugins:   registry,
		Conflicts: e.conflicts,
		Logger:    log.Component("version"),
		Metrics:   e.metrics,
	})

	if err := db.Update(func(txn *storage.Txn) error {
		_, err := e.versions.EnsureMain(txn)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("activating main version: %w", err)
	}

	e.queue, err = queue.New(queue.Options{
		DB:          db,
		Snapshots:   e.snapshots,
		Graph:       e.graph,
		Files:       e.files,
		Versions:    e.versions,
		Plugins:     registry,
		Logger:      log.Component("queue"),
		Metrics:     e.metrics,
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if !opts.ManualProcessing {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.done = make(chan error, 1)
		go func() { e.done <- e.queue.Run(ctx) }()
	}

	e.logger.Info("engine opened",
		zap.String("path", cfg.Database.Path),
		zap.Bool("in_memory", cfg.Database.InMemory),
		zap.Strings("plugins", registry.Keys()))
	return e, nil
}

// Close stops the workers and closes the store. Pending entries survive and
// are processed after the next Open.
func (e *Engine) Close() error {
	var err error
	if e.cancel != nil {
		e.cancel()
		err = multierr.Append(err, <-e.done)
	}
	err = multierr.Append(err, e.queue.Close())
	err = multierr.Append(err, e.db.Close())
	return err
}

func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

func (e *Engine) Plugins() *plugin.Registry {
	return e.plugins
}

// Enqueue records a write of data to path. Detection happens later, in the
// background or on Settle.
func (e *Engine) Enqueue(ctx context.Context, path string, data []byte, metadata map[string]any) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.queue.Enqueue(path, data, metadata)
}

// EnqueueDelete records the deletion of the file at path.
func (e *Engine) EnqueueDelete(ctx context.Context, path string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.queue.EnqueueDelete(path)
}

func (e *Engine) ProcessNext(ctx context.Context, fileID string) (*Entry, error) {
	return e.queue.ProcessNext(ctx, fileID)
}

func (e *Engine) Retry(ctx context.Context, entryID uint64) (*Entry, error) {
	return e.queue.Retry(ctx, entryID)
}

// Settle waits until the queue has drained. Failed entries are reported
// together; they stay queued for Retry.
func (e *Engine) Settle(ctx context.Context) error {
	return e.queue.Settle(ctx)
}

func (e *Engine) Pending(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		out, err = e.queue.Pending(txn)
		return err
	})
	return out, err
}

// CreateVersion creates a version, forked from parent when it is non-empty.
// Versions are referenced by id or name.
func (e *Engine) CreateVersion(ctx context.Context, name, parent string) (*Version, error) {
	var v *Version
	err := e.db.Update(func(txn *storage.Txn) error {
		opts := version.CreateOptions{Name: name}
		if parent != "" {
			p, err := e.versions.Resolve(txn, parent)
			if err != nil {
				return err
			}
			opts.ParentID = p.ID
		}
		var err error
		v, err = e.versions.Create(txn, opts)
		return err
	})
	return v, err
}

// SwitchVersion activates a version and rebuilds the files that differ.
func (e *Engine) SwitchVersion(ctx context.Context, ref string) (*Version, error) {
	var v *Version
	err := e.db.Update(func(txn *storage.Txn) error {
		var err error
		if v, err = e.versions.Resolve(txn, ref); err != nil {
			return err
		}
		_, err = e.versions.Switch(ctx, txn, v)
		return err
	})
	return v, err
}

// MergeVersion merges the heads of source into target.
func (e *Engine) MergeVersion(ctx context.Context, source, target string) (*MergeResult, error) {
	var res *MergeResult
	err := e.db.Update(func(txn *storage.Txn) error {
		src, err := e.versions.Resolve(txn, source)
		if err != nil {
			return err
		}
		dst, err := e.versions.Resolve(txn, target)
		if err != nil {
			return err
		}
		res, err = e.versions.Merge(ctx, txn, src, dst)
		return err
	})
	return res, err
}

func (e *Engine) CurrentVersion(ctx context.Context) (*Version, error) {
	var v *Version
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		v, err = e.versions.Current(txn)
		return err
	})
	return v, err
}

func (e *Engine) Version(ctx context.Context, ref string) (*Version, error) {
	var v *Version
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		v, err = e.versions.Resolve(txn, ref)
		return err
	})
	return v, err
}

func (e *Engine) Versions(ctx context.Context) ([]Version, error) {
	var out []Version
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		out, err = e.versions.List(txn)
		return err
	})
	return out, err
}

// File returns the materialized file at path in the current version.
func (e *Engine) File(ctx context.Context, path string) (*File, error) {
	var f *File
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		f, err = e.files.GetByPath(txn, queue.NormalizePath(path))
		return err
	})
	return f, err
}

// Files lists the materialized files of the current version.
func (e *Engine) Files(ctx context.Context) ([]File, error) {
	var out []File
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		out, err = e.files.List(txn)
		return err
	})
	return out, err
}

// VersionFiles lists the files of any version without their data.
func (e *Engine) VersionFiles(ctx context.Context, ref string) ([]File, error) {
	var out []File
	err := e.db.View(func(txn *storage.Txn) error {
		v, err := e.versions.Resolve(txn, ref)
		if err != nil {
			return err
		}
		out, err = e.versions.Files(txn, v.ChangeSetID)
		return err
	})
	return out, err
}

// MaterializeFile renders a file as it stands in any version without
// touching the materialized rows.
func (e *Engine) MaterializeFile(ctx context.Context, ref, fileID string) (*File, error) {
	var f *File
	err := e.db.View(func(txn *storage.Txn) error {
		v, err := e.versions.Resolve(txn, ref)
		if err != nil {
			return err
		}
		var ok bool
		f, ok, err = e.versions.Materialize(ctx, txn, v.ChangeSetID, fileID)
		if err == nil && !ok {
			err = lixerrors.NotFoundf("file %s not in version %s", fileID, v.Name)
		}
		return err
	})
	return f, err
}

func (e *Engine) Change(ctx context.Context, id string) (*Change, error) {
	var c *Change
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		c, err = e.graph.Get(txn, id)
		return err
	})
	return c, err
}

// History returns a change and its ancestors, newest first.
func (e *Engine) History(ctx context.Context, id string) ([]*Change, error) {
	var out []*Change
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		out, err = e.graph.History(txn, id)
		return err
	})
	return out, err
}

// Descendants returns every change built on top of id, oldest first.
func (e *Engine) Descendants(ctx context.Context, id string) ([]*Change, error) {
	var out []*Change
	err := e.db.View(func(txn *storage.Txn) error {
		if _, err := e.graph.Get(txn, id); err != nil {
			return err
		}
		return e.graph.Descendants(txn, id, func(c *Change) error {
			out = append(out, c)
			return nil
		})
	})
	slices.SortFunc(out, change.ByCreation)
	return out, err
}

// Heads returns the head changes of one file in a version, oldest first.
func (e *Engine) Heads(ctx context.Context, ref, fileID string) ([]*Change, error) {
	var out []*Change
	err := e.db.View(func(txn *storage.Txn) error {
		v, err := e.versions.Resolve(txn, ref)
		if err != nil {
			return err
		}
		out, err = e.versions.Heads(txn, v.ChangeSetID, fileID)
		return err
	})
	return out, err
}

// LeafOf follows child edges from a change to its leaf. A non-empty ref
// restricts the walk to the history of that version.
func (e *Engine) LeafOf(ctx context.Context, changeID, ref string) (*Change, error) {
	var c *Change
	err := e.db.View(func(txn *storage.Txn) error {
		scope := ""
		if ref != "" {
			v, err := e.versions.Resolve(txn, ref)
			if err != nil {
				return err
			}
			scope = v.ChangeSetID
		}
		var err error
		c, err = e.graph.LeafOf(txn, changeID, scope)
		return err
	})
	return c, err
}

// IsInVersion reports whether a change is part of a version's history.
func (e *Engine) IsInVersion(ctx context.Context, changeID, ref string) (bool, error) {
	var in bool
	err := e.db.View(func(txn *storage.Txn) error {
		v, err := e.versions.Resolve(txn, ref)
		if err != nil {
			return err
		}
		in, err = e.graph.IsInChangeSet(txn, changeID, v.ChangeSetID)
		return err
	})
	return in, err
}

func (e *Engine) Snapshot(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		out, err = e.snapshots.Get(txn, id)
		return err
	})
	return out, err
}

// Conflicts lists unresolved conflicts.
func (e *Engine) Conflicts(ctx context.Context) ([]Conflict, error) {
	var out []Conflict
	err := e.db.View(func(txn *storage.Txn) error {
		var err error
		out, err = e.conflicts.Unresolved(txn)
		return err
	})
	return out, err
}

// CreateMergeChange records value as a change whose parents are both sides
// of a conflict. It does not move any head; pass it to ResolveConflict.
func (e *Engine) CreateMergeChange(ctx context.Context, a, b string, value any) (*Change, error) {
	var c *Change
	err := e.db.Update(func(txn *storage.Txn) error {
		left, err := e.graph.Get(txn, a)
		if err != nil {
			return err
		}
		right, err := e.graph.Get(txn, b)
		if err != nil {
			return err
		}
		if left.FileID != right.FileID || left.EntityID != right.EntityID {
			return lixerrors.ValidationError("merge sides edit different entities", nil)
		}
		id, err := e.snapshots.Put(txn, value)
		if err != nil {
			return err
		}
		c, err = e.graph.CreateChange(txn, change.NewChange{
			EntityID:   left.EntityID,
			FileID:     left.FileID,
			PluginKey:  left.PluginKey,
			Type:       left.Type,
			SnapshotID: id,
		}, []string{left.ID, right.ID})
		return err
	})
	return c, err
}

// ResolveConflict marks the conflict between a and b as resolved by with and
// makes with the head of its entity in the version whose merge recorded the
// conflict. The file is rebuilt only when that version is current.
func (e *Engine) ResolveConflict(ctx context.Context, a, b, with string) (*Conflict, error) {
	var c *Conflict
	err := e.db.Update(func(txn *storage.Txn) error {
		var err error
		if c, err = e.conflicts.Resolve(txn, a, b, with); err != nil {
			return err
		}
		winner, err := e.graph.Get(txn, with)
		if err != nil {
			return err
		}
		current, err := e.versions.Current(txn)
		if err != nil {
			return err
		}
		target := c.ChangeSetID
		if target == "" {
			target = current.ChangeSetID
		}

		prev := ""
		head, err := e.versions.Head(txn, target, winner.FileID, winner.EntityID)
		switch {
		case err == nil:
			prev = head.ID
		case !lixerrors.IsNotFound(err):
			return err
		}
		if prev != winner.ID {
			if err := e.versions.Advance(txn, target, prev, winner); err != nil {
				return err
			}
		}
		if target != current.ChangeSetID {
			return nil
		}
		return e.versions.Rematerialize(ctx, txn, target, winner.FileID)
	})
	return c, err
}

// IsConverged reports whether a version has no unresolved conflicts.
func (e *Engine) IsConverged(ctx context.Context, ref string) (bool, error) {
	var ok bool
	err := e.db.View(func(txn *storage.Txn) error {
		v, err := e.versions.Resolve(txn, ref)
		if err != nil {
			return err
		}
		ok, err = e.conflicts.IsConverged(txn, v.ChangeSetID)
		return err
	})
	return ok, err
}
