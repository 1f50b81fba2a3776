package version

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix/internal/change"
	"lix/internal/changeset"
	"lix/internal/conflict"
	lixerrors "lix/internal/errors"
	"lix/internal/file"
	"lix/internal/metrics"
	"lix/internal/plugin"
	"lix/internal/plugin/jsonplugin"
	"lix/internal/snapshot"
	"lix/internal/storage"
)

// countingPlugin wraps the JSON plugin and counts ApplyChanges calls.
type countingPlugin struct {
	*jsonplugin.Plugin
	applies atomic.Int32
}

func (p *countingPlugin) ApplyChanges(ctx context.Context, f plugin.FileRef, changes []plugin.ChangeWithSnapshot) ([]byte, error) {
	p.applies.Add(1)
	return p.Plugin.ApplyChanges(ctx, f, changes)
}

type fixture struct {
	db        *storage.DB
	store     *Store
	graph     *change.Graph
	files     *file.Store
	snapshots *snapshot.Store
	plugin    *countingPlugin
	metrics   *metrics.Collector
}

func setupTestVersions(t *testing.T) *fixture {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := metrics.NewCollector("test")
	snapshots, err := snapshot.New(snapshot.Options{Metrics: m})
	require.NoError(t, err)

	p := &countingPlugin{Plugin: jsonplugin.New("")}
	registry, err := plugin.NewRegistry(p)
	require.NoError(t, err)

	sets := changeset.NewStore()
	graph := change.NewGraph(sets, snapshots, nil, m)
	files := file.NewStore()

	store := NewStore(Options{
		Sets:      sets,
		Graph:     graph,
		Files:     files,
		Snapshots: snapshots,
		Plugins:   registry,
		Conflicts: conflict.NewEngine(graph, nil, m),
		Metrics:   m,
	})

	require.NoError(t, db.Update(func(txn *storage.Txn) error {
		_, err := store.EnsureMain(txn)
		return err
	}))

	return &fixture{db: db, store: store, graph: graph, files: files, snapshots: snapshots, plugin: p, metrics: m}
}

func (f *fixture) current(t *testing.T) *Version {
	var v *Version
	require.NoError(t, f.db.View(func(txn *storage.Txn) error {
		var err error
		v, err = f.store.Current(txn)
		return err
	}))
	return v
}

// record appends a change for one entity on top of its head in v and
// rematerializes the file when v is current.
func (f *fixture) record(t *testing.T, v *Version, fileID, pluginKey, entityID string, value any) *change.Change {
	var c *change.Change
	require.NoError(t, f.db.Update(func(txn *storage.Txn) error {
		id, err := f.snapshots.Put(txn, value)
		if err != nil {
			return err
		}
		var parents []string
		prev := ""
		head, err := f.store.Head(txn, v.ChangeSetID, fileID, entityID)
		if err == nil {
			parents = []string{head.ID}
			prev = head.ID
		} else if !lixerrors.IsNotFound(err) {
			return err
		}
		c, err = f.graph.CreateChange(txn, change.NewChange{
			EntityID: entityID, FileID: fileID, PluginKey: pluginKey, Type: "test", SnapshotID: id,
		}, parents)
		if err != nil {
			return err
		}
		if err := f.store.Advance(txn, v.ChangeSetID, prev, c); err != nil {
			return err
		}
		cur, err := f.store.Current(txn)
		if err != nil {
			return err
		}
		if cur.ID == v.ID {
			return f.store.Rematerialize(context.Background(), txn, v.ChangeSetID, fileID)
		}
		return nil
	}))
	return c
}

func (f *fixture) createFile(t *testing.T, v *Version, fileID, path string) {
	f.record(t, v, fileID, file.DescriptorPluginKey, file.DescriptorEntityID, file.Descriptor{Path: path})
}

func (f *fixture) setKey(t *testing.T, v *Version, fileID, key string, value any) *change.Change {
	return f.record(t, v, fileID, jsonplugin.Key, "/"+key, jsonplugin.Property{Value: value})
}

func (f *fixture) fork(t *testing.T, parent *Version, name string) *Version {
	var v *Version
	require.NoError(t, f.db.Update(func(txn *storage.Txn) error {
		var err error
		v, err = f.store.Create(txn, CreateOptions{Name: name, ParentID: parent.ID})
		return err
	}))
	return v
}

func (f *fixture) switchTo(t *testing.T, v *Version) bool {
	var switched bool
	require.NoError(t, f.db.Update(func(txn *storage.Txn) error {
		var err error
		switched, err = f.store.Switch(context.Background(), txn, v)
		return err
	}))
	return switched
}

// readFile returns the decoded File row, or nil when it does not exist.
func (f *fixture) readFile(t *testing.T, fileID string) map[string]any {
	var doc map[string]any
	require.NoError(t, f.db.View(func(txn *storage.Txn) error {
		row, err := f.files.Get(txn, fileID)
		if lixerrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(row.Data, &doc)
	}))
	return doc
}

func (f *fixture) changeCount(t *testing.T) int {
	n := 0
	require.NoError(t, f.db.View(func(txn *storage.Txn) error {
		keys, err := txn.Keys([]byte("change:"))
		n = len(keys)
		return err
	}))
	return n
}

func TestCreate(t *testing.T) {
	f := setupTestVersions(t)
	main := f.current(t)
	assert.Equal(t, MainName, main.Name)

	f.createFile(t, main, "f1", "/a.json")
	f.setKey(t, main, "f1", "foo", "bar")

	branch := f.fork(t, main, "feature")
	assert.Equal(t, main.ID, branch.ParentID)
	assert.NotEqual(t, main.ChangeSetID, branch.ChangeSetID)

	require.NoError(t, f.db.View(func(txn *storage.Txn) error {
		a, err := f.store.Heads(txn, main.ChangeSetID, "f1")
		require.NoError(t, err)
		b, err := f.store.Heads(txn, branch.ChangeSetID, "f1")
		require.NoError(t, err)
		assert.Equal(t, a, b)

		byName, err := f.store.GetByName(txn, "feature")
		require.NoError(t, err)
		assert.Equal(t, branch.ID, byName.ID)

		resolved, err := f.store.Resolve(txn, "feature")
		require.NoError(t, err)
		assert.Equal(t, branch.ID, resolved.ID)

		all, err := f.store.List(txn)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, MainName, all[0].Name)

		_, err = f.store.Get(txn, "missing")
		assert.True(t, lixerrors.IsNotFound(err))
		return nil
	}))

	err := f.db.Update(func(txn *storage.Txn) error {
		_, err := f.store.Create(txn, CreateOptions{Name: "feature"})
		return err
	})
	assert.True(t, lixerrors.IsConstraint(err, "version_name_unique"))

	err = f.db.Update(func(txn *storage.Txn) error {
		_, err := f.store.Create(txn, CreateOptions{Name: "orphan", ParentID: "missing"})
		return err
	})
	assert.True(t, lixerrors.IsNotFound(err))
}

func TestSwitchIsolation(t *testing.T) {
	f := setupTestVersions(t)
	a := f.current(t)
	f.createFile(t, a, "f1", "/config.json")
	f.setKey(t, a, "f1", "other", 1)

	b := f.fork(t, a, "b")
	f.setKey(t, a, "f1", "foo", "bar")
	assert.Equal(t, map[string]any{"other": 1.0, "foo": "bar"}, f.readFile(t, "f1"))

	before := f.changeCount(t)
	require.True(t, f.switchTo(t, b))
	assert.Equal(t, map[string]any{"other": 1.0}, f.readFile(t, "f1"))

	f.setKey(t, b, "f1", "foo", "baz")
	assert.Equal(t, "baz", f.readFile(t, "f1")["foo"])

	require.True(t, f.switchTo(t, a))
	assert.Equal(t, "bar", f.readFile(t, "f1")["foo"])

	require.True(t, f.switchTo(t, b))
	assert.Equal(t, "baz", f.readFile(t, "f1")["foo"])

	// Only the edit made in b added a change row.
	assert.Equal(t, before+1, f.changeCount(t))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.VersionSwitches))
}

func TestSwitchToCurrentIsNoop(t *testing.T) {
	f := setupTestVersions(t)
	a := f.current(t)
	f.createFile(t, a, "f1", "/a.json")
	f.setKey(t, a, "f1", "k", "v")

	applies := f.plugin.applies.Load()
	assert.False(t, f.switchTo(t, a))
	assert.Equal(t, applies, f.plugin.applies.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.VersionSwitches))
}

func TestSwitchFileDeletion(t *testing.T) {
	f := setupTestVersions(t)
	a := f.current(t)
	f.createFile(t, a, "f1", "/keep.json")
	f.setKey(t, a, "f1", "k", "v")
	f.createFile(t, a, "f2", "/other.json")
	f.setKey(t, a, "f2", "x", 1)

	b := f.fork(t, a, "b")
	applies := f.plugin.applies.Load()
	f.switchTo(t, b)
	assert.Equal(t, applies, f.plugin.applies.Load(), "fresh fork shares every head")

	f.record(t, b, "f1", jsonplugin.Key, "/k", nil)
	f.record(t, b, "f1", file.DescriptorPluginKey, file.DescriptorEntityID, nil)
	assert.Nil(t, f.readFile(t, "f1"))

	applies = f.plugin.applies.Load()
	f.switchTo(t, a)
	assert.Equal(t, map[string]any{"k": "v"}, f.readFile(t, "f1"))
	assert.Equal(t, applies+1, f.plugin.applies.Load(), "only the diverged file is rebuilt")

	f.switchTo(t, b)
	assert.Nil(t, f.readFile(t, "f1"))
	assert.Equal(t, map[string]any{"x": 1.0}, f.readFile(t, "f2"))

	require.NoError(t, f.db.View(func(txn *storage.Txn) error {
		live, err := f.store.Files(txn, b.ChangeSetID)
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, "/other.json", live[0].Path)

		live, err = f.store.Files(txn, a.ChangeSetID)
		require.NoError(t, err)
		assert.Len(t, live, 2)
		return nil
	}))
}

func TestMaterializeReadOnly(t *testing.T) {
	f := setupTestVersions(t)
	a := f.current(t)
	f.createFile(t, a, "f1", "/a.json")
	f.setKey(t, a, "f1", "k", "one")
	b := f.fork(t, a, "b")
	f.setKey(t, b, "f1", "k", "two")

	require.NoError(t, f.db.View(func(txn *storage.Txn) error {
		got, ok, err := f.store.Materialize(context.Background(), txn, b.ChangeSetID, "f1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"k":"two"}`, string(got.Data))

		_, ok, err = f.store.Materialize(context.Background(), txn, b.ChangeSetID, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
	assert.Equal(t, "one", f.readFile(t, "f1")["k"])
}

func TestMerge(t *testing.T) {
	f := setupTestVersions(t)
	main := f.current(t)
	f.createFile(t, main, "f1", "/a.json")
	f.setKey(t, main, "f1", "shared", "base")
	f.setKey(t, main, "f1", "kept", "base")

	feature := f.fork(t, main, "feature")
	f.setKey(t, feature, "f1", "shared", "feature")
	f.setKey(t, feature, "f1", "added", "new")

	merge := func(source, target *Version) *MergeResult {
		var res *MergeResult
		require.NoError(t, f.db.Update(func(txn *storage.Txn) error {
			var err error
			res, err = f.store.Merge(context.Background(), txn, source, target)
			return err
		}))
		return res
	}

	t.Run("fast forward", func(t *testing.T) {
		res := merge(feature, main)
		assert.Equal(t, 1, res.Added)
		assert.Equal(t, 1, res.FastForwarded)
		assert.Empty(t, res.Conflicts)
		assert.Equal(t, []string{"f1"}, res.Files)
		assert.Equal(t, map[string]any{"shared": "feature", "kept": "base", "added": "new"}, f.readFile(t, "f1"))
	})

	t.Run("divergent heads conflict", func(t *testing.T) {
		mainEdit := f.setKey(t, main, "f1", "kept", "main")
		featureEdit := f.setKey(t, feature, "f1", "kept", "feature")

		res := merge(feature, main)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, mainEdit.ID, res.Conflicts[0].ChangeID)
		assert.Equal(t, featureEdit.ID, res.Conflicts[0].ConflictingChangeID)
		assert.Equal(t, "main", f.readFile(t, "f1")["kept"])
	})

	t.Run("older source head is kept out", func(t *testing.T) {
		res := merge(main, feature)
		assert.Zero(t, res.Added)
		assert.Len(t, res.Conflicts, 1)
	})

	t.Run("self merge", func(t *testing.T) {
		err := f.db.Update(func(txn *storage.Txn) error {
			_, err := f.store.Merge(context.Background(), txn, main, main)
			return err
		})
		assert.True(t, lixerrors.IsValidation(err))
	})
}
