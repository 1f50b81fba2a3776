package change

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lixerrors "lix/internal/errors"
	"lix/internal/storage"
)

// memberSet is an in-memory Membership keyed by change set id.
type memberSet map[string]map[string]bool

func (m memberSet) Contains(_ *storage.Txn, changeSetID, changeID string) (bool, error) {
	return m[changeSetID][changeID], nil
}

func setupTestGraph(t *testing.T) (*storage.DB, *Graph, memberSet) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sets := memberSet{}
	return db, NewGraph(sets, nil, nil, nil), sets
}

func create(t *testing.T, db *storage.DB, g *Graph, entity string, parents ...string) *Change {
	var c *Change
	require.NoError(t, db.Update(func(txn *storage.Txn) error {
		var err error
		c, err = g.CreateChange(txn, NewChange{
			EntityID:   entity,
			FileID:     "file-1",
			PluginKey:  "test",
			Type:       "property",
			SnapshotID: "no-content",
		}, parents)
		return err
	}))
	return c
}

func TestCreateChange(t *testing.T) {
	db, g, _ := setupTestGraph(t)

	t.Run("creates change and edges", func(t *testing.T) {
		a := create(t, db, g, "foo")
		b := create(t, db, g, "foo", a.ID, a.ID)

		require.NoError(t, db.View(func(txn *storage.Txn) error {
			parents, err := g.Parents(txn, b.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{a.ID}, parents)

			children, err := g.Children(txn, a.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{b.ID}, children)
			return nil
		}))
		assert.True(t, b.CreatedAt.After(a.CreatedAt))
	})

	t.Run("unknown parent is rejected and nothing is written", func(t *testing.T) {
		err := db.Update(func(txn *storage.Txn) error {
			_, err := g.CreateChange(txn, NewChange{
				EntityID: "bar", FileID: "file-1", PluginKey: "test", SnapshotID: "no-content",
			}, []string{"does-not-exist"})
			return err
		})
		assert.True(t, lixerrors.IsConstraint(err, "change_edge_parent_exists"))

		require.NoError(t, db.View(func(txn *storage.Txn) error {
			changes, err := g.ForEntity(txn, "file-1", "bar")
			assert.Empty(t, changes)
			return err
		}))
	})

	t.Run("required columns", func(t *testing.T) {
		err := db.Update(func(txn *storage.Txn) error {
			_, err := g.CreateChange(txn, NewChange{FileID: "f"}, nil)
			return err
		})
		assert.True(t, lixerrors.IsValidation(err))
	})
}

func TestInsertEdge(t *testing.T) {
	db, g, _ := setupTestGraph(t)
	a := create(t, db, g, "foo")
	b := create(t, db, g, "foo", a.ID)

	t.Run("self reference", func(t *testing.T) {
		err := db.Update(func(txn *storage.Txn) error { return g.InsertEdge(txn, a.ID, a.ID) })
		assert.True(t, lixerrors.IsConstraint(err, "change_edge_no_self_reference"))
	})

	t.Run("cycle", func(t *testing.T) {
		err := db.Update(func(txn *storage.Txn) error { return g.InsertEdge(txn, b.ID, a.ID) })
		assert.True(t, lixerrors.IsConstraint(err, "change_edge_acyclic"))
	})

	t.Run("duplicate", func(t *testing.T) {
		err := db.Update(func(txn *storage.Txn) error { return g.InsertEdge(txn, a.ID, b.ID) })
		assert.True(t, lixerrors.IsConstraint(err, "change_edge_unique"))
	})
}

func TestLeafOf(t *testing.T) {
	db, g, sets := setupTestGraph(t)

	t.Run("linear chain", func(t *testing.T) {
		a := create(t, db, g, "foo")
		b := create(t, db, g, "foo", a.ID)
		c := create(t, db, g, "foo", b.ID)

		require.NoError(t, db.View(func(txn *storage.Txn) error {
			for _, start := range []*Change{a, b, c} {
				leaf, err := g.LeafOf(txn, start.ID, "")
				require.NoError(t, err)
				assert.Equal(t, c.ID, leaf.ID)
			}
			return nil
		}))
	})

	t.Run("long chain", func(t *testing.T) {
		first := create(t, db, g, "deep")
		last := first
		for i := 0; i < 500; i++ {
			last = create(t, db, g, "deep", last.ID)
		}
		sets["deep-set"] = map[string]bool{last.ID: true}

		require.NoError(t, db.View(func(txn *storage.Txn) error {
			leaf, err := g.LeafOf(txn, first.ID, "deep-set")
			require.NoError(t, err)
			assert.Equal(t, last.ID, leaf.ID)

			in, err := g.IsInChangeSet(txn, first.ID, "deep-set")
			require.NoError(t, err)
			assert.True(t, in)
			return nil
		}))
	})

	t.Run("fork is scoped by change set", func(t *testing.T) {
		root := create(t, db, g, "fork")
		left := create(t, db, g, "fork", root.ID)
		right := create(t, db, g, "fork", root.ID)
		sets["left"] = map[string]bool{left.ID: true}
		sets["right"] = map[string]bool{right.ID: true}

		require.NoError(t, db.View(func(txn *storage.Txn) error {
			leaf, err := g.LeafOf(txn, root.ID, "left")
			require.NoError(t, err)
			assert.Equal(t, left.ID, leaf.ID)

			leaf, err = g.LeafOf(txn, root.ID, "right")
			require.NoError(t, err)
			assert.Equal(t, right.ID, leaf.ID)

			_, err = g.LeafOf(txn, root.ID, "")
			assert.True(t, lixerrors.IsConstraint(err, "leaf_unique"))
			return nil
		}))
	})

	t.Run("diamond converges", func(t *testing.T) {
		root := create(t, db, g, "diamond")
		l := create(t, db, g, "diamond", root.ID)
		r := create(t, db, g, "diamond", root.ID)
		merge := create(t, db, g, "diamond", l.ID, r.ID)

		require.NoError(t, db.View(func(txn *storage.Txn) error {
			leaf, err := g.LeafOf(txn, root.ID, "")
			require.NoError(t, err)
			assert.Equal(t, merge.ID, leaf.ID)
			return nil
		}))
	})
}

func TestIsInChangeSet(t *testing.T) {
	db, g, sets := setupTestGraph(t)
	a := create(t, db, g, "foo")
	b := create(t, db, g, "foo", a.ID)
	other := create(t, db, g, "foo", a.ID)
	sets["main"] = map[string]bool{b.ID: true}

	require.NoError(t, db.View(func(txn *storage.Txn) error {
		for id, want := range map[string]bool{a.ID: true, b.ID: true, other.ID: false} {
			got, err := g.IsInChangeSet(txn, id, "main")
			require.NoError(t, err)
			assert.Equal(t, want, got, id)
		}

		_, err := g.IsInChangeSet(txn, "unknown", "main")
		assert.True(t, lixerrors.IsNotFound(err))
		return nil
	}))
}

func TestAncestry(t *testing.T) {
	db, g, _ := setupTestGraph(t)
	a := create(t, db, g, "foo")
	b := create(t, db, g, "foo", a.ID)
	c := create(t, db, g, "foo", b.ID)
	side := create(t, db, g, "foo", a.ID)

	require.NoError(t, db.View(func(txn *storage.Txn) error {
		ok, err := g.IsAncestor(txn, a.ID, c.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = g.IsAncestor(txn, c.ID, a.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		related, err := g.Related(txn, c.ID, side.ID)
		require.NoError(t, err)
		assert.False(t, related)

		history, err := g.History(txn, c.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{history[0].ID, history[1].ID, history[2].ID})

		var below []string
		require.NoError(t, g.Descendants(txn, a.ID, func(d *Change) error {
			below = append(below, d.ID)
			return nil
		}))
		assert.ElementsMatch(t, []string{b.ID, c.ID, side.ID}, below)

		below = nil
		require.NoError(t, g.Descendants(txn, c.ID, func(d *Change) error {
			below = append(below, d.ID)
			return nil
		}))
		assert.Empty(t, below)
		return nil
	}))
}
