package change

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	lixerrors "lix/internal/errors"
	"lix/internal/metrics"
	"lix/internal/storage"
)

// Graph stores changes and the parent/child edges between them. Edges are
// indexed in both directions so ancestor and descendant walks each need only
// a prefix scan per visited node.
type Graph struct {
	changes  storage.Table
	edges    storage.Table
	byEntity storage.Table

	sets      Membership
	snapshots SnapshotChecker
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu   sync.Mutex
	last time.Time
}

func NewGraph(sets Membership, snapshots SnapshotChecker, logger *zap.Logger, m *metrics.Collector) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		changes:   storage.NewTable("change"),
		edges:     storage.NewTable("change_edge"),
		byEntity:  storage.NewTable("change_entity"),
		sets:      sets,
		snapshots: snapshots,
		logger:    logger,
		metrics:   metrics.OrNew(m),
	}
}

// now returns a strictly increasing timestamp so creation order is total
// even when the wall clock does not advance between two changes.
func (g *Graph) now() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := time.Now().UTC()
	if !t.After(g.last) {
		t = g.last.Add(time.Nanosecond)
	}
	g.last = t
	return t
}

func validateNew(nc NewChange) error {
	missing := ""
	switch {
	case nc.EntityID == "":
		missing = "entity_id"
	case nc.FileID == "":
		missing = "file_id"
	case nc.PluginKey == "":
		missing = "plugin_key"
	case nc.SnapshotID == "":
		missing = "snapshot_id"
	}
	if missing != "" {
		return lixerrors.ValidationError(missing+" is required", nil)
	}
	return nil
}

// CreateChange inserts a new change and one edge per parent. Parents must
// already exist, which keeps the graph acyclic by construction.
func (g *Graph) CreateChange(txn *storage.Txn, nc NewChange, parents []string) (*Change, error) {
	if err := validateNew(nc); err != nil {
		return nil, err
	}

	if g.snapshots != nil {
		ok, err := g.snapshots.Has(txn, nc.SnapshotID)
		if err != nil {
			return nil, fmt.Errorf("checking snapshot: %w", err)
		}
		if !ok {
			return nil, lixerrors.ConstraintViolation("change_snapshot_exists",
				fmt.Sprintf("snapshot %s does not exist", nc.SnapshotID))
		}
	}

	c := &Change{
		ID:         uuid.New().String(),
		EntityID:   nc.EntityID,
		FileID:     nc.FileID,
		PluginKey:  nc.PluginKey,
		Type:       nc.Type,
		SnapshotID: nc.SnapshotID,
		CreatedAt:  g.now(),
	}

	if err := g.changes.Insert(txn, c, c.ID); err != nil {
		return nil, fmt.Errorf("inserting change: %w", err)
	}
	if err := g.byEntity.Put(txn, c.ID, c.FileID, c.EntityID, c.ID); err != nil {
		return nil, fmt.Errorf("indexing change: %w", err)
	}

	seen := make(map[string]bool, len(parents))
	for _, p := range parents {
		if seen[p] {
			continue
		}
		seen[p] = true
		if err := g.insertEdge(txn, p, c.ID); err != nil {
			return nil, err
		}
	}

	g.metrics.ChangesCreated.WithLabelValues(c.PluginKey).Inc()
	return c, nil
}

// InsertEdge links two existing changes. Self references, unknown endpoints,
// duplicates and edges that would close a cycle are constraint violations.
func (g *Graph) InsertEdge(txn *storage.Txn, parentID, childID string) error {
	if parentID == childID {
		return lixerrors.ConstraintViolation("change_edge_no_self_reference",
			fmt.Sprintf("edge parent equals child %s", childID))
	}
	if _, err := g.Get(txn, childID); err != nil {
		return lixerrors.ConstraintViolation("change_edge_child_exists",
			fmt.Sprintf("child change %s does not exist", childID))
	}
	cyclic, err := g.IsAncestor(txn, childID, parentID)
	if err != nil {
		return err
	}
	if cyclic {
		return lixerrors.ConstraintViolation("change_edge_acyclic",
			fmt.Sprintf("edge %s -> %s would create a cycle", parentID, childID))
	}
	return g.insertEdge(txn, parentID, childID)
}

func (g *Graph) insertEdge(txn *storage.Txn, parentID, childID string) error {
	if parentID == childID {
		return lixerrors.ConstraintViolation("change_edge_no_self_reference",
			fmt.Sprintf("edge parent equals child %s", childID))
	}
	ok, err := g.changes.Has(txn, parentID)
	if err != nil {
		return err
	}
	if !ok {
		return lixerrors.ConstraintViolation("change_edge_parent_exists",
			fmt.Sprintf("parent change %s does not exist", parentID))
	}

	edge := Edge{ParentID: parentID, ChildID: childID}
	if err := g.edges.Insert(txn, edge, "parent", parentID, childID); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return lixerrors.ConstraintViolation("change_edge_unique",
				fmt.Sprintf("edge %s -> %s already exists", parentID, childID))
		}
		return fmt.Errorf("inserting edge: %w", err)
	}
	return g.edges.Put(txn, edge, "child", childID, parentID)
}

// Get loads a change by id.
func (g *Graph) Get(txn *storage.Txn, id string) (*Change, error) {
	var c Change
	if err := g.changes.Get(txn, &c, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lixerrors.NotFoundf("change %s not found", id)
		}
		return nil, fmt.Errorf("getting change %s: %w", id, err)
	}
	return &c, nil
}

// Parents returns the ids of the direct parents of a change.
func (g *Graph) Parents(txn *storage.Txn, id string) ([]string, error) {
	return g.neighbours(txn, "child", id)
}

// Children returns the ids of the direct children of a change.
func (g *Graph) Children(txn *storage.Txn, id string) ([]string, error) {
	return g.neighbours(txn, "parent", id)
}

func (g *Graph) neighbours(txn *storage.Txn, direction, id string) ([]string, error) {
	parts, err := storage.KeyParts(txn, g.edges, direction, id)
	if err != nil {
		return nil, fmt.Errorf("reading edges of %s: %w", id, err)
	}
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p[0]
	}
	return ids, nil
}

// ForEntity returns every change recorded for one entity of one file.
func (g *Graph) ForEntity(txn *storage.Txn, fileID, entityID string) ([]*Change, error) {
	ids, err := storage.List[string](txn, g.byEntity, fileID, entityID)
	if err != nil {
		return nil, err
	}
	out := make([]*Change, 0, len(ids))
	for _, id := range ids {
		c, err := g.Get(txn, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
