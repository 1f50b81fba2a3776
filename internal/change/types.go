// internal/change/types.go
package change

import (
	"time"

	"lix/internal/storage"
)

// Change is an immutable record of one edit to one entity, attributed to the
// plugin that detected it. A change whose SnapshotID is snapshot.NoContentID
// deletes the entity.
type Change struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	FileID     string    `json:"file_id"`
	PluginKey  string    `json:"plugin_key"`
	Type       string    `json:"type"`
	SnapshotID string    `json:"snapshot_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewChange carries the caller-supplied columns of a change.
type NewChange struct {
	EntityID   string
	FileID     string
	PluginKey  string
	Type       string
	SnapshotID string
}

// Edge links a parent change to a child change.
type Edge struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
}

// Membership answers whether a change is an element of a change set.
type Membership interface {
	Contains(txn *storage.Txn, changeSetID, changeID string) (bool, error)
}

// SnapshotChecker verifies that a snapshot row referenced by a change exists.
type SnapshotChecker interface {
	Has(txn *storage.Txn, id string) (bool, error)
}

// ByCreation orders changes oldest to newest, breaking ties by id.
func ByCreation(a, b *Change) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
