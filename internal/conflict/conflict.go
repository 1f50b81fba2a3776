// Package conflict records changes to the same entity that cannot be ordered
// by ancestry and tracks how they were resolved. Detection belongs to the
// engine; the resolution policy belongs to the caller.
package conflict

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"lix/internal/change"
	lixerrors "lix/internal/errors"
	"lix/internal/metrics"
	"lix/internal/storage"
)

type Conflict struct {
	ChangeID            string    `json:"change_id"`
	ConflictingChangeID string    `json:"conflicting_change_id"`
	ChangeSetID         string    `json:"change_set_id,omitempty"`
	ResolvedChangeID    string    `json:"resolved_change_id,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

func (c *Conflict) Resolved() bool {
	return c.ResolvedChangeID != ""
}

type Engine struct {
	table   storage.Table
	graph   *change.Graph
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewEngine(graph *change.Graph, logger *zap.Logger, m *metrics.Collector) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		table:   storage.NewTable("conflict"),
		graph:   graph,
		logger:  logger,
		metrics: metrics.OrNew(m),
	}
}

// Detect reports whether a and b edit the same entity without one being an
// ancestor of the other.
func (e *Engine) Detect(txn *storage.Txn, a, b *change.Change) (bool, error) {
	if a.ID == b.ID || a.FileID != b.FileID || a.EntityID != b.EntityID {
		return false, nil
	}
	related, err := e.graph.Related(txn, a.ID, b.ID)
	if err != nil {
		return false, err
	}
	return !related, nil
}

// Record inserts a conflict between two divergent changes met while merging
// into the change set changeSetID. Recording the same pair again, in either
// order, returns the existing row.
func (e *Engine) Record(txn *storage.Txn, changeSetID, changeID, conflictingID, reason string) (*Conflict, error) {
	if changeID == conflictingID {
		return nil, lixerrors.ConstraintViolation("conflict_no_self_reference",
			fmt.Sprintf("change %s cannot conflict with itself", changeID))
	}

	if existing, err := e.Get(txn, changeID, conflictingID); err == nil {
		return existing, nil
	} else if !lixerrors.IsNotFound(err) {
		return nil, err
	}

	a, err := e.graph.Get(txn, changeID)
	if err != nil {
		return nil, err
	}
	b, err := e.graph.Get(txn, conflictingID)
	if err != nil {
		return nil, err
	}
	if a.FileID != b.FileID || a.EntityID != b.EntityID {
		return nil, lixerrors.ConstraintViolation("conflict_same_entity",
			fmt.Sprintf("changes %s and %s edit different entities", a.ID, b.ID))
	}
	divergent, err := e.Detect(txn, a, b)
	if err != nil {
		return nil, err
	}
	if !divergent {
		return nil, lixerrors.ConstraintViolation("conflict_divergent",
			fmt.Sprintf("changes %s and %s are related by ancestry", a.ID, b.ID))
	}

	c := &Conflict{
		ChangeID:            changeID,
		ConflictingChangeID: conflictingID,
		ChangeSetID:         changeSetID,
		Reason:              reason,
		CreatedAt:           time.Now().UTC(),
	}
	if err := e.table.Insert(txn, c, changeID, conflictingID); err != nil {
		return nil, fmt.Errorf("recording conflict: %w", err)
	}

	e.metrics.ConflictsRecorded.Inc()
	e.logger.Info("conflict recorded",
		zap.String("change_id", changeID),
		zap.String("conflicting_change_id", conflictingID),
		zap.String("entity_id", a.EntityID),
		zap.String("change_set_id", changeSetID),
		zap.String("reason", reason))
	return c, nil
}

// Get finds the conflict between two changes regardless of argument order.
func (e *Engine) Get(txn *storage.Txn, a, b string) (*Conflict, error) {
	var c Conflict
	err := e.table.Get(txn, &c, a, b)
	if errors.Is(err, storage.ErrNotFound) {
		err = e.table.Get(txn, &c, b, a)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, lixerrors.NotFoundf("no conflict between %s and %s", a, b)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Resolve marks a conflict as resolved by with, which must be one of the two
// sides or a change that has both sides as parents.
func (e *Engine) Resolve(txn *storage.Txn, a, b, with string) (*Conflict, error) {
	c, err := e.Get(txn, a, b)
	if err != nil {
		return nil, err
	}

	if with != c.ChangeID && with != c.ConflictingChangeID {
		if _, err := e.graph.Get(txn, with); err != nil {
			return nil, err
		}
		parents, err := e.graph.Parents(txn, with)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(parents, c.ChangeID) || !slices.Contains(parents, c.ConflictingChangeID) {
			return nil, lixerrors.ConstraintViolation("conflict_resolution_change",
				fmt.Sprintf("change %s neither is a side of nor merges conflict %s/%s", with, c.ChangeID, c.ConflictingChangeID))
		}
	}

	c.ResolvedChangeID = with
	if err := e.table.Put(txn, c, c.ChangeID, c.ConflictingChangeID); err != nil {
		return nil, fmt.Errorf("resolving conflict: %w", err)
	}
	return c, nil
}

func (e *Engine) List(txn *storage.Txn) ([]Conflict, error) {
	return storage.List[Conflict](txn, e.table)
}

func (e *Engine) Unresolved(txn *storage.Txn) ([]Conflict, error) {
	all, err := e.List(txn)
	if err != nil {
		return nil, err
	}
	var out []Conflict
	for _, c := range all {
		if !c.Resolved() {
			out = append(out, c)
		}
	}
	return out, nil
}

// ForChangeSet returns the unresolved conflicts touching the history of a
// change set.
func (e *Engine) ForChangeSet(txn *storage.Txn, changeSetID string) ([]Conflict, error) {
	open, err := e.Unresolved(txn)
	if err != nil {
		return nil, err
	}
	var out []Conflict
	for _, c := range open {
		if c.ChangeSetID == changeSetID {
			out = append(out, c)
			continue
		}
		for _, id := range []string{c.ChangeID, c.ConflictingChangeID} {
			in, err := e.graph.IsInChangeSet(txn, id, changeSetID)
			if err != nil {
				return nil, err
			}
			if in {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// IsConverged reports whether no unresolved conflict touches the change set.
func (e *Engine) IsConverged(txn *storage.Txn, changeSetID string) (bool, error) {
	open, err := e.ForChangeSet(txn, changeSetID)
	return len(open) == 0, err
}
