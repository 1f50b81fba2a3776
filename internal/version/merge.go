package version

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"lix/internal/conflict"
	lixerrors "lix/internal/errors"
	"lix/internal/storage"
)

// MergeResult summarizes a merge of one version into another.
type MergeResult struct {
	Added         int                 `json:"added"`
	FastForwarded int                 `json:"fast_forwarded"`
	Kept          int                 `json:"kept"`
	Conflicts     []conflict.Conflict `json:"conflicts"`
	Files         []string            `json:"files"`
}

// Merge brings the heads of source into target. Per entity, a head missing
// from target is added, a target head that is an ancestor of the source head
// is fast-forwarded, and a target head that already descends from the source
// head is kept. Heads unrelated by ancestry are recorded as conflicts and
// target keeps its head until the conflict is resolved. Files of the current
// version are rematerialized.
func (s *Store) Merge(ctx context.Context, txn *storage.Txn, source, target *Version) (*MergeResult, error) {
	if source.ID == target.ID {
		return nil, lixerrors.ValidationError("cannot merge a version into itself", nil)
	}

	elements, err := s.sets.Elements(txn, source.ChangeSetID)
	if err != nil {
		return nil, err
	}

	res := &MergeResult{}
	touched := map[string]bool{}
	reason := fmt.Sprintf("merge %s into %s", source.Name, target.Name)

	for _, el := range elements {
		in, err := s.sets.Contains(txn, target.ChangeSetID, el.ChangeID)
		if err != nil {
			return nil, err
		}
		if in {
			continue
		}

		incoming, err := s.graph.Get(txn, el.ChangeID)
		if err != nil {
			return nil, err
		}

		head, err := s.Head(txn, target.ChangeSetID, el.FileID, el.EntityID)
		switch {
		case lixerrors.IsNotFound(err):
			if err := s.Advance(txn, target.ChangeSetID, "", incoming); err != nil {
				return nil, err
			}
			res.Added++
			touched[el.FileID] = true
			continue
		case err != nil:
			return nil, err
		}

		forward, err := s.graph.IsAncestor(txn, head.ID, incoming.ID)
		if err != nil {
			return nil, err
		}
		if forward {
			if err := s.Advance(txn, target.ChangeSetID, head.ID, incoming); err != nil {
				return nil, err
			}
			res.FastForwarded++
			touched[el.FileID] = true
			continue
		}

		behind, err := s.graph.IsAncestor(txn, incoming.ID, head.ID)
		if err != nil {
			return nil, err
		}
		if behind {
			res.Kept++
			continue
		}

		c, err := s.conflicts.Record(txn, target.ChangeSetID, head.ID, incoming.ID, reason)
		if err != nil {
			return nil, err
		}
		res.Conflicts = append(res.Conflicts, *c)
	}

	for id := range touched {
		res.Files = append(res.Files, id)
	}
	slices.Sort(res.Files)

	current, err := s.Current(txn)
	if err != nil && !lixerrors.IsNotFound(err) {
		return nil, err
	}
	if current != nil && current.ID == target.ID {
		for _, id := range res.Files {
			if err := s.Rematerialize(ctx, txn, target.ChangeSetID, id); err != nil {
				return nil, fmt.Errorf("materializing file %s: %w", id, err)
			}
		}
	}

	s.logger.Info("merged version",
		zap.String("source", source.Name),
		zap.String("target", target.Name),
		zap.Int("added", res.Added),
		zap.Int("fast_forwarded", res.FastForwarded),
		zap.Int("conflicts", len(res.Conflicts)))
	return res, nil
}
