package version

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	lixerrors "lix/internal/errors"
	"lix/internal/file"
	"lix/internal/plugin"
	"lix/internal/storage"
)

// Materialize rebuilds a file as it stands in a change set by handing its
// head changes, oldest first, to the owning plugin. ok is false when the
// file is absent from the change set.
func (s *Store) Materialize(ctx context.Context, txn *storage.Txn, changeSetID, fileID string) (*file.File, bool, error) {
	d, ok, err := s.Descriptor(txn, changeSetID, fileID)
	if err != nil || !ok {
		return nil, false, err
	}

	heads, err := s.Heads(txn, changeSetID, fileID)
	if err != nil {
		return nil, false, err
	}

	changes := make([]plugin.ChangeWithSnapshot, 0, len(heads))
	for _, c := range heads {
		if c.EntityID == file.DescriptorEntityID {
			continue
		}
		content, err := s.snapshots.Get(txn, c.SnapshotID)
		if err != nil {
			return nil, false, fmt.Errorf("loading snapshot of %s: %w", c.EntityID, err)
		}
		changes = append(changes, plugin.ChangeWithSnapshot{Change: *c, Content: content})
	}

	p, err := s.pluginFor(d.Path, changes)
	if err != nil {
		return nil, false, err
	}

	data, err := p.ApplyChanges(ctx, plugin.FileRef{ID: fileID, Path: d.Path}, changes)
	if err != nil {
		return nil, false, lixerrors.PluginFailure(p.Key(), d.Path, err)
	}

	s.metrics.FilesMaterialized.Inc()
	return &file.File{ID: fileID, Path: d.Path, Data: data, Metadata: d.Metadata}, true, nil
}

// pluginFor prefers the plugin that recorded the changes so a file keeps its
// format even if the registry's globs change.
func (s *Store) pluginFor(path string, changes []plugin.ChangeWithSnapshot) (plugin.Plugin, error) {
	if len(changes) > 0 {
		key := changes[0].PluginKey
		p, err := s.plugins.ByKey(key)
		if err != nil {
			return nil, lixerrors.PluginFailure(key, path, err)
		}
		return p, nil
	}
	p, err := s.plugins.ForPath(path)
	if err != nil {
		return nil, lixerrors.PluginFailure("", path, err)
	}
	return p, nil
}

// Rematerialize writes the File row of one file for a change set, removing
// it when the file is absent there.
func (s *Store) Rematerialize(ctx context.Context, txn *storage.Txn, changeSetID, fileID string) error {
	f, ok, err := s.Materialize(ctx, txn, changeSetID, fileID)
	if err != nil {
		return err
	}
	if !ok {
		return s.files.Delete(txn, fileID)
	}
	return s.files.Put(txn, f)
}

// fileHeads groups the element change ids of a change set by file.
func (s *Store) fileHeads(txn *storage.Txn, changeSetID string) (map[string]map[string]bool, error) {
	elements, err := s.sets.Elements(txn, changeSetID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]bool)
	for _, el := range elements {
		if out[el.FileID] == nil {
			out[el.FileID] = make(map[string]bool)
		}
		out[el.FileID][el.ChangeID] = true
	}
	return out, nil
}

// Switch makes to the current version. Files whose heads are identical in
// both versions are left alone; every other file is rebuilt from the target
// heads or removed if the target does not contain it. No change rows are
// written. Switching to the current version does nothing and reports false.
func (s *Store) Switch(ctx context.Context, txn *storage.Txn, to *Version) (bool, error) {
	start := time.Now()

	current, err := s.Current(txn)
	if err != nil && !lixerrors.IsNotFound(err) {
		return false, err
	}
	if current != nil && current.ID == to.ID {
		return false, nil
	}

	target, err := s.fileHeads(txn, to.ChangeSetID)
	if err != nil {
		return false, err
	}
	source := map[string]map[string]bool{}
	if current != nil {
		if source, err = s.fileHeads(txn, current.ChangeSetID); err != nil {
			return false, err
		}
	}

	fileIDs := slices.Collect(maps.Keys(target))
	for id := range source {
		if _, ok := target[id]; !ok {
			fileIDs = append(fileIDs, id)
		}
	}
	slices.Sort(fileIDs)

	rebuilt := 0
	for _, id := range fileIDs {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if maps.Equal(source[id], target[id]) {
			continue
		}
		if err := s.Rematerialize(ctx, txn, to.ChangeSetID, id); err != nil {
			return false, fmt.Errorf("materializing file %s: %w", id, err)
		}
		rebuilt++
	}

	if err := txn.SetJSON(currentKey, to.ID); err != nil {
		return false, err
	}

	s.metrics.VersionSwitches.Inc()
	s.metrics.SwitchDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("switched version",
		zap.String("version_id", to.ID),
		zap.String("name", to.Name),
		zap.Int("files_rebuilt", rebuilt))
	return true, nil
}
