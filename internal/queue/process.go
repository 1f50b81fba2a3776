package queue

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"lix/internal/change"
	lixerrors "lix/internal/errors"
	"lix/internal/file"
	"lix/internal/plugin"
	"lix/internal/snapshot"
	"lix/internal/storage"
	"lix/internal/version"
)

// maxDetectRuns bounds how often detection is rerun when the current version
// or the file changes underneath it.
const maxDetectRuns = 5

// observed is the state detection ran against.
type observed struct {
	versionID string
	before    *file.File
}

func (o observed) matches(v *version.Version, f *file.File) bool {
	if v.ID != o.versionID {
		return false
	}
	if (f == nil) != (o.before == nil) {
		return false
	}
	return f == nil || (f.Path == o.before.Path && bytes.Equal(f.Data, o.before.Data))
}

// processOne processes the oldest entry of a file. The caller holds the
// file's claim. It returns nil, nil when the file has nothing pending.
func (q *Queue) processOne(ctx context.Context, fileID string) (*Entry, error) {
	var last *Entry
	for run := 0; run < maxDetectRuns; run++ {
		var (
			entry *Entry
			state observed
		)
		err := q.db.View(func(txn *storage.Txn) error {
			var err error
			if entry, err = q.oldest(txn, fileID); err != nil || entry == nil {
				return err
			}
			v, err := q.versions.Current(txn)
			if err != nil {
				return err
			}
			state.versionID = v.ID
			state.before, err = q.files.Get(txn, fileID)
			if lixerrors.IsNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil || entry == nil {
			return nil, err
		}
		last = entry

		var (
			p        plugin.Plugin
			detected []plugin.DetectedChange
		)
		if !entry.Deleted {
			if p, detected, err = q.detect(ctx, entry, state.before); err != nil {
				return entry, err
			}
		}

		stale := false
		err = q.db.Update(func(txn *storage.Txn) error {
			v, err := q.versions.Current(txn)
			if err != nil {
				return err
			}
			now, err := q.files.Get(txn, fileID)
			if lixerrors.IsNotFound(err) {
				now, err = nil, nil
			}
			if err != nil {
				return err
			}
			if !state.matches(v, now) {
				stale = true
				return nil
			}

			if entry.Deleted {
				err = q.commitDelete(txn, v, entry)
			} else {
				err = q.commit(txn, v, entry, p, detected)
			}
			if err != nil {
				return err
			}
			return q.remove(txn, entry)
		})
		if err != nil {
			return entry, err
		}
		if !stale {
			q.metrics.QueueProcessed.Inc()
			return entry, nil
		}
		q.logger.Debug("rerunning detection",
			zap.Uint64("entry_id", entry.ID),
			zap.String("path", entry.Path))
	}
	return last, lixerrors.Internal(fmt.Sprintf("file %s kept changing during detection", fileID), nil)
}

// detect runs the plugin outside any transaction.
func (q *Queue) detect(ctx context.Context, e *Entry, before *file.File) (plugin.Plugin, []plugin.DetectedChange, error) {
	p, err := q.plugins.ForPath(e.Path)
	if err != nil {
		return nil, nil, lixerrors.PluginFailure("", e.Path, err)
	}

	var prev *plugin.FileData
	if before != nil {
		prev = &plugin.FileData{ID: before.ID, Path: before.Path, Data: before.Data, Metadata: before.Metadata}
	}
	after := plugin.FileData{ID: e.FileID, Path: e.Path, Data: e.Data, Metadata: e.Metadata}

	detected, err := p.DetectChanges(ctx, prev, after)
	if err != nil {
		return p, nil, lixerrors.PluginFailure(p.Key(), e.Path, err)
	}
	return p, detected, nil
}

// head returns the current head of an entity, or nil for a new entity.
func (q *Queue) head(txn *storage.Txn, v *version.Version, fileID, entityID string) (*change.Change, error) {
	h, err := q.versions.Head(txn, v.ChangeSetID, fileID, entityID)
	if lixerrors.IsNotFound(err) {
		return nil, nil
	}
	return h, err
}

// appendChange creates a change on top of head and makes it the new head.
func (q *Queue) appendChange(txn *storage.Txn, v *version.Version, head *change.Change, nc change.NewChange) (*change.Change, error) {
	var parents []string
	prev := ""
	if head != nil {
		parents = []string{head.ID}
		prev = head.ID
	}
	c, err := q.graph.CreateChange(txn, nc, parents)
	if err != nil {
		return nil, err
	}
	if err := q.versions.Advance(txn, v.ChangeSetID, prev, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (q *Queue) commit(txn *storage.Txn, v *version.Version, e *Entry, p plugin.Plugin, detected []plugin.DetectedChange) error {
	desc := file.Descriptor{Path: e.Path, Metadata: e.Metadata}
	if err := q.record(txn, v, e.FileID, file.DescriptorPluginKey, file.DescriptorType, file.DescriptorEntityID, desc); err != nil {
		return err
	}

	for _, d := range detected {
		if d.EntityID == file.DescriptorEntityID {
			return lixerrors.PluginFailure(p.Key(), e.Path,
				fmt.Errorf("entity id %s is reserved", d.EntityID))
		}
		if err := q.record(txn, v, e.FileID, p.Key(), d.Type, d.EntityID, d.Snapshot); err != nil {
			return err
		}
	}

	return q.files.Put(txn, &file.File{ID: e.FileID, Path: e.Path, Data: e.Data, Metadata: e.Metadata})
}

// record appends a change for one detected value unless the head already
// holds it. A deletion of an entity without history is a caller bug.
func (q *Queue) record(txn *storage.Txn, v *version.Version, fileID, pluginKey, entityType, entityID string, value any) error {
	snapshotID, err := q.snapshots.Put(txn, value)
	if err != nil {
		return err
	}

	head, err := q.head(txn, v, fileID, entityID)
	if err != nil {
		return err
	}
	if head == nil && snapshotID == snapshot.NoContentID {
		err := lixerrors.MissingAncestor(entityID, fileID)
		q.logger.Error("deletion without prior change",
			zap.String("entity_id", entityID),
			zap.String("file_id", fileID),
			zap.String("plugin_key", pluginKey))
		return err
	}
	if head != nil && head.SnapshotID == snapshotID {
		return nil
	}

	_, err = q.appendChange(txn, v, head, change.NewChange{
		EntityID:   entityID,
		FileID:     fileID,
		PluginKey:  pluginKey,
		Type:       entityType,
		SnapshotID: snapshotID,
	})
	return err
}

// commitDelete writes a deletion change for every live entity of the file.
func (q *Queue) commitDelete(txn *storage.Txn, v *version.Version, e *Entry) error {
	if _, ok, err := q.versions.Descriptor(txn, v.ChangeSetID, e.FileID); err != nil {
		return err
	} else if !ok {
		return lixerrors.MissingAncestor(file.DescriptorEntityID, e.FileID)
	}

	heads, err := q.versions.Heads(txn, v.ChangeSetID, e.FileID)
	if err != nil {
		return err
	}
	for _, h := range heads {
		if h.SnapshotID == snapshot.NoContentID {
			continue
		}
		_, err := q.appendChange(txn, v, h, change.NewChange{
			EntityID:   h.EntityID,
			FileID:     h.FileID,
			PluginKey:  h.PluginKey,
			Type:       h.Type,
			SnapshotID: snapshot.NoContentID,
		})
		if err != nil {
			return err
		}
	}
	return q.files.Delete(txn, e.FileID)
}
