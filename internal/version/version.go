// Package version implements branches over the change graph. Each version
// owns a change set holding the head change of every entity it has seen;
// older history is reached through ancestry, so forking copies element rows
// and never changes.
package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lix/internal/change"
	"lix/internal/changeset"
	"lix/internal/conflict"
	lixerrors "lix/internal/errors"
	"lix/internal/file"
	"lix/internal/metrics"
	"lix/internal/plugin"
	"lix/internal/snapshot"
	"lix/internal/storage"
)

// MainName is the name of the version created for a fresh store.
const MainName = "main"

var currentKey = []byte("current_version")

type Version struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ChangeSetID string    `json:"change_set_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateOptions describes a new version. An empty ParentID creates an empty
// version; an empty Name defaults to the version id.
type CreateOptions struct {
	Name     string
	ParentID string
}

type Options struct {
	Sets      *changeset.Store
	Graph     *change.Graph
	Files     *file.Store
	Snapshots *snapshot.Store
	Plugins   *plugin.Registry
	Conflicts *conflict.Engine
	Logger    *zap.Logger
	Metrics   *metrics.Collector
}

type Store struct {
	versions storage.Table
	byName   storage.Table

	sets      *changeset.Store
	graph     *change.Graph
	files     *file.Store
	snapshots *snapshot.Store
	plugins   *plugin.Registry
	conflicts *conflict.Engine
	logger    *zap.Logger
	metrics   *metrics.Collector
}

func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		versions:  storage.NewTable("version"),
		byName:    storage.NewTable("version_name"),
		sets:      opts.Sets,
		graph:     opts.Graph,
		files:     opts.Files,
		snapshots: opts.Snapshots,
		plugins:   opts.Plugins,
		conflicts: opts.Conflicts,
		logger:    logger,
		metrics:   metrics.OrNew(opts.Metrics),
	}
}

// Create adds a version. With a parent, the new version starts from the
// parent's heads and diverges independently afterwards.
func (s *Store) Create(txn *storage.Txn, opts CreateOptions) (*Version, error) {
	v := &Version{
		ID:        uuid.New().String(),
		Name:      opts.Name,
		ParentID:  opts.ParentID,
		CreatedAt: time.Now().UTC(),
	}
	if v.Name == "" {
		v.Name = v.ID
	}

	taken, err := s.byName.Has(txn, v.Name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, lixerrors.ConstraintViolation("version_name_unique",
			fmt.Sprintf("version %q already exists", v.Name))
	}

	var parent *Version
	if opts.ParentID != "" {
		if parent, err = s.Get(txn, opts.ParentID); err != nil {
			return nil, err
		}
	}

	cs, err := s.sets.Create(txn, v.Name)
	if err != nil {
		return nil, err
	}
	v.ChangeSetID = cs.ID

	if parent != nil {
		if err := s.sets.Copy(txn, parent.ChangeSetID, cs.ID); err != nil {
			return nil, fmt.Errorf("forking %s: %w", parent.Name, err)
		}
	}

	if err := s.versions.Insert(txn, v, v.ID); err != nil {
		return nil, fmt.Errorf("inserting version: %w", err)
	}
	if err := s.byName.Put(txn, v.ID, v.Name); err != nil {
		return nil, err
	}

	s.logger.Info("version created",
		zap.String("version_id", v.ID),
		zap.String("name", v.Name),
		zap.String("parent_id", v.ParentID))
	return v, nil
}

func (s *Store) Get(txn *storage.Txn, id string) (*Version, error) {
	var v Version
	if err := s.versions.Get(txn, &v, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lixerrors.NotFoundf("version %s not found", id)
		}
		return nil, fmt.Errorf("getting version %s: %w", id, err)
	}
	return &v, nil
}

func (s *Store) GetByName(txn *storage.Txn, name string) (*Version, error) {
	var id string
	if err := s.byName.Get(txn, &id, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lixerrors.NotFoundf("version %q not found", name)
		}
		return nil, err
	}
	return s.Get(txn, id)
}

// Resolve finds a version by id, falling back to its name.
func (s *Store) Resolve(txn *storage.Txn, ref string) (*Version, error) {
	v, err := s.Get(txn, ref)
	if lixerrors.IsNotFound(err) {
		return s.GetByName(txn, ref)
	}
	return v, err
}

// List returns all versions, oldest first.
func (s *Store) List(txn *storage.Txn) ([]Version, error) {
	out, err := storage.List[Version](txn, s.versions)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Version) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) Current(txn *storage.Txn) (*Version, error) {
	var id string
	if err := txn.GetJSON(currentKey, &id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lixerrors.NotFound("no current version")
		}
		return nil, err
	}
	return s.Get(txn, id)
}

// SetCurrent reassigns the current pointer without materializing files.
// Use Switch to change the active version.
func (s *Store) SetCurrent(txn *storage.Txn, id string) error {
	if _, err := s.Get(txn, id); err != nil {
		return err
	}
	return txn.SetJSON(currentKey, id)
}

// EnsureMain returns the current version, creating and activating the main
// version on an empty store.
func (s *Store) EnsureMain(txn *storage.Txn) (*Version, error) {
	v, err := s.Current(txn)
	if err == nil || !lixerrors.IsNotFound(err) {
		return v, err
	}
	v, err = s.Create(txn, CreateOptions{Name: MainName})
	if err != nil {
		return nil, err
	}
	return v, txn.SetJSON(currentKey, v.ID)
}

// Head returns the change a change set holds for one entity.
func (s *Store) Head(txn *storage.Txn, changeSetID, fileID, entityID string) (*change.Change, error) {
	elements, err := s.sets.ElementsForEntity(txn, changeSetID, fileID, entityID)
	if err != nil {
		return nil, err
	}
	switch len(elements) {
	case 0:
		return nil, lixerrors.NotFoundf("entity %s of file %s has no change in %s", entityID, fileID, changeSetID)
	case 1:
		return s.graph.Get(txn, elements[0].ChangeID)
	}
	return nil, lixerrors.Internal(
		fmt.Sprintf("entity %s of file %s has %d heads in %s", entityID, fileID, len(elements), changeSetID), nil)
}

// Advance makes next the head of its entity, replacing prev if given.
func (s *Store) Advance(txn *storage.Txn, changeSetID, prevID string, next *change.Change) error {
	if prevID != "" {
		if err := s.sets.RemoveElement(txn, changeSetID, prevID); err != nil {
			return err
		}
	}
	return s.sets.AddElement(txn, changeSetID, next)
}

// Heads returns the head changes of one file, oldest first.
func (s *Store) Heads(txn *storage.Txn, changeSetID, fileID string) ([]*change.Change, error) {
	elements, err := s.sets.ElementsForFile(txn, changeSetID, fileID)
	if err != nil {
		return nil, err
	}
	out := make([]*change.Change, 0, len(elements))
	for _, el := range elements {
		c, err := s.graph.Get(txn, el.ChangeID)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	slices.SortFunc(out, change.ByCreation)
	return out, nil
}

// Descriptor returns the live descriptor of a file in a change set. ok is
// false when the file never existed there or has been deleted.
func (s *Store) Descriptor(txn *storage.Txn, changeSetID, fileID string) (*file.Descriptor, bool, error) {
	head, err := s.Head(txn, changeSetID, fileID, file.DescriptorEntityID)
	if lixerrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if head.SnapshotID == snapshot.NoContentID {
		return nil, false, nil
	}

	content, err := s.snapshots.Get(txn, head.SnapshotID)
	if err != nil {
		return nil, false, err
	}
	var d file.Descriptor
	if err := json.Unmarshal(content, &d); err != nil {
		return nil, false, fmt.Errorf("decoding descriptor of %s: %w", fileID, err)
	}
	return &d, true, nil
}

// Files lists the live files of a change set without their data.
func (s *Store) Files(txn *storage.Txn, changeSetID string) ([]file.File, error) {
	elements, err := s.sets.Elements(txn, changeSetID)
	if err != nil {
		return nil, err
	}
	var out []file.File
	for _, el := range elements {
		if el.EntityID != file.DescriptorEntityID {
			continue
		}
		d, ok, err := s.Descriptor(txn, changeSetID, el.FileID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, file.File{ID: el.FileID, Path: d.Path, Metadata: d.Metadata})
		}
	}
	slices.SortFunc(out, func(a, b file.File) int {
		switch {
		case a.Path < b.Path:
			return -1
		case a.Path > b.Path:
			return 1
		}
		return 0
	})
	return out, nil
}
