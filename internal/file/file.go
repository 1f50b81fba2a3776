// Package file holds the materialized file rows of the current version.
// File data is derived from the change graph and rewritten on every version
// switch; it is never a source of truth.
package file

import (
	"errors"
	"fmt"

	lixerrors "lix/internal/errors"
	"lix/internal/storage"
)

// The descriptor entity records that a file exists, with its path and
// metadata, as an ordinary change so file presence follows branches.
const (
	DescriptorEntityID  = "lix_file_descriptor"
	DescriptorPluginKey = "lix_own_entity"
	DescriptorType      = "lix_file"
)

type File struct {
	ID       string         `json:"id"`
	Path     string         `json:"path"`
	Data     []byte         `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Descriptor is the snapshot content of the descriptor entity.
type Descriptor struct {
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Store struct {
	files  storage.Table
	byPath storage.Table
}

func NewStore() *Store {
	return &Store{
		files:  storage.NewTable("file"),
		byPath: storage.NewTable("file_path"),
	}
}

func (s *Store) Get(txn *storage.Txn, id string) (*File, error) {
	var f File
	if err := s.files.Get(txn, &f, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lixerrors.NotFoundf("file %s not found", id)
		}
		return nil, fmt.Errorf("getting file %s: %w", id, err)
	}
	return &f, nil
}

func (s *Store) GetByPath(txn *storage.Txn, path string) (*File, error) {
	var id string
	if err := s.byPath.Get(txn, &id, path); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lixerrors.NotFoundf("no file at %s", path)
		}
		return nil, err
	}
	return s.Get(txn, id)
}

// Put writes the materialized row. A different file previously holding the
// same path is dropped so paths stay unique.
func (s *Store) Put(txn *storage.Txn, f *File) error {
	if f.ID == "" || f.Path == "" {
		return lixerrors.ValidationError("file id and path are required", nil)
	}

	if prev, err := s.Get(txn, f.ID); err == nil && prev.Path != f.Path {
		if err := s.byPath.Delete(txn, prev.Path); err != nil {
			return err
		}
	}

	var holder string
	err := s.byPath.Get(txn, &holder, f.Path)
	switch {
	case err == nil && holder != f.ID:
		if err := s.files.Delete(txn, holder); err != nil {
			return err
		}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return err
	}

	if err := s.files.Put(txn, f, f.ID); err != nil {
		return fmt.Errorf("writing file %s: %w", f.Path, err)
	}
	return s.byPath.Put(txn, f.ID, f.Path)
}

// Delete removes the materialized row; deleting an absent file is a no-op.
func (s *Store) Delete(txn *storage.Txn, id string) error {
	f, err := s.Get(txn, id)
	if lixerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.files.Delete(txn, id); err != nil {
		return err
	}
	var holder string
	if err := s.byPath.Get(txn, &holder, f.Path); err == nil && holder == id {
		return s.byPath.Delete(txn, f.Path)
	}
	return nil
}

func (s *Store) List(txn *storage.Txn) ([]File, error) {
	return storage.List[File](txn, s.files)
}
