// Package changeset groups changes into named sets. A version's change set
// holds the head change of every entity it has seen.
package changeset

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lix/internal/change"
	lixerrors "lix/internal/errors"
	"lix/internal/storage"
)

type ChangeSet struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Element is the membership of one change in one change set. The file and
// entity columns are denormalized from the change for per-file lookups.
type Element struct {
	ChangeSetID string `json:"change_set_id"`
	ChangeID    string `json:"change_id"`
	FileID      string `json:"file_id"`
	EntityID    string `json:"entity_id"`
}

type Store struct {
	sets     storage.Table
	elements storage.Table
	byEntity storage.Table
}

func NewStore() *Store {
	return &Store{
		sets:     storage.NewTable("change_set"),
		elements: storage.NewTable("change_set_element"),
		byEntity: storage.NewTable("change_set_entity"),
	}
}

func (s *Store) Create(txn *storage.Txn, name string) (*ChangeSet, error) {
	cs := &ChangeSet{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.sets.Insert(txn, cs, cs.ID); err != nil {
		return nil, fmt.Errorf("creating change set: %w", err)
	}
	return cs, nil
}

func (s *Store) Get(txn *storage.Txn, id string) (*ChangeSet, error) {
	var cs ChangeSet
	if err := s.sets.Get(txn, &cs, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lixerrors.NotFoundf("change set %s not found", id)
		}
		return nil, err
	}
	return &cs, nil
}

// AddElement adds a change to a set. A change may belong to many sets but
// only once to each.
func (s *Store) AddElement(txn *storage.Txn, changeSetID string, c *change.Change) error {
	if _, err := s.Get(txn, changeSetID); err != nil {
		return err
	}

	el := Element{
		ChangeSetID: changeSetID,
		ChangeID:    c.ID,
		FileID:      c.FileID,
		EntityID:    c.EntityID,
	}
	if err := s.elements.Insert(txn, el, changeSetID, c.ID); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return lixerrors.ConstraintViolation("change_set_element_unique",
				fmt.Sprintf("change %s is already in change set %s", c.ID, changeSetID))
		}
		return err
	}
	return s.byEntity.Put(txn, el, changeSetID, c.FileID, c.EntityID, c.ID)
}

// RemoveElement drops a change from a set. The change itself is untouched.
func (s *Store) RemoveElement(txn *storage.Txn, changeSetID, changeID string) error {
	var el Element
	if err := s.elements.Get(txn, &el, changeSetID, changeID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return lixerrors.NotFoundf("change %s is not in change set %s", changeID, changeSetID)
		}
		return err
	}
	if err := s.elements.Delete(txn, changeSetID, changeID); err != nil {
		return err
	}
	return s.byEntity.Delete(txn, changeSetID, el.FileID, el.EntityID, changeID)
}

// Contains implements change.Membership.
func (s *Store) Contains(txn *storage.Txn, changeSetID, changeID string) (bool, error) {
	return s.elements.Has(txn, changeSetID, changeID)
}

func (s *Store) Elements(txn *storage.Txn, changeSetID string) ([]Element, error) {
	return storage.List[Element](txn, s.elements, changeSetID)
}

func (s *Store) ElementsForFile(txn *storage.Txn, changeSetID, fileID string) ([]Element, error) {
	return storage.List[Element](txn, s.byEntity, changeSetID, fileID)
}

func (s *Store) ElementsForEntity(txn *storage.Txn, changeSetID, fileID, entityID string) ([]Element, error) {
	return storage.List[Element](txn, s.byEntity, changeSetID, fileID, entityID)
}

// Copy adds every element of from to to. No change rows are created.
func (s *Store) Copy(txn *storage.Txn, fromID, toID string) error {
	elements, err := s.Elements(txn, fromID)
	if err != nil {
		return err
	}
	for _, el := range elements {
		c := &change.Change{ID: el.ChangeID, FileID: el.FileID, EntityID: el.EntityID}
		if err := s.AddElement(txn, toID, c); err != nil {
			return fmt.Errorf("copying element %s: %w", el.ChangeID, err)
		}
	}
	return nil
}
