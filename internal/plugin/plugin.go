// Package plugin defines the boundary to format-specific code. A plugin turns
// raw file bytes into entity-level changes and rebuilds bytes from changes.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"lix/internal/change"
	lixerrors "lix/internal/errors"
	"lix/internal/file"
)

// FileData is a file as handed to DetectChanges.
type FileData struct {
	ID       string
	Path     string
	Data     []byte
	Metadata map[string]any
}

// FileRef identifies the file being rebuilt by ApplyChanges.
type FileRef struct {
	ID   string
	Path string
}

// DetectedChange is one entity-level edit. A nil Snapshot deletes the entity.
type DetectedChange struct {
	EntityID string
	Type     string
	Snapshot any
}

// ChangeWithSnapshot pairs a change with its resolved snapshot content.
// Content is nil for deletions.
type ChangeWithSnapshot struct {
	change.Change
	Content json.RawMessage
}

// Plugin is the capability set the engine needs from a file format.
// DetectChanges must be deterministic for identical inputs; before is nil for
// a new file. ApplyChanges rebuilds the complete file from changes ordered
// oldest to newest.
type Plugin interface {
	Key() string
	Glob() string
	DetectChanges(ctx context.Context, before *FileData, after FileData) ([]DetectedChange, error)
	ApplyChanges(ctx context.Context, f FileRef, changes []ChangeWithSnapshot) ([]byte, error)
}

// Registry resolves plugins by key or by file path.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{}
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Plugin) error {
	if p == nil || p.Key() == "" {
		return lixerrors.ValidationError("plugin key is required", nil)
	}
	if p.Key() == file.DescriptorPluginKey {
		return lixerrors.ValidationError(fmt.Sprintf("plugin key %q is reserved", p.Key()), nil)
	}
	if !doublestar.ValidatePattern(p.Glob()) {
		return lixerrors.ValidationError(fmt.Sprintf("plugin %s has invalid glob %q", p.Key(), p.Glob()), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Key() == p.Key() {
			return lixerrors.ConstraintViolation("plugin_key_unique",
				fmt.Sprintf("plugin %s is already registered", p.Key()))
		}
	}
	r.plugins = append(r.plugins, p)
	return nil
}

// ForPath returns the first registered plugin whose glob matches path.
func (r *Registry) ForPath(path string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := strings.TrimPrefix(path, "/")
	for _, p := range r.plugins {
		if ok, _ := doublestar.Match(p.Glob(), name); ok {
			return p, nil
		}
	}
	return nil, lixerrors.NotFoundf("no plugin matches %s", path)
}

func (r *Registry) ByKey(key string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Key() == key {
			return p, nil
		}
	}
	return nil, lixerrors.NotFoundf("plugin %s not registered", key)
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		keys[i] = p.Key()
	}
	return keys
}
