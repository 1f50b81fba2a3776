// Package jsonplugin tracks JSON documents at the granularity of their leaf
// values. Each leaf is an entity addressed by its JSON pointer.
package jsonplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"lix/internal/plugin"
)

const (
	Key        = "json"
	EntityType = "json_property"
)

// Property is the snapshot content of one JSON leaf.
type Property struct {
	Value any `json:"value"`
}

type Plugin struct {
	glob string
}

// New returns the JSON plugin. An empty glob matches every .json file.
func New(glob string) *Plugin {
	if glob == "" {
		glob = "**/*.json"
	}
	return &Plugin{glob: glob}
}

func (p *Plugin) Key() string  { return Key }
func (p *Plugin) Glob() string { return p.glob }

func parse(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func (p *Plugin) DetectChanges(_ context.Context, before *plugin.FileData, after plugin.FileData) ([]plugin.DetectedChange, error) {
	prev := map[string]any{}
	if before != nil {
		doc, err := parse(before.Data)
		if err != nil {
			return nil, fmt.Errorf("before: %w", err)
		}
		prev = plugin.Flatten(doc)
	}

	doc, err := parse(after.Data)
	if err != nil {
		return nil, err
	}

	return plugin.DiffLeaves(prev, plugin.Flatten(doc), EntityType, func(v any) any {
		return Property{Value: v}
	})
}

func (p *Plugin) ApplyChanges(_ context.Context, _ plugin.FileRef, changes []plugin.ChangeWithSnapshot) ([]byte, error) {
	doc := map[string]any{}
	for _, c := range changes {
		if c.Content == nil {
			if err := plugin.DeletePointer(doc, c.EntityID); err != nil {
				return nil, err
			}
			continue
		}
		var prop Property
		if err := json.Unmarshal(c.Content, &prop); err != nil {
			return nil, fmt.Errorf("decoding snapshot of %s: %w", c.EntityID, err)
		}
		if err := plugin.SetPointer(doc, c.EntityID, prop.Value); err != nil {
			return nil, err
		}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
