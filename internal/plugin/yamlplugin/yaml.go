// Package yamlplugin tracks YAML mappings at the granularity of their leaf
// values, using the same pointer entity ids as the JSON plugin.
package yamlplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"lix/internal/plugin"
)

const (
	Key        = "yaml"
	EntityType = "yaml_property"
)

type Property struct {
	Value any `json:"value"`
}

type Plugin struct {
	glob string
}

func New(glob string) *Plugin {
	if glob == "" {
		glob = "**/*.{yaml,yml}"
	}
	return &Plugin{glob: glob}
}

func (p *Plugin) Key() string  { return Key }
func (p *Plugin) Glob() string { return p.glob }

func parse(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if raw == nil {
		return map[string]any{}, nil
	}
	doc, ok := normalize(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parsing YAML: document root must be a mapping")
	}
	return doc, nil
}

// normalize converts mappings with non-string keys into string-keyed maps so
// values canonicalize as JSON.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			val[k] = normalize(child)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[fmt.Sprint(k)] = normalize(child)
		}
		return out
	case []any:
		for i, child := range val {
			val[i] = normalize(child)
		}
		return val
	}
	return v
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

	if len(doc) == 0 {
		return []byte{}, nil
	}
	return yaml.Marshal(doc)
}
