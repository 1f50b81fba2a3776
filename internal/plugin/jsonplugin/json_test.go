package jsonplugin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix/internal/change"
	"lix/internal/plugin"
	"lix/internal/snapshot"
)

func detect(t *testing.T, before, after string) []plugin.DetectedChange {
	var prev *plugin.FileData
	if before != "" {
		prev = &plugin.FileData{Path: "/a.json", Data: []byte(before)}
	}
	changes, err := New("").DetectChanges(context.Background(), prev, plugin.FileData{Path: "/a.json", Data: []byte(after)})
	require.NoError(t, err)
	return changes
}

func TestDetectChanges(t *testing.T) {
	t.Run("new file reports every leaf", func(t *testing.T) {
		changes := detect(t, "", `{"foo":"bar","nested":{"a":1,"b":[1,2]}}`)
		require.Len(t, changes, 3)
		assert.Equal(t, "/foo", changes[0].EntityID)
		assert.Equal(t, "/nested/a", changes[1].EntityID)
		assert.Equal(t, "/nested/b", changes[2].EntityID)
		assert.Equal(t, Property{Value: "bar"}, changes[0].Snapshot)
	})

	t.Run("unchanged file yields nothing", func(t *testing.T) {
		assert.Empty(t, detect(t, `{"foo":"bar","n":1}`, "{\n  \"n\": 1.0,\n  \"foo\": \"bar\"\n}"))
	})

	t.Run("update and delete", func(t *testing.T) {
		changes := detect(t, `{"foo":"bar","gone":true}`, `{"foo":"baz"}`)
		require.Len(t, changes, 2)
		assert.Equal(t, "/foo", changes[0].EntityID)
		assert.Equal(t, Property{Value: "baz"}, changes[0].Snapshot)
		assert.Equal(t, "/gone", changes[1].EntityID)
		assert.Nil(t, changes[1].Snapshot)
	})

	t.Run("keys with slashes are escaped", func(t *testing.T) {
		changes := detect(t, "", `{"a/b":{"~c":1}}`)
		require.Len(t, changes, 1)
		assert.Equal(t, "/a~1b/~0c", changes[0].EntityID)
	})

	t.Run("deterministic", func(t *testing.T) {
		doc := `{"z":1,"y":{"x":2},"w":[3]}`
		assert.Equal(t, detect(t, "", doc), detect(t, "", doc))
	})

	t.Run("invalid JSON fails", func(t *testing.T) {
		_, err := New("").DetectChanges(context.Background(), nil, plugin.FileData{Data: []byte("{")})
		assert.Error(t, err)
	})
}

func withSnapshot(t *testing.T, entity string, v any) plugin.ChangeWithSnapshot {
	c := plugin.ChangeWithSnapshot{Change: change.Change{EntityID: entity}}
	if v != nil {
		raw, err := snapshot.CanonicalJSON(v)
		require.NoError(t, err)
		c.Content = raw
	}
	return c
}

func TestApplyChanges(t *testing.T) {
	p := New("")
	out, err := p.ApplyChanges(context.Background(), plugin.FileRef{Path: "/a.json"}, []plugin.ChangeWithSnapshot{
		withSnapshot(t, "/foo", Property{Value: "bar"}),
		withSnapshot(t, "/nested/a", Property{Value: 1}),
		withSnapshot(t, "/nested/b", Property{Value: 2}),
		withSnapshot(t, "/nested/b", nil),
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, map[string]any{"foo": "bar", "nested": map[string]any{"a": float64(1)}}, doc)

	t.Run("round trip detects nothing", func(t *testing.T) {
		again, err := p.ApplyChanges(context.Background(), plugin.FileRef{}, nil)
		require.NoError(t, err)
		assert.Equal(t, "{}\n", string(again))
		assert.Empty(t, detect(t, string(out), string(out)))
	})
}
