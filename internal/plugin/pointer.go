package plugin

import (
	"fmt"
	"sort"
	"strings"

	"lix/internal/snapshot"
)

// Entity ids of document plugins are JSON pointers (RFC 6901) to the leaf
// values of a nested mapping. Non-empty mappings are descended into; every
// other value, including arrays and empty mappings, is a leaf.

func escapeToken(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

func unescapeToken(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~1", "/"), "~0", "~")
}

// Flatten maps every leaf of doc to its pointer.
func Flatten(doc map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", doc, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		ptr := prefix + "/" + escapeToken(k)
		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			flatten(ptr, child, out)
			continue
		}
		out[ptr] = v
	}
}

func splitPointer(ptr string) ([]string, error) {
	if !strings.HasPrefix(ptr, "/") {
		return nil, fmt.Errorf("invalid pointer %q", ptr)
	}
	tokens := strings.Split(ptr[1:], "/")
	for i, t := range tokens {
		tokens[i] = unescapeToken(t)
	}
	return tokens, nil
}

// SetPointer writes value at ptr, creating intermediate mappings. A leaf in
// the way is replaced by a mapping.
func SetPointer(doc map[string]any, ptr string, value any) error {
	tokens, err := splitPointer(ptr)
	if err != nil {
		return err
	}
	cur := doc
	for _, t := range tokens[:len(tokens)-1] {
		next, ok := cur[t].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[t] = next
		}
		cur = next
	}
	cur[tokens[len(tokens)-1]] = value
	return nil
}

// DeletePointer removes the value at ptr and prunes mappings left empty.
func DeletePointer(doc map[string]any, ptr string) error {
	tokens, err := splitPointer(ptr)
	if err != nil {
		return err
	}
	deletePath(doc, tokens)
	return nil
}

func deletePath(m map[string]any, tokens []string) {
	if len(tokens) == 1 {
		delete(m, tokens[0])
		return
	}
	child, ok := m[tokens[0]].(map[string]any)
	if !ok {
		return
	}
	deletePath(child, tokens[1:])
	if len(child) == 0 {
		delete(m, tokens[0])
	}
}

// DiffLeaves compares two flattened documents and reports the changed,
// added and removed leaves in pointer order. Values are compared by their
// canonical form, so formatting differences never produce changes.
func DiffLeaves(before, after map[string]any, entityType string, wrap func(any) any) ([]DetectedChange, error) {
	keys := make([]string, 0, len(before)+len(after))
	for k := range after {
		keys = append(keys, k)
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []DetectedChange
	for _, k := range keys {
		newVal, inAfter := after[k]
		oldVal, inBefore := before[k]

		if !inAfter {
			out = append(out, DetectedChange{EntityID: k, Type: entityType})
			continue
		}
		if inBefore {
			same, err := sameValue(oldVal, newVal)
			if err != nil {
				return nil, err
			}
			if same {
				continue
			}
		}
		out = append(out, DetectedChange{EntityID: k, Type: entityType, Snapshot: wrap(newVal)})
	}
	return out, nil
}

func sameValue(a, b any) (bool, error) {
	ca, err := snapshot.CanonicalJSON(a)
	if err != nil {
		return false, err
	}
	cb, err := snapshot.CanonicalJSON(b)
	if err != nil {
		return false, err
	}
	return string(ca) == string(cb), nil
}
