package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// CanonicalJSON converts a value to canonical JSON: object keys sorted
// recursively, no insignificant whitespace, numbers in a fixed format.
// json.RawMessage and []byte holding JSON are canonicalized as documents.
func CanonicalJSON(v any) ([]byte, error) {
	var data []byte
	switch raw := v.(type) {
	case json.RawMessage:
		data = raw
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := canonicalMarshal(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalMarshal(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		return marshalSortedMap(buf, val)
	case []any:
		return marshalArray(buf, val)
	case json.Number:
		return marshalNumber(buf, val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

func marshalSortedMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := canonicalMarshal(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func marshalArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := canonicalMarshal(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// marshalNumber writes integers in base 10 and everything else the way
// encoding/json formats a float64, so 1, 1.0 and 1e0 all become 1.
func marshalNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", n, err)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
