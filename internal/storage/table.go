package storage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Table is a key namespace inside the store. Row keys are the table prefix
// followed by ':'-separated, query-escaped key parts.
type Table struct {
	prefix string
}

func NewTable(prefix string) Table {
	return Table{prefix: prefix}
}

func (t Table) Name() string {
	return t.prefix
}

// Key builds the row key for the given parts.
func (t Table) Key(parts ...string) []byte {
	var b strings.Builder
	b.WriteString(t.prefix)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(p))
	}
	return []byte(b.String())
}

// Prefix builds a scan prefix that matches every key extending parts.
func (t Table) Prefix(parts ...string) []byte {
	return append(t.Key(parts...), ':')
}

// Parts splits a row key of this table back into its unescaped parts.
func (t Table) Parts(key []byte) ([]string, error) {
	rest := strings.TrimPrefix(string(key), t.prefix+":")
	raw := strings.Split(rest, ":")
	parts := make([]string, len(raw))
	for i, r := range raw {
		p, err := url.QueryUnescape(r)
		if err != nil {
			return nil, fmt.Errorf("decoding key %q: %w", key, err)
		}
		parts[i] = p
	}
	return parts, nil
}

// Insert stores v under id and fails with ErrExists if the row is present.
func (t Table) Insert(txn *Txn, v any, id ...string) error {
	key := t.Key(id...)
	exists, err := txn.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s %s: %w", t.prefix, strings.Join(id, "/"), ErrExists)
	}
	return txn.SetJSON(key, v)
}

// Put stores v under id, replacing any existing row.
func (t Table) Put(txn *Txn, v any, id ...string) error {
	return txn.SetJSON(t.Key(id...), v)
}

func (t Table) Get(txn *Txn, v any, id ...string) error {
	return txn.GetJSON(t.Key(id...), v)
}

func (t Table) Has(txn *Txn, id ...string) (bool, error) {
	return txn.Has(t.Key(id...))
}

// Update replaces an existing row and fails with ErrNotFound otherwise.
func (t Table) Update(txn *Txn, v any, id ...string) error {
	key := t.Key(id...)
	exists, err := txn.Has(key)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return txn.SetJSON(key, v)
}

func (t Table) Delete(txn *Txn, id ...string) error {
	return txn.Delete(t.Key(id...))
}

// List decodes every row whose key extends parts.
func List[T any](txn *Txn, t Table, parts ...string) ([]T, error) {
	var results []T
	err := txn.Scan(t.Prefix(parts...), true, func(_, value []byte) error {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		results = append(results, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", t.prefix, err)
	}
	return results, nil
}

// KeyParts returns the unescaped trailing key parts of every row under parts.
func KeyParts(txn *Txn, t Table, parts ...string) ([][]string, error) {
	keys, err := txn.Keys(t.Prefix(parts...))
	if err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(keys))
	for _, k := range keys {
		all, err := t.Parts(k)
		if err != nil {
			return nil, err
		}
		out = append(out, all[len(parts):])
	}
	return out, nil
}
