// Package schema holds the merged attribute-schema table for one session.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/hpungsan/attrscope/internal/envelope"
	"github.com/hpungsan/attrscope/internal/jsonutil"
)

// Table maps attribute names to their raw definitions. Names keep first-insertion
// order; a later write replaces the definition without moving the name.
// A Table is not safe for concurrent use.
type Table struct {
	names   []string
	entries map[string]json.RawMessage
}

// MergeResult summarizes one merge call.
type MergeResult struct {
	Added    int `json:"added"`
	Replaced int `json:"replaced"`
	// Unchanged counts upserts whose definition was byte-identical to the stored one
	Unchanged int `json:"unchanged"`
}

// Changed reports whether the merge modified the table.
func (r MergeResult) Changed() bool {
	return r.Added > 0 || r.Replaced > 0
}

func (r *MergeResult) add(o MergeResult) {
	r.Added += o.Added
	r.Replaced += o.Replaced
	r.Unchanged += o.Unchanged
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]json.RawMessage)}
}

// Merge upserts every top-level member of payload as one attribute definition.
// A null payload is a no-op. Members are applied in document order, so a
// duplicate key inside one payload resolves to its last occurrence.
func (t *Table) Merge(payload json.RawMessage) (MergeResult, error) {
	if jsonutil.IsNull(payload) {
		return MergeResult{}, nil
	}
	members, err := jsonutil.Members(payload)
	if err != nil {
		return MergeResult{}, fmt.Errorf("merge schema payload: %w", err)
	}

	var res MergeResult
	for _, m := range members {
		if jsonutil.IsNull(m.Value) {
			continue
		}
		r, err := t.Set(m.Key, m.Value)
		if err != nil {
			return res, err
		}
		res.add(r)
	}
	return res, nil
}

// MergeAt applies payload at a schema-relevant path.
//
// A path addressing the whole table merges payload as a table. A path ending in
// an attribute name replaces that one definition. A path that continues past the
// attribute name sets the nested field inside the stored definition, creating
// intermediate objects as needed. Null payloads never modify the table.
func (t *Table) MergeAt(path string, payload json.RawMessage) (MergeResult, error) {
	if jsonutil.IsNull(payload) {
		return MergeResult{}, nil
	}
	name, field := envelope.AttributeTarget(path)
	switch {
	case name == "":
		return t.Merge(payload)
	case len(field) == 0:
		return t.Set(name, payload)
	default:
		return t.setField(name, field, payload)
	}
}

// Set stores def as the definition of name, replacing any previous definition.
func (t *Table) Set(name string, def json.RawMessage) (MergeResult, error) {
	compact, err := jsonutil.Compact(def)
	if err != nil {
		return MergeResult{}, fmt.Errorf("attribute %q: %w", name, err)
	}

	prev, ok := t.entries[name]
	switch {
	case !ok:
		t.names = append(t.names, name)
		t.entries[name] = compact
		return MergeResult{Added: 1}, nil
	case string(prev) == string(compact):
		return MergeResult{Unchanged: 1}, nil
	default:
		t.entries[name] = compact
		return MergeResult{Replaced: 1}, nil
	}
}

func (t *Table) setField(name string, field []string, value json.RawMessage) (MergeResult, error) {
	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return MergeResult{}, fmt.Errorf("attribute %q field: %w", name, err)
	}

	root := map[string]any{}
	if prev, ok := t.entries[name]; ok {
		var existing any
		if err := json.Unmarshal(prev, &existing); err == nil {
			if obj, ok := existing.(map[string]any); ok {
				root = obj
			}
		}
	}

	cur := root
	for _, key := range field[:len(field)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	cur[field[len(field)-1]] = v

	def, err := json.Marshal(root)
	if err != nil {
		return MergeResult{}, fmt.Errorf("attribute %q: %w", name, err)
	}
	return t.Set(name, def)
}

// Get returns the stored definition of name.
func (t *Table) Get(name string) (json.RawMessage, bool) {
	def, ok := t.entries[name]
	return def, ok
}

// Names returns attribute names in first-insertion order.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Len returns the number of attributes.
func (t *Table) Len() int {
	return len(t.names)
}

// Snapshot returns a copy of the name to definition mapping.
func (t *Table) Snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	return &Table{names: t.Names(), entries: t.Snapshot()}
}

// MarshalJSON renders the table as one object in insertion order.
func (t *Table) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, name := range t.names {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, t.entries[name]...)
	}
	return append(buf, '}'), nil
}
