package attribute

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/hpungsan/attrscope/internal/jsonutil"
)

// EnumItem is one enumerated value. Upstream sends either a bare scalar or an
// object exposing the value under "value".
type EnumItem struct {
	text    string
	wrapped bool
}

// RawString is an item sent as a bare scalar.
func RawString(s string) EnumItem { return EnumItem{text: s} }

// ValueWrapped is an item sent as {"value": ...}.
func ValueWrapped(s string) EnumItem { return EnumItem{text: s, wrapped: true} }

// Display returns the item's display string.
func (e EnumItem) Display() string { return e.text }

// Wrapped reports whether the item came from a {"value": ...} object.
func (e EnumItem) Wrapped() bool { return e.wrapped }

// ParseEnumItem decodes one item. Objects without a scalar "value" and null
// items are rejected.
func ParseEnumItem(raw json.RawMessage) (EnumItem, bool) {
	if jsonutil.IsNull(raw) {
		return EnumItem{}, false
	}
	if jsonutil.IsObject(raw) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return EnumItem{}, false
		}
		v, ok := obj["value"]
		if !ok {
			return EnumItem{}, false
		}
		s, ok := scalarString(v)
		if !ok {
			return EnumItem{}, false
		}
		return ValueWrapped(s), true
	}
	s, ok := scalarString(raw)
	if !ok {
		return EnumItem{}, false
	}
	return RawString(s), true
}

// scalarString renders a JSON string, number or boolean as text.
func scalarString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", false
		}
		return strconv.FormatBool(b), true
	case '{', '[', 'n':
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}

// parseCategory decodes the items of one enumerated-value category.
// A category is either an object keyed by index or an array; anything else fails.
// Object items are ordered numerically when every key is an integer, else by key.
func parseCategory(raw json.RawMessage) ([]EnumItem, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}

	var ordered []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &ordered); err != nil {
			return nil, false
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, false
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sortItemKeys(keys)
		for _, k := range keys {
			ordered = append(ordered, obj[k])
		}
	default:
		return nil, false
	}

	items := make([]EnumItem, 0, len(ordered))
	for _, r := range ordered {
		if item, ok := ParseEnumItem(r); ok {
			items = append(items, item)
		}
	}
	return items, true
}

func sortItemKeys(keys []string) {
	nums := make(map[string]int, len(keys))
	for _, k := range keys {
		n, err := strconv.Atoi(k)
		if err != nil {
			sort.Strings(keys)
			return
		}
		nums[k] = n
	}
	sort.Slice(keys, func(i, j int) bool { return nums[keys[i]] < nums[keys[j]] })
}
