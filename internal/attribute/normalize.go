package attribute

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Table is the read side of a schema table.
type Table interface {
	Names() []string
	Get(name string) (json.RawMessage, bool)
}

// Normalize derives the attribute lists from table.
func Normalize(table Table, rules Rules) Result {
	n := normalizer{
		rules:     rules,
		booleans:  nameSet(rules.BooleanNames),
		numerics:  nameSet(rules.NumericNames),
		picklists: map[string]Attribute{},
		freeform:  map[string]Attribute{},
	}
	for _, name := range table.Names() {
		raw, ok := table.Get(name)
		if !ok {
			continue
		}
		n.entry(name, raw)
	}
	n.finalize()
	return n.result()
}

type normalizer struct {
	rules    Rules
	booleans map[string]bool
	numerics map[string]bool

	picklists map[string]Attribute
	freeform  map[string]Attribute
	nodeCats  []CategoryValue
	connCats  []CategoryValue
	skipped   []SkippedEntry
}

func (n *normalizer) skip(name, category, reason string) {
	n.skipped = append(n.skipped, SkippedEntry{Name: name, Category: category, Reason: reason})
}

func (n *normalizer) entry(name string, raw json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		n.skip(name, "", "entry is not an object")
		return
	}

	hint := ""
	if h, ok := scalarString(fields["gui_element"]); ok {
		hint = strings.ToLower(strings.TrimSpace(h))
	}

	categories, values := n.categories(name, fields["picklists"])

	switch name {
	case n.rules.NodeCategory:
		n.nodeCats = append(n.nodeCats, categoryValues(categories, values)...)
		return
	case n.rules.ConnectionCategory:
		n.connCats = append(n.connCats, categoryValues(categories, values)...)
		return
	}

	attr := Attribute{
		Name:        name,
		DisplayName: DisplayName(name),
		AppliesTo:   appliesTo(name, fields),
		GUIElement:  hint,
	}

	if hint != hintCheckbox && len(categories) > 0 {
		attr.Kind = KindPicklist
		attr.Categories = categories
		attr.Values = make(map[string][]string, len(categories))
		for _, c := range categories {
			attr.Values[c] = displays(values[c])
		}
		n.picklists[name] = attr
		return
	}

	attr.Kind = KindFreeform
	attr.DataType = resolveType(name, hint, hasNumericConstraint(fields), n.numerics)
	n.freeform[name] = attr
}

// categories returns the sorted names of non-empty categories and their items.
// Categories that are not a map or array are skipped individually.
func (n *normalizer) categories(name string, raw json.RawMessage) ([]string, map[string][]EnumItem) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var cats map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &cats); err != nil {
		n.skip(name, "", "picklists is not an object")
		return nil, nil
	}

	keys := make([]string, 0, len(cats))
	for k := range cats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var names []string
	values := map[string][]EnumItem{}
	for _, k := range keys {
		items, ok := parseCategory(cats[k])
		if !ok {
			n.skip(name, k, "category is not a map")
			continue
		}
		if len(items) == 0 {
			continue
		}
		names = append(names, k)
		values[k] = items
	}
	return names, values
}

func categoryValues(categories []string, values map[string][]EnumItem) []CategoryValue {
	var out []CategoryValue
	for _, c := range categories {
		for _, item := range values[c] {
			out = append(out, CategoryValue{
				Category:     c,
				RawValue:     item.Display(),
				DisplayValue: StripCategoryPrefix(item.Display()),
			})
		}
	}
	return out
}

func displays(items []EnumItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Display()
	}
	return out
}

func hasNumericConstraint(fields map[string]json.RawMessage) bool {
	for _, k := range numericConstraintKeys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return true
		}
		var s json.Number
		if err := json.Unmarshal(raw, &s); err == nil {
			if _, err := s.Float64(); err == nil {
				return true
			}
		}
	}
	return false
}

// appliesTo resolves scopes from explicit tags, then name heuristics, then node.
func appliesTo(name string, fields map[string]json.RawMessage) []Scope {
	for _, key := range []string{"applies_to", "attribute_types"} {
		if scopes := scopesFromTags(tagList(fields[key])); len(scopes) > 0 {
			return scopes
		}
	}
	if scopes := scopesFromName(name); len(scopes) > 0 {
		return scopes
	}
	return []Scope{ScopeNode}
}

// tagList accepts an array of strings, a single string, or an object whose
// values (or, for boolean flags, keys) are tags.
func tagList(raw json.RawMessage) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return []string{s}
		}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil
		}
		var tags []string
		for _, item := range items {
			if s, ok := scalarString(item); ok {
				tags = append(tags, s)
			}
		}
		return tags
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var tags []string
		for _, k := range keys {
			v := bytes.TrimSpace(obj[k])
			switch {
			case bytes.Equal(v, []byte("true")):
				tags = append(tags, k)
			default:
				if s, ok := scalarString(v); ok {
					tags = append(tags, s)
				}
			}
		}
		return tags
	}
	return nil
}

// finalize enforces that boolean allow-list names surface only as freeform
// booleans and that no name appears in both lists.
func (n *normalizer) finalize() {
	for name := range n.booleans {
		if p, ok := n.picklists[name]; ok {
			delete(n.picklists, name)
			if _, exists := n.freeform[name]; !exists {
				p.Kind = KindFreeform
				p.Categories = nil
				p.Values = nil
				n.freeform[name] = p
			}
		}
		if f, ok := n.freeform[name]; ok {
			f.DataType = TypeBoolean
			n.freeform[name] = f
		}
	}
	for name := range n.picklists {
		delete(n.freeform, name)
	}
}

func (n *normalizer) result() Result {
	res := Result{
		Picklists:            sortedAttributes(n.picklists),
		Freeform:             sortedAttributes(n.freeform),
		NodeCategories:       n.nodeCats,
		ConnectionCategories: n.connCats,
		Skipped:              n.skipped,
	}
	if res.NodeCategories == nil {
		res.NodeCategories = []CategoryValue{}
	}
	if res.ConnectionCategories == nil {
		res.ConnectionCategories = []CategoryValue{}
	}
	if res.Skipped == nil {
		res.Skipped = []SkippedEntry{}
	}
	return res
}

func sortedAttributes(m map[string]Attribute) []Attribute {
	out := make([]Attribute, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
