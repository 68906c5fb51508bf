package attribute

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rules configures the name-based parts of normalization.
type Rules struct {
	// BooleanNames always normalize to freeform booleans, even when they carry picklists
	BooleanNames []string

	// NumericNames are measurement attributes rendered as number when their hint is a textbox
	NumericNames []string

	// NodeCategory and ConnectionCategory name the attributes extracted into category lists
	NodeCategory       string
	ConnectionCategory string
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		BooleanNames: []string{
			"done",
			"field_completed",
			"make_ready_required",
			"proposed",
			"reviewed",
			"street_light",
		},
		NumericNames: []string{
			"attachment_height",
			"ground_clearance",
			"measured_height",
			"midspan_height",
			"pole_class_height",
			"pole_height",
			"pole_length",
			"span_length",
		},
		NodeCategory:       "node_type",
		ConnectionCategory: "connection_type",
	}
}

// WithExtra returns a copy of r with additional boolean and numeric names.
func (r Rules) WithExtra(booleans, numerics []string) Rules {
	r.BooleanNames = append(append([]string(nil), r.BooleanNames...), booleans...)
	r.NumericNames = append(append([]string(nil), r.NumericNames...), numerics...)
	return r
}

func nameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// GUI element hints, compared lowercased.
const hintCheckbox = "checkbox"

var (
	textboxHints  = map[string]bool{"": true, "textbox": true, "text": true, "textfield": true, "input": true}
	textareaHints = map[string]bool{"textarea": true, "text_area": true}
	dateHints     = map[string]bool{"date": true, "datepicker": true, "date_picker": true, "datetime": true}
	locationHints = map[string]bool{"gps": true, "location": true, "coordinates": true}
)

// numericConstraintKeys mark an entry as numeric when any carries a number.
var numericConstraintKeys = []string{"min", "max", "step", "minimum", "maximum"}

// resolveType applies the freeform type rules in order; the first match wins.
func resolveType(name, hint string, hasNumericConstraint bool, numeric map[string]bool) DataType {
	switch {
	case hint == hintCheckbox:
		return TypeBoolean
	case numeric[name] && textboxHints[hint]:
		return TypeNumber
	case hasNumericConstraint:
		return TypeNumber
	case textareaHints[hint]:
		return TypeTextarea
	case dateHints[hint]:
		return TypeDate
	case locationHints[hint]:
		return TypeLocation
	case hint == "":
		return typeFromName(name)
	}
	return TypeText
}

var (
	dateNameParts     = []string{"date"}
	numberNameParts   = []string{"height", "diameter", "elevation", "capacity", "clearance", "length", "lat", "lng", "coordinates"}
	textareaNameParts = []string{"note", "description"}
)

func typeFromName(name string) DataType {
	lower := strings.ToLower(name)
	switch {
	case containsAny(lower, dateNameParts):
		return TypeDate
	case containsAny(lower, numberNameParts):
		return TypeNumber
	case containsAny(lower, textareaNameParts):
		return TypeTextarea
	}
	return TypeText
}

var scopeNameParts = []struct {
	parts  []string
	scopes []Scope
}{
	{[]string{"pole", "equipment", "manufacturer", "serial", "model"}, []Scope{ScopeNode}},
	{[]string{"cable", "voltage", "ampacity", "ground_clearance"}, []Scope{ScopeConnection}},
	{[]string{"span", "right_of_way", "easement"}, []Scope{ScopeSection}},
	{[]string{"note", "inspection", "condition", "ownership", "installation", "address", "coordinates", "lat", "lng"}, scopeOrder},
}

// scopesFromName unions every heuristic group the name matches, in canonical order.
func scopesFromName(name string) []Scope {
	lower := strings.ToLower(name)
	matched := map[Scope]bool{}
	for _, g := range scopeNameParts {
		if containsAny(lower, g.parts) {
			for _, s := range g.scopes {
				matched[s] = true
			}
		}
	}
	var out []Scope
	for _, s := range scopeOrder {
		if matched[s] {
			out = append(out, s)
		}
	}
	return out
}

// scopesFromTags keeps recognized tags, deduplicated, in first-seen order.
func scopesFromTags(tags []string) []Scope {
	seen := map[Scope]bool{}
	var out []Scope
	for _, t := range tags {
		s, ok := parseScope(strings.ToLower(strings.TrimSpace(t)))
		if !ok || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func containsAny(s string, parts []string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// DisplayName splits name on underscores and upper-cases the first letter of
// each segment, leaving the rest of the segment as is.
func DisplayName(name string) string {
	segments := strings.Split(name, "_")
	out := segments[:0]
	for _, s := range segments {
		if s == "" {
			continue
		}
		r, size := utf8.DecodeRuneInString(s)
		out = append(out, string(unicode.ToUpper(r))+s[size:])
	}
	return strings.Join(out, " ")
}

var categoryPrefix = regexp.MustCompile(`^\w+:\s*`)

// StripCategoryPrefix removes a leading "word:" token.
func StripCategoryPrefix(v string) string {
	return categoryPrefix.ReplaceAllString(v, "")
}
