// Package attribute projects a merged schema table into typed attribute descriptors.
//
// Normalize is a pure function of the table and its Rules: it keeps no state
// between calls and its output is sorted, so equal tables always produce
// byte-identical results.
package attribute

// Kind partitions attributes into enumerated and scalar attributes.
type Kind string

const (
	KindPicklist Kind = "picklist"
	KindFreeform Kind = "freeform"
)

// DataType is the resolved scalar type of a freeform attribute.
type DataType string

const (
	TypeBoolean  DataType = "boolean"
	TypeNumber   DataType = "number"
	TypeDate     DataType = "date"
	TypeText     DataType = "text"
	TypeTextarea DataType = "textarea"
	TypeLocation DataType = "location"
)

// Scope is an element kind an attribute can apply to.
type Scope string

const (
	ScopeNode       Scope = "node"
	ScopeConnection Scope = "connection"
	ScopeSection    Scope = "section"
)

// scopeOrder is the canonical output order for heuristic scopes.
var scopeOrder = []Scope{ScopeNode, ScopeConnection, ScopeSection}

func parseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeNode, ScopeConnection, ScopeSection:
		return Scope(s), true
	}
	return "", false
}

// Attribute is one normalized attribute.
type Attribute struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Kind        Kind   `json:"kind"`

	// DataType is set for freeform attributes only
	DataType DataType `json:"data_type,omitempty"`

	// Categories and Values are set for picklist attributes only
	Categories []string            `json:"categories,omitempty"`
	Values     map[string][]string `json:"values,omitempty"`

	AppliesTo  []Scope `json:"applies_to"`
	GUIElement string  `json:"gui_element,omitempty"`
}

// CategoryValue is one enumerated value of the node or connection category attribute.
// RawValue is kept verbatim; DisplayValue has any leading "word:" prefix removed.
type CategoryValue struct {
	Category     string `json:"category"`
	RawValue     string `json:"raw_value"`
	DisplayValue string `json:"display_value"`
}

// SkippedEntry records a schema entry, or one category of it, that could not be used.
type SkippedEntry struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason"`
}

// Result is the output of one normalization pass. Slices are never nil.
type Result struct {
	Picklists            []Attribute     `json:"picklists"`
	Freeform             []Attribute     `json:"freeform"`
	NodeCategories       []CategoryValue `json:"node_categories"`
	ConnectionCategories []CategoryValue `json:"connection_categories"`
	Skipped              []SkippedEntry  `json:"skipped"`
}
