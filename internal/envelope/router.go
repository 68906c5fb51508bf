package envelope

import (
	"encoding/json"
	"strings"

	"github.com/hpungsan/attrscope/internal/jsonutil"
)

// Route is one (path, payload) pair extracted from an envelope.
type Route struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// SchemaRelevant is set when Path addresses the attribute schema
	SchemaRelevant bool `json:"schema_relevant"`

	// Pending is set for schema-relevant paths with no payload; such routes are
	// recorded but never merged
	Pending bool `json:"pending"`
}

// Routes extracts the path/payload pairs of env.
//
// A merge action ("m") whose payload is an object addresses each child key
// separately, so it expands into one route per member in document order.
// Envelopes without a path produce no routes.
func Routes(env *Envelope) []Route {
	if env == nil || !env.HasPath {
		return nil
	}

	if env.Action == "m" && jsonutil.IsObject(env.Payload) {
		members, err := jsonutil.Members(env.Payload)
		if err == nil {
			routes := make([]Route, 0, len(members))
			for _, m := range members {
				routes = append(routes, newRoute(JoinPath(env.Path, m.Key), nonNull(m.Value)))
			}
			return routes
		}
	}

	return []Route{newRoute(env.Path, env.Payload)}
}

// RouteAt builds the route for a payload addressed to path by other means, such
// as a response correlated to an earlier request.
func RouteAt(path string, payload json.RawMessage) Route {
	return newRoute(path, nonNull(payload))
}

func newRoute(path string, payload json.RawMessage) Route {
	relevant := IsSchemaRelevant(path)
	return Route{
		Path:           path,
		Payload:        payload,
		SchemaRelevant: relevant,
		Pending:        relevant && len(payload) == 0,
	}
}

// IsSchemaRelevant reports whether path contains "models" followed, somewhere
// later, by "attributes". Matching is on substrings, not segments.
func IsSchemaRelevant(path string) bool {
	i := strings.Index(path, "models")
	if i < 0 {
		return false
	}
	return strings.Contains(path[i+len("models"):], "attributes")
}

// AttributeTarget locates what a schema-relevant path addresses.
//
// The segment after the last segment exactly equal to "attributes" names a
// single attribute, and any further segments address a field nested inside it.
// When no such segment follows, the path addresses the whole table and name is "".
func AttributeTarget(path string) (name string, field []string) {
	segments := splitPath(path)
	last := -1
	for i, s := range segments {
		if s == "attributes" {
			last = i
		}
	}
	if last < 0 || last == len(segments)-1 {
		return "", nil
	}
	name = segments[last+1]
	if rest := segments[last+2:]; len(rest) > 0 {
		field = append([]string(nil), rest...)
	}
	return name, field
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}
