// Package envelope decodes reconstructed protocol messages and routes their
// path-addressed payloads.
//
// Two wire shapes carry a path and payload:
//
//	{"t":"d","d":{"r":1,"a":"q","b":{"p":"/models/attributes","d":{...}}}}  query/response
//	{"t":"d","d":{"a":"d","p":"/models/attributes","d":{...}}}              push update
//
// Keys are case-sensitive. Any other valid JSON object decodes to an Envelope that
// simply produces no routes.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpungsan/attrscope/internal/frame"
	"github.com/hpungsan/attrscope/internal/jsonutil"
)

// Kind classifies an envelope by its control metadata.
type Kind string

const (
	KindControl  Kind = "control"
	KindAuth     Kind = "auth"
	KindQuery    Kind = "query"
	KindDataPush Kind = "data-push"
	KindResponse Kind = "response"
	KindUnknown  Kind = "unknown"
)

// Provenance records how an envelope was reconstructed.
type Provenance string

const (
	ProvenanceDirect      Provenance = "direct"
	ProvenanceReassembled Provenance = "reassembled"
	ProvenanceRecovered   Provenance = "recovered"
)

// Source describes the frames an envelope was built from.
type Source struct {
	Conn          string          `json:"conn"`
	Direction     frame.Direction `json:"dir"`
	FirstSeq      uint64          `json:"first_seq"`
	LastSeq       uint64          `json:"last_seq"`
	Provenance    Provenance      `json:"provenance"`
	FragmentCount int             `json:"fragment_count"`
}

// Envelope is one complete, parsed protocol message. Never mutated after Decode.
type Envelope struct {
	Kind      Kind   `json:"kind"`
	Type      string `json:"t,omitempty"`
	Action    string `json:"action,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`

	// Path is the addressed location; HasPath distinguishes "" from absent
	Path    string `json:"path,omitempty"`
	HasPath bool   `json:"has_path"`

	// Payload is the raw payload; nil when absent or JSON null
	Payload json.RawMessage `json:"payload,omitempty"`

	// Shape is "query", "push" or "" depending on which wire shape carried the path
	Shape string `json:"shape,omitempty"`

	Source Source `json:"source"`
}

// HasPayload reports whether the envelope carries a non-null payload.
func (e *Envelope) HasPayload() bool {
	return len(e.Payload) > 0
}

// Decode parses a complete JSON object into an Envelope.
// It fails only when data is not a JSON object; unknown shapes decode with no path.
func Decode(data []byte, src Source) (*Envelope, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if top == nil {
		return nil, fmt.Errorf("decode envelope: not an object")
	}

	env := &Envelope{Source: src}
	env.Type = stringField(top, "t")

	body := objectField(top, "d")
	if body != nil {
		env.Action = stringField(body, "a")
		env.RequestID = scalarText(body["r"])

		if inner := objectField(body, "b"); inner != nil {
			env.Status = stringField(inner, "s")
			if p, ok := pathField(inner); ok {
				env.Path, env.HasPath, env.Shape = p, true, "query"
				env.Payload = nonNull(inner["d"])
			}
		}
		if !env.HasPath {
			if p, ok := pathField(body); ok {
				env.Path, env.HasPath, env.Shape = p, true, "push"
				env.Payload = nonNull(body["d"])
			}
		}
	}

	env.Kind = kindOf(env.Type, env.Action, env.RequestID, body)
	return env, nil
}

// kindOf maps the t discriminator and the d.a action to a Kind.
func kindOf(t, action, requestID string, body map[string]json.RawMessage) Kind {
	if t == "c" {
		return KindControl
	}
	if t != "d" {
		return KindUnknown
	}

	switch action {
	case "auth", "gauth", "unauth":
		return KindAuth
	case "q", "n", "g":
		return KindQuery
	case "d", "m", "p", "o", "om", "oc", "on", "put", "merge":
		return KindDataPush
	case "":
		if requestID != "" && body != nil {
			return KindResponse
		}
	}
	return KindUnknown
}

func objectField(m map[string]json.RawMessage, key string) map[string]json.RawMessage {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func stringField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func pathField(m map[string]json.RawMessage) (string, bool) {
	raw, ok := m["p"]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// scalarText renders a string or number member as text; other shapes yield "".
func scalarText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// nonNull returns raw compacted, or nil when it is absent or JSON null.
func nonNull(raw json.RawMessage) json.RawMessage {
	if jsonutil.IsNull(raw) {
		return nil
	}
	compact, err := jsonutil.Compact(raw)
	if err != nil {
		return nil
	}
	return compact
}

// JoinPath joins a base path and a child key with a single slash.
func JoinPath(base, child string) string {
	base = strings.TrimRight(base, "/")
	child = strings.TrimLeft(child, "/")
	if base == "" {
		return "/" + child
	}
	return base + "/" + child
}
