package frame

import (
	"encoding/json"
	"regexp"
)

// Kind is the classification of one frame.
type Kind int

const (
	KindFragment Kind = iota
	KindHeartbeat
	KindComplete
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindComplete:
		return "complete"
	default:
		return "fragment"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// heartbeatRegex matches a bare integer with optional sign and surrounding whitespace
var heartbeatRegex = regexp.MustCompile(`^\s*[+-]?\d+\s*$`)

// Classification is the result of Classify.
type Classification struct {
	Kind Kind

	// Object holds the top-level members when Kind is KindComplete
	Object map[string]json.RawMessage
}

// Classify decides whether text is a heartbeat, a complete envelope, or a fragment.
// Only JSON objects are complete envelopes; any other valid JSON value is an
// interior piece of a split envelope and classifies as a fragment.
func Classify(text string) Classification {
	if IsHeartbeat(text) {
		return Classification{Kind: KindHeartbeat}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return Classification{Kind: KindFragment}
	}
	return Classification{Kind: KindComplete, Object: obj}
}

// IsHeartbeat reports whether text is a bare numeric keep-alive.
func IsHeartbeat(text string) bool {
	return heartbeatRegex.MatchString(text)
}

// LooksLikeEnvelope reports whether a parsed object carries the top-level "t" discriminator.
func LooksLikeEnvelope(obj map[string]json.RawMessage) bool {
	_, ok := obj["t"]
	return ok
}
