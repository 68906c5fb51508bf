package frame

import (
	"strings"
	"time"
)

// DefaultConn is the connection name used when a feed does not distinguish connections.
const DefaultConn = "default"

// Direction is the side of the transport a frame travelled.
type Direction string

const (
	DirectionReceived Direction = "received"
	DirectionSent     Direction = "sent"
)

// ParseDirection accepts "received"/"recv"/"in" and "sent"/"send"/"out".
// Empty input defaults to received.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "received", "recv", "in", "incoming":
		return DirectionReceived, true
	case "sent", "send", "out", "outgoing":
		return DirectionSent, true
	default:
		return "", false
	}
}

// RawFrame is one transport-delivered text unit. Never mutated after it is recorded.
type RawFrame struct {
	// Seq is the monotonic arrival index, assigned by the session
	Seq uint64 `json:"seq"`

	// Conn identifies the transport connection the frame arrived on
	Conn string `json:"conn"`

	// Direction is sent or received
	Direction Direction `json:"dir"`

	// Text is the payload exactly as delivered
	Text string `json:"text"`

	// At is the arrival time
	At time.Time `json:"at"`
}

// StreamKey identifies one ordered fragment stream: a direction on a connection.
type StreamKey struct {
	Conn      string
	Direction Direction
}

// Stream returns the fragment stream the frame belongs to.
func (f RawFrame) Stream() StreamKey {
	conn := f.Conn
	if conn == "" {
		conn = DefaultConn
	}
	return StreamKey{Conn: conn, Direction: f.Direction}
}
