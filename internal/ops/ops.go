// Package ops implements the attrscope operations shared by the CLI, MCP and
// HTTP surfaces. Each operation takes an input struct and returns an output
// struct with JSON tags; failures are *errors.ScopeError values.
package ops

import (
	"fmt"
	"strings"

	"github.com/hpungsan/attrscope/internal/frame"
)

// Pagination and batch limits
const (
	DefaultEnvelopeLimit = 50
	MaxEnvelopeLimit     = 500
	DefaultFrameLimit    = 100
	MaxFrameLimit        = 1000
	MaxIngestFrames      = 1000
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Notifier is told about every ingested frame. *reconcile.Driver implements it.
type Notifier interface {
	Notify()
}

// FrameInput is one frame as supplied by a caller.
type FrameInput struct {
	Conn string `json:"conn,omitempty"`
	Dir  string `json:"dir,omitempty"`
	Text string `json:"text"`
}

// frameTarget is a validated FrameInput.
type frameTarget struct {
	conn string
	dir  frame.Direction
	text string
}

// parseFrame normalizes conn and direction.
func parseFrame(in FrameInput) (frameTarget, error) {
	dir, ok := frame.ParseDirection(in.Dir)
	if !ok {
		return frameTarget{}, fmt.Errorf("dir %q must be one of: received, sent", in.Dir)
	}
	conn := strings.TrimSpace(in.Conn)
	if conn == "" {
		conn = frame.DefaultConn
	}
	return frameTarget{conn: conn, dir: dir, text: in.Text}, nil
}

// clampLimit applies a default and a ceiling to a caller-supplied limit.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
