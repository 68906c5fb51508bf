package mcp

import "github.com/mark3labs/mcp-go/mcp"

var frameItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"text": map[string]any{"type": "string", "description": "Frame payload exactly as delivered"},
		"conn": map[string]any{"type": "string", "description": "Connection name (default: default)"},
		"dir":  map[string]any{"type": "string", "enum": []string{"received", "sent"}},
	},
	"required": []string{"text"},
}

var ingestToolDef = mcp.NewTool("frames_ingest",
	mcp.WithDescription("Append raw WebSocket frames to the session in arrival order. Fragments are reassembled per connection and direction; schema payloads are merged immediately."),
	mcp.WithArray("frames",
		mcp.Required(),
		mcp.Description("Frames in arrival order"),
		mcp.Items(frameItemSchema),
	),
)

var classifyToolDef = mcp.NewTool("frames_classify",
	mcp.WithDescription("Classify one frame as heartbeat, complete envelope or fragment, and decode it if complete. Does not modify the session."),
	mcp.WithString("text", mcp.Required(), mcp.Description("Frame payload")),
)

var reconcileToolDef = mcp.NewTool("session_reconcile",
	mcp.WithDescription("Run a reconciliation pass over the full frame history now and return the normalized attribute state."),
	mcp.WithNumber("timeout_ms", mcp.Description("How long to wait for the pass (default 30000)")),
)

var stateToolDef = mcp.NewTool("session_state",
	mcp.WithDescription("Return the normalized attributes of the last reconciliation pass: picklists, freeform attributes, node and connection categories, pending queries."),
	mcp.WithBoolean("include_schema", mcp.Description("Also return the raw merged schema table")),
)

var pendingToolDef = mcp.NewTool("session_pending",
	mcp.WithDescription("List schema paths that were queried but not yet answered with data."),
)

var envelopesToolDef = mcp.NewTool("session_envelopes",
	mcp.WithDescription("Page through decoded envelopes in arrival order with their extracted routes."),
	mcp.WithBoolean("schema_only", mcp.Description("Only envelopes that address the attribute schema")),
	mcp.WithNumber("limit", mcp.Description("Page size (default 50, max 500)")),
	mcp.WithNumber("offset", mcp.Description("Records to skip")),
)

var framesToolDef = mcp.NewTool("session_frames",
	mcp.WithDescription("Return raw frames from the session history by sequence range."),
	mcp.WithNumber("from", mcp.Description("First sequence number (inclusive); past the last frame is NOT_FOUND")),
	mcp.WithNumber("to", mcp.Description("Last sequence number (inclusive, 0 = no bound)")),
	mcp.WithNumber("limit", mcp.Description("Maximum frames (default 100, max 1000)")),
)

var replayToolDef = mcp.NewTool("capture_replay",
	mcp.WithDescription("Replay a .jsonl capture file into the session. Each line is a frame record {conn,dir,text} or the bare frame text."),
	mcp.WithString("path", mcp.Required(), mcp.Description("Capture path, directly in ~/.attrscope/captures or an allowed_paths entry")),
)

var exportToolDef = mcp.NewTool("capture_export",
	mcp.WithDescription("Write the session's frame history to a .jsonl capture file that capture_replay reproduces."),
	mcp.WithString("path", mcp.Description("Destination (default ~/.attrscope/captures/<label>-<timestamp>.jsonl)")),
	mcp.WithString("label", mcp.Description("File name label for the default path (default: session ID)")),
)
