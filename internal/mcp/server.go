package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/attrscope/internal/config"
	"github.com/hpungsan/attrscope/internal/session"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"frames_ingest": {
		def:     ingestToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleIngest },
	},
	"frames_classify": {
		def:     classifyToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleClassify },
	},
	"session_reconcile": {
		def:     reconcileToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReconcile },
	},
	"session_state": {
		def:     stateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleState },
	},
	"session_pending": {
		def:     pendingToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePending },
	},
	"session_envelopes": {
		def:     envelopesToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEnvelopes },
	},
	"session_frames": {
		def:     framesToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFrames },
	},
	"capture_replay": {
		def:     replayToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReplay },
	},
	"capture_export": {
		def:     exportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server exposing the session.
// Tools listed in cfg.DisabledTools are not registered.
func NewServer(sess *session.Session, drv Driver, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"attrscope",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(sess, drv, cfg)
	for _, name := range enabledTools(cfg) {
		entry := toolRegistry[name]
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// enabledTools returns the sorted names of registry tools not in cfg.DisabledTools.
func enabledTools(cfg *config.Config) []string {
	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		if !disabled[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Run serves the MCP protocol on stdio until stdin closes.
func Run(sess *session.Session, drv Driver, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(sess, drv, cfg, version))
}
