package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/attrscope/internal/config"
	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/ops"
	"github.com/hpungsan/attrscope/internal/session"
)

// Driver is the reconciliation driver as seen by the tool handlers.
type Driver interface {
	ops.Notifier
	ops.Trigger
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	sess *session.Session
	drv  Driver
	cfg  *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sess *session.Session, drv Driver, cfg *config.Config) *Handlers {
	return &Handlers{sess: sess, drv: drv, cfg: cfg}
}

// HandleIngest handles the frames_ingest tool call.
func (h *Handlers) HandleIngest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.IngestInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.Ingest(ctx, h.sess, h.drv, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleClassify handles the frames_classify tool call.
func (h *Handlers) HandleClassify(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.ClassifyInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.Classify(input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleReconcile handles the session_reconcile tool call.
func (h *Handlers) HandleReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.ReconcileInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.Reconcile(ctx, h.drv, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleState handles the session_state tool call.
func (h *Handlers) HandleState(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.StateInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.State(h.sess, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandlePending handles the session_pending tool call.
func (h *Handlers) HandlePending(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(ops.Pending(h.sess))
}

// HandleEnvelopes handles the session_envelopes tool call.
func (h *Handlers) HandleEnvelopes(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.EnvelopesInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.Envelopes(h.sess, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleFrames handles the session_frames tool call.
func (h *Handlers) HandleFrames(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.FramesInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.Frames(ctx, h.sess, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleReplay handles the capture_replay tool call.
func (h *Handlers) HandleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.ReplayInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.Replay(ctx, h.sess, h.drv, h.cfg, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleExport handles the capture_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ops.ExportInput](req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := ops.Export(ctx, h.sess, h.cfg, input)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// errorResult creates an MCP error result from any error.
// Internal error details are never exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if sErr, ok := errors.As(err); ok {
		errorObj := map[string]any{
			"code":    sErr.Code,
			"message": sErr.Message,
			"status":  sErr.Status,
		}
		if sErr.Code == errors.ErrInternal {
			errorObj["message"] = "an internal error occurred"
		} else if sErr.Details != nil {
			errorObj["details"] = sErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
