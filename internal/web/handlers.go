package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/ops"
)

// maxIngestBody bounds a POST /frames request body.
const maxIngestBody = 32 << 20

// HandleHealth reports liveness and the session identity.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	frames, err := h.sess.FrameCount(r.Context())
	if err != nil {
		renderError(w, errors.NewInternal(err))
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": h.sess.ID(),
		"frames":     frames,
	})
}

// HandleState returns the last reconciliation result.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	out, err := ops.State(h.sess, ops.StateInput{
		IncludeSchema: parseBoolParam(r, "include_schema"),
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandlePending returns the schema queries still awaiting data.
func (h *Handlers) HandlePending(w http.ResponseWriter, _ *http.Request) {
	renderJSON(w, http.StatusOK, ops.Pending(h.sess))
}

// HandleEnvelopes returns one page of decoded envelopes.
func (h *Handlers) HandleEnvelopes(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Envelopes(h.sess, ops.EnvelopesInput{
		SchemaOnly: parseBoolParam(r, "schema_only"),
		Limit:      parseIntParam(r, "limit", ops.DefaultEnvelopeLimit),
		Offset:     parseIntParam(r, "offset", 0),
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleFrames returns journaled frames in a sequence range.
func (h *Handlers) HandleFrames(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Frames(r.Context(), h.sess, ops.FramesInput{
		From:  parseUintParam(r, "from"),
		To:    parseUintParam(r, "to"),
		Limit: parseIntParam(r, "limit", ops.DefaultFrameLimit),
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleIngest appends a batch of frames posted as {"frames": [...]}.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var input ops.IngestInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		renderError(w, errors.NewInvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	out, err := ops.Ingest(r.Context(), h.sess, h.drv, input)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleReconcile forces a pass and waits up to timeout_ms for it.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Reconcile(r.Context(), h.drv, ops.ReconcileInput{
		TimeoutMS: parseIntParam(r, "timeout_ms", 0),
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}
