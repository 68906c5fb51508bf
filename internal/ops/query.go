package ops

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"time"

	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/frame"
	"github.com/hpungsan/attrscope/internal/session"
)

// Reconcile wait limits
const (
	DefaultReconcileTimeout = 30 * time.Second
	MaxReconcileTimeout     = 5 * time.Minute
)

// Trigger forces a reconciliation pass. *reconcile.Driver implements it.
type Trigger interface {
	Trigger(ctx context.Context) (*session.State, error)
}

// ReconcileInput contains parameters for the Reconcile operation.
type ReconcileInput struct {
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// ReconcileOutput contains the result of the Reconcile operation.
type ReconcileOutput struct {
	*session.State
}

// Reconcile forces a pass and waits for it. The pass itself keeps running if
// the wait times out.
func Reconcile(ctx context.Context, t Trigger, input ReconcileInput) (*ReconcileOutput, error) {
	if input.TimeoutMS < 0 {
		return nil, errors.NewInvalidRequest("timeout_ms must not be negative")
	}
	timeout := DefaultReconcileTimeout
	if input.TimeoutMS > 0 {
		timeout = time.Duration(input.TimeoutMS) * time.Millisecond
	}
	if timeout > MaxReconcileTimeout {
		timeout = MaxReconcileTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, err := t.Trigger(ctx)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.NewReconcileTimeout(err)
		}
		return nil, errors.NewInternal(err)
	}
	return &ReconcileOutput{State: st}, nil
}

// StateInput contains parameters for the State operation.
type StateInput struct {
	IncludeSchema bool `json:"include_schema,omitempty"`
}

// StateOutput contains the result of the State operation.
type StateOutput struct {
	*session.State
	Schema json.RawMessage `json:"schema,omitempty"`
}

// State returns the last reconciliation result, optionally with the live merged schema.
func State(sess *session.Session, input StateInput) (*StateOutput, error) {
	out := &StateOutput{State: sess.State()}
	if input.IncludeSchema {
		schema, err := sess.Schema()
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out.Schema = schema
	}
	return out, nil
}

// PendingOutput contains the result of the Pending operation.
type PendingOutput struct {
	Pending []session.PendingQuery `json:"pending"`
	Count   int                    `json:"count"`
}

// Pending lists schema queries that have not been answered with data.
func Pending(sess *session.Session) *PendingOutput {
	p := sess.Pending()
	return &PendingOutput{Pending: p, Count: len(p)}
}

// EnvelopesInput contains parameters for the Envelopes operation.
type EnvelopesInput struct {
	SchemaOnly bool `json:"schema_only,omitempty"`
	Limit      int  `json:"limit,omitempty"`
	Offset     int  `json:"offset,omitempty"`
}

// EnvelopesOutput contains the result of the Envelopes operation.
type EnvelopesOutput struct {
	Records    []session.Record `json:"records"`
	Pagination Pagination       `json:"pagination"`
}

// Envelopes pages through the envelopes of the live pipeline in arrival order.
func Envelopes(sess *session.Session, input EnvelopesInput) (*EnvelopesOutput, error) {
	if input.Offset < 0 {
		return nil, errors.NewInvalidRequest("offset must not be negative")
	}
	limit := clampLimit(input.Limit, DefaultEnvelopeLimit, MaxEnvelopeLimit)

	records, total := sess.Envelopes(input.SchemaOnly, limit, input.Offset)
	return &EnvelopesOutput{
		Records: records,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  input.Offset,
			HasMore: input.Offset+len(records) < total,
			Total:   total,
		},
	}, nil
}

// FramesInput contains parameters for the Frames operation.
type FramesInput struct {
	From  uint64 `json:"from,omitempty"`
	To    uint64 `json:"to,omitempty"` // 0 means no upper bound
	Limit int    `json:"limit,omitempty"`
}

// FramesOutput contains the result of the Frames operation.
type FramesOutput struct {
	Frames []frame.RawFrame `json:"frames"`
	Total  int              `json:"total"`
}

// Frames returns raw frames from the session history by sequence range.
// A range starting past the last journaled frame is NOT_FOUND.
func Frames(ctx context.Context, sess *session.Session, input FramesInput) (*FramesOutput, error) {
	to := input.To
	if to == 0 || to > math.MaxInt64 {
		to = math.MaxInt64
	}
	if input.From > to {
		return nil, errors.NewInvalidRequest("from must not exceed to")
	}
	limit := clampLimit(input.Limit, DefaultFrameLimit, MaxFrameLimit)

	total, err := sess.FrameCount(ctx)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	// Sequence numbers are dense from 1, so the history ends at total
	if input.From > uint64(total) {
		return nil, errors.NewNotFound(fmt.Sprintf("frame %d", input.From))
	}
	frames, err := sess.Frames(ctx, input.From, to, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &FramesOutput{Frames: frames, Total: total}, nil
}
