package ops

import (
	"context"
	"fmt"

	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/session"
)

// IngestInput contains parameters for the Ingest operation.
type IngestInput struct {
	Frames []FrameInput `json:"frames"` // required, in arrival order
}

// IngestOutput contains the result of the Ingest operation.
type IngestOutput struct {
	FrameCounts
	Records []session.Record `json:"records"`
}

// Ingest appends frames to the session in order and notifies n once per frame.
// All frames are validated before any is ingested.
func Ingest(ctx context.Context, sess *session.Session, n Notifier, input IngestInput) (*IngestOutput, error) {
	if len(input.Frames) == 0 {
		return nil, errors.NewInvalidRequest("frames must not be empty")
	}
	if len(input.Frames) > MaxIngestFrames {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("at most %d frames per request", MaxIngestFrames))
	}

	targets := make([]frameTarget, 0, len(input.Frames))
	for i, f := range input.Frames {
		t, err := parseFrame(f)
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("frames[%d]: %v", i, err))
		}
		targets = append(targets, t)
	}

	out := &IngestOutput{Records: []session.Record{}}
	for _, t := range targets {
		res, err := ingestOne(ctx, sess, n, t)
		if err != nil {
			return nil, err
		}
		out.add(res)
		out.Records = append(out.Records, res.Records...)
	}
	return out, nil
}

func ingestOne(ctx context.Context, sess *session.Session, n Notifier, t frameTarget) (session.IngestResult, error) {
	res, err := sess.Ingest(ctx, t.conn, t.dir, t.text)
	if err != nil {
		return res, errors.NewInternal(err)
	}
	if n != nil {
		n.Notify()
	}
	return res, nil
}
