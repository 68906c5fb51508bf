package ops

import (
	"github.com/hpungsan/attrscope/internal/envelope"
	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/frame"
)

// ClassifyInput contains parameters for the Classify operation.
type ClassifyInput struct {
	Text string `json:"text"` // required
}

// ClassifyOutput contains the result of the Classify operation.
type ClassifyOutput struct {
	Kind     frame.Kind         `json:"kind"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	Routes   []envelope.Route   `json:"routes,omitempty"`
}

// Classify inspects one frame in isolation, without touching any session.
// A complete frame is also decoded and routed.
func Classify(input ClassifyInput) (*ClassifyOutput, error) {
	if input.Text == "" {
		return nil, errors.NewInvalidRequest("text is required")
	}

	c := frame.Classify(input.Text)
	out := &ClassifyOutput{Kind: c.Kind}
	if c.Kind != frame.KindComplete {
		return out, nil
	}

	env, err := envelope.Decode([]byte(input.Text), envelope.Source{
		Conn:          frame.DefaultConn,
		Direction:     frame.DirectionReceived,
		Provenance:    envelope.ProvenanceDirect,
		FragmentCount: 1,
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	out.Envelope = env
	out.Routes = envelope.Routes(env)
	return out, nil
}
