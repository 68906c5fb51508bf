package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/frame"
	"github.com/hpungsan/attrscope/internal/session"
)

const nodeTypeFrame = `{"t":"d","d":{"a":"d","b":{"p":"/acme/models/job/attributes","d":{"node_type":{"gui_element":"dropdown","picklists":{"node_type":{"0":{"value":"pole"},"1":"anchor"}}}}}}}`

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s := session.New(session.Options{})
	t.Cleanup(func() { s.Close() })
	return s
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify() { c.n++ }

func TestIngest(t *testing.T) {
	sess := newSession(t)
	n := &countingNotifier{}

	out, err := Ingest(context.Background(), sess, n, IngestInput{Frames: []FrameInput{
		{Text: "42"},
		{Text: nodeTypeFrame[:40]},
		{Text: nodeTypeFrame[40:]},
		{Conn: "b", Dir: "sent", Text: `{"t":"d","d":{"r":1,"a":"q","b":{"p":"/x/models/y/attributes","h":""}}}`},
	}})
	require.NoError(t, err)

	assert.Equal(t, 4, out.Accepted)
	assert.Equal(t, uint64(1), out.FirstSeq)
	assert.Equal(t, uint64(4), out.LastSeq)
	assert.Equal(t, 1, out.Heartbeats)
	assert.Equal(t, 2, out.Fragments)
	assert.Equal(t, 1, out.Complete)
	assert.Equal(t, 2, out.Envelopes)
	require.Len(t, out.Records, 2)
	assert.Equal(t, "/acme/models/job/attributes", out.Records[0].Envelope.Path)
	assert.Equal(t, 4, n.n)
}

func TestIngest_Validation(t *testing.T) {
	tooMany := make([]FrameInput, MaxIngestFrames+1)
	for i := range tooMany {
		tooMany[i] = FrameInput{Text: "1"}
	}

	tests := []struct {
		name   string
		frames []FrameInput
	}{
		{"empty", nil},
		{"too many", tooMany},
		{"bad direction", []FrameInput{{Text: "1"}, {Dir: "sideways", Text: "2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newSession(t)
			_, err := Ingest(context.Background(), sess, nil, IngestInput{Frames: tt.frames})
			require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)

			// Nothing is ingested when any frame is invalid
			count, err := sess.FrameCount(context.Background())
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantKind   frame.Kind
		wantRoutes int
	}{
		{"heartbeat", " 17 ", frame.KindHeartbeat, 0},
		{"fragment", `{"t":"d","d":{`, frame.KindFragment, 0},
		{"array is a fragment", `[1,2]`, frame.KindFragment, 0},
		{"complete", nodeTypeFrame, frame.KindComplete, 1},
		{"control", `{"t":"c","d":{"t":"h","d":{"ts":1}}}`, frame.KindComplete, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Classify(ClassifyInput{Text: tt.text})
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Len(t, out.Routes, tt.wantRoutes)
			assert.Equal(t, tt.wantKind == frame.KindComplete, out.Envelope != nil)
		})
	}

	_, err := Classify(ClassifyInput{})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

type fakeTrigger struct {
	st    *session.State
	err   error
	delay time.Duration
}

func (f *fakeTrigger) Trigger(ctx context.Context) (*session.State, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.st, f.err
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name     string
		trigger  *fakeTrigger
		input    ReconcileInput
		wantCode errors.ErrorCode
	}{
		{name: "success", trigger: &fakeTrigger{st: &session.State{Pass: 2}}},
		{name: "negative timeout", trigger: &fakeTrigger{}, input: ReconcileInput{TimeoutMS: -1}, wantCode: errors.ErrInvalidRequest},
		{name: "timeout", trigger: &fakeTrigger{delay: time.Second}, input: ReconcileInput{TimeoutMS: 10}, wantCode: errors.ErrReconcileTimeout},
		{name: "pass failure", trigger: &fakeTrigger{err: fmt.Errorf("journal closed")}, wantCode: errors.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Reconcile(context.Background(), tt.trigger, tt.input)
			if tt.wantCode != "" {
				require.True(t, errors.Is(err, tt.wantCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, out.Pass)
		})
	}
}

func TestState(t *testing.T) {
	sess := newSession(t)
	_, err := Ingest(context.Background(), sess, nil, IngestInput{Frames: []FrameInput{{Text: nodeTypeFrame}}})
	require.NoError(t, err)

	out, err := State(sess, StateInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Pass)
	assert.Nil(t, out.Schema)
	require.Len(t, out.Attributes.NodeCategories, 2)

	out, err = State(sess, StateInput{IncludeSchema: true})
	require.NoError(t, err)
	var schema map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Schema, &schema))
	assert.Contains(t, schema, "node_type")

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id"`)
	assert.Contains(t, string(data), `"schema"`)
}

func TestPending(t *testing.T) {
	sess := newSession(t)
	_, err := Ingest(context.Background(), sess, nil, IngestInput{Frames: []FrameInput{
		{Dir: "sent", Text: `{"t":"d","d":{"r":3,"a":"q","b":{"p":"/t/models/m/attributes","h":""}}}`},
	}})
	require.NoError(t, err)

	out := Pending(sess)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "/t/models/m/attributes", out.Pending[0].Path)
	assert.Equal(t, "3", out.Pending[0].RequestID)
}

func TestEnvelopes(t *testing.T) {
	sess := newSession(t)
	var frames []FrameInput
	for i := 0; i < 5; i++ {
		frames = append(frames, FrameInput{Text: fmt.Sprintf(`{"t":"d","d":{"a":"d","b":{"p":"/other/%d","d":{}}}}`, i)})
	}
	frames = append(frames, FrameInput{Text: nodeTypeFrame})
	_, err := Ingest(context.Background(), sess, nil, IngestInput{Frames: frames})
	require.NoError(t, err)

	out, err := Envelopes(sess, EnvelopesInput{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	assert.Equal(t, "/other/1", out.Records[0].Envelope.Path)
	assert.Equal(t, Pagination{Limit: 2, Offset: 1, HasMore: true, Total: 6}, out.Pagination)

	out, err = Envelopes(sess, EnvelopesInput{SchemaOnly: true})
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	assert.Equal(t, Pagination{Limit: DefaultEnvelopeLimit, Total: 1}, out.Pagination)

	out, err = Envelopes(sess, EnvelopesInput{Limit: MaxEnvelopeLimit + 1, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, out.Records)
	assert.Equal(t, MaxEnvelopeLimit, out.Pagination.Limit)

	_, err = Envelopes(sess, EnvelopesInput{Offset: -1})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestFrames(t *testing.T) {
	sess := newSession(t)
	_, err := Ingest(context.Background(), sess, nil, IngestInput{Frames: []FrameInput{
		{Text: "1"}, {Text: "2"}, {Text: "3"}, {Text: "4"},
	}})
	require.NoError(t, err)

	out, err := Frames(context.Background(), sess, FramesInput{From: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Total)
	require.Len(t, out.Frames, 3)
	assert.Equal(t, "2", out.Frames[0].Text)

	out, err = Frames(context.Background(), sess, FramesInput{From: 1, To: 3, Limit: 2})
	require.NoError(t, err)
	require.Len(t, out.Frames, 2)
	assert.Equal(t, uint64(2), out.Frames[1].Seq)

	_, err = Frames(context.Background(), sess, FramesInput{From: 5, To: 2})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = Frames(context.Background(), sess, FramesInput{From: 5})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	out, err = Frames(context.Background(), sess, FramesInput{From: 4})
	require.NoError(t, err)
	require.Len(t, out.Frames, 1)
}

func TestFrames_EmptyHistory(t *testing.T) {
	sess := newSession(t)

	out, err := Frames(context.Background(), sess, FramesInput{})
	require.NoError(t, err)
	assert.Empty(t, out.Frames)
	assert.Equal(t, 0, out.Total)

	_, err = Frames(context.Background(), sess, FramesInput{From: 1})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}
