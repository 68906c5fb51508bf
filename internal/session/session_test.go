package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/attrscope/internal/attribute"
	"github.com/hpungsan/attrscope/internal/envelope"
	"github.com/hpungsan/attrscope/internal/frame"
	"github.com/hpungsan/attrscope/internal/journal"
	"github.com/hpungsan/attrscope/internal/metrics"
	"github.com/hpungsan/attrscope/internal/reassembly"
)

const schemaEnvelope = `{"t":"d","d":{"b":{"p":"/models/attributes","d":{"node_type":{"picklists":{"osp":{"0":{"value":"pole"}}}}}}}}`

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) }
	}
	s := New(opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func ingestAll(t *testing.T, s *Session, dir frame.Direction, texts ...string) []IngestResult {
	t.Helper()
	var out []IngestResult
	for _, text := range texts {
		res, err := s.Ingest(context.Background(), "", dir, text)
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

func TestSession_EndToEndNodeType(t *testing.T) {
	s := newTestSession(t, Options{})
	ingestAll(t, s, frame.DirectionReceived, schemaEnvelope)

	st, err := s.Reconcile(context.Background())
	require.NoError(t, err)

	want := attribute.Result{
		Picklists:            []attribute.Attribute{},
		Freeform:             []attribute.Attribute{},
		NodeCategories:       []attribute.CategoryValue{{Category: "osp", RawValue: "pole", DisplayValue: "pole"}},
		ConnectionCategories: []attribute.CategoryValue{},
		Skipped:              []attribute.SkippedEntry{},
	}
	if diff := cmp.Diff(want, st.Attributes); diff != "" {
		t.Errorf("Attributes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, st.Pass)
	assert.Equal(t, s.ID(), st.SessionID)
	assert.Contains(t, st.Paths, "/models/attributes")
}

func TestSession_ReconcileIdempotent(t *testing.T) {
	for _, kind := range []string{journal.KindMemory, journal.KindSQLite} {
		t.Run(kind, func(t *testing.T) {
			j, err := journal.Open(kind)
			require.NoError(t, err)
			s := newTestSession(t, Options{Journal: j})

			ingestAll(t, s, frame.DirectionReceived,
				`{"t":"d","d":{"a":"d","p":"/acme/models/attributes","d":{"pole_height":{"gui_element":"textbox"},`,
				`"owner":{"gui_element":"dropdown","picklists":{"utility":{"0":"Acme Power","1":{"value":"Beta Telecom"}}}}}}}`,
				`3`,
				`{"t":"d","d":{"a":"d","p":"/models/attributes/done","d":{"gui_element":"checkbox"}}}`,
			)

			first, err := s.Reconcile(context.Background())
			require.NoError(t, err)
			second, err := s.Reconcile(context.Background())
			require.NoError(t, err)

			a, err := json.Marshal(first.Attributes)
			require.NoError(t, err)
			b, err := json.Marshal(second.Attributes)
			require.NoError(t, err)
			assert.Equal(t, string(a), string(b))

			p1, err := json.Marshal(first.Paths)
			require.NoError(t, err)
			p2, err := json.Marshal(second.Paths)
			require.NoError(t, err)
			assert.Equal(t, string(p1), string(p2))

			assert.Equal(t, first.Stats, second.Stats)
			assert.Equal(t, 2, second.Pass)
			assert.Len(t, first.Attributes.Picklists, 1)
			assert.Len(t, first.Attributes.Freeform, 2)
		})
	}
}

func TestSession_ReassemblesChunkedEnvelope(t *testing.T) {
	s := newTestSession(t, Options{})

	chunks := []string{schemaEnvelope[:9], schemaEnvelope[9:30], schemaEnvelope[30:61], schemaEnvelope[61:100], schemaEnvelope[100:]}
	results := ingestAll(t, s, frame.DirectionReceived, chunks...)

	for _, r := range results[:4] {
		assert.Empty(t, r.Records)
	}
	last := results[4]
	require.Len(t, last.Records, 1)
	env := last.Records[0].Envelope
	assert.Equal(t, envelope.ProvenanceReassembled, env.Source.Provenance)
	assert.Equal(t, 5, env.Source.FragmentCount)
	assert.Equal(t, uint64(1), env.Source.FirstSeq)
	assert.Equal(t, uint64(5), env.Source.LastSeq)

	st, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Attributes.NodeCategories, 1)
	assert.Equal(t, 1, st.Stats.Reassembled)
}

func TestSession_ReassemblesManyChunksWithDefaultLimits(t *testing.T) {
	s := newTestSession(t, Options{})

	chunks := []string{
		`{"t":"d",`,
		`"d":{"b":`,
		`{"p":"/models/attributes",`,
		`"d":{"install_date":`,
		`{"gui_element":"date"}`,
		`,"node_type":`,
		`{"gui_element":"dropdown",`,
		`"picklists":{"osp":`,
		`{"0":`,
		`{"value":"pole"}`,
		`}}}`,
		`}}}}`,
	}
	results := ingestAll(t, s, frame.DirectionReceived, chunks...)

	for i, r := range results[:len(results)-1] {
		assert.Empty(t, r.Records, "chunk %d emitted an envelope", i)
	}
	last := results[len(results)-1]
	require.Len(t, last.Records, 1)
	env := last.Records[0].Envelope
	assert.Equal(t, envelope.ProvenanceReassembled, env.Source.Provenance)
	assert.Equal(t, len(chunks), env.Source.FragmentCount)

	st, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Stats.Recovered)
	assert.Equal(t, 0, st.Stats.Discarded)
	require.Len(t, st.Attributes.Freeform, 1)
	assert.Equal(t, "install_date", st.Attributes.Freeform[0].Name)
	require.Len(t, st.Attributes.NodeCategories, 1)
	assert.Equal(t, "pole", st.Attributes.NodeCategories[0].RawValue)
}

func TestSession_OverflowLosesEnvelope(t *testing.T) {
	s := newTestSession(t, Options{Limits: reassembly.Limits{MaxFragments: 2}})
	ingestAll(t, s, frame.DirectionReceived,
		`{"t":"d",`,
		`"d":{"a":"d",`,
		`"p":"/models/attributes",`,
		`"d":{"x":{}}}}`,
	)
	live := s.State()

	st, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Attributes.Freeform)
	assert.Equal(t, 2, st.Stats.Evicted)
	assert.Equal(t, live.Stats, st.Stats, "a pass over the history must agree with the live pipeline")
}

func TestSession_TlessObjectWhilePendingIsFragment(t *testing.T) {
	s := newTestSession(t, Options{})
	results := ingestAll(t, s, frame.DirectionReceived,
		`{"t":"d","d":{"a":"d","p":"/models/attributes","d":`,
		`{"span_length":{"min":0}}`,
		`}}`,
	)

	assert.Equal(t, frame.KindFragment, results[1].Kind)
	require.Len(t, results[2].Records, 1)

	st, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Attributes.Freeform, 1)
	assert.Equal(t, attribute.TypeNumber, st.Attributes.Freeform[0].DataType)
}

func TestSession_PendingQueryLifecycle(t *testing.T) {
	s := newTestSession(t, Options{})
	ctx := context.Background()

	_, err := s.Ingest(ctx, "ws1", frame.DirectionSent, `{"t":"d","d":{"r":5,"a":"q","b":{"p":"/acme/models/attributes","h":""}}}`)
	require.NoError(t, err)

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "/acme/models/attributes", pending[0].Path)
	assert.Equal(t, "5", pending[0].RequestID)
	assert.Equal(t, "ws1", pending[0].Conn)

	_, err = s.Ingest(ctx, "ws1", frame.DirectionReceived, `{"t":"d","d":{"r":5,"b":{"s":"ok","d":{}}}}`)
	require.NoError(t, err)
	pending = s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "ok", pending[0].Status)

	_, err = s.Ingest(ctx, "ws1", frame.DirectionReceived, `{"t":"d","d":{"a":"d","p":"/acme/models/attributes","d":{"owner":{}}}}`)
	require.NoError(t, err)
	assert.Empty(t, s.Pending())
}

func TestSession_NullPayloadDoesNotMerge(t *testing.T) {
	s := newTestSession(t, Options{})
	ingestAll(t, s, frame.DirectionReceived,
		`{"t":"d","d":{"a":"d","p":"/models/attributes","d":{"owner":{"gui_element":"date"}}}}`,
	)
	before, err := s.Schema()
	require.NoError(t, err)

	ingestAll(t, s, frame.DirectionReceived,
		`{"t":"d","d":{"r":1,"a":"q","b":{"p":"/models/attributes","d":null}}}`,
		`{"t":"d","d":{"a":"d","p":"/models/attributes/owner","d":null}}`,
	)
	after, err := s.Schema()
	require.NoError(t, err)

	assert.Equal(t, string(before), string(after))
	assert.Len(t, s.Pending(), 2)
}

func TestSession_ResponsePayloadRoutedToRequestPath(t *testing.T) {
	s := newTestSession(t, Options{})
	ctx := context.Background()

	_, err := s.Ingest(ctx, "", frame.DirectionSent, `{"t":"d","d":{"r":9,"a":"g","b":{"p":"/models/attributes"}}}`)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "", frame.DirectionReceived, `{"t":"d","d":{"r":9,"b":{"s":"ok","d":{"installed":{"gui_element":"date"}}}}}`)
	require.NoError(t, err)

	st, err := s.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, st.Attributes.Freeform, 1)
	assert.Equal(t, "installed", st.Attributes.Freeform[0].Name)
	assert.Empty(t, st.Pending)
}

func TestSession_MergeActionExpandsChildren(t *testing.T) {
	s := newTestSession(t, Options{})
	ingestAll(t, s, frame.DirectionReceived,
		`{"t":"d","d":{"a":"d","p":"/models/attributes","d":{"a":{"gui_element":"date"},"b":{"gui_element":"date"}}}}`,
		`{"t":"d","d":{"a":"m","p":"/models/attributes","d":{"b":{"gui_element":"textarea"},"c":{"gui_element":"gps"}}}}`,
	)

	st, err := s.Reconcile(context.Background())
	require.NoError(t, err)

	got := map[string]attribute.DataType{}
	for _, a := range st.Attributes.Freeform {
		got[a.Name] = a.DataType
	}
	assert.Equal(t, map[string]attribute.DataType{
		"a": attribute.TypeDate,
		"b": attribute.TypeTextarea,
		"c": attribute.TypeLocation,
	}, got)
}

func TestSession_StreamsHaveIndependentBuffers(t *testing.T) {
	s := newTestSession(t, Options{})
	ctx := context.Background()

	steps := []struct {
		conn string
		text string
	}{
		{"a", `{"t":"d","d":{"a":"d","p":"/models/attributes",`},
		{"b", `{"t":"d","d":{"a":"d","p":"/models/attributes",`},
		{"a", `"d":{"from_a":{}}}}`},
		{"b", `"d":{"from_b":{}}}}`},
	}
	for _, step := range steps {
		_, err := s.Ingest(ctx, step.conn, frame.DirectionReceived, step.text)
		require.NoError(t, err)
	}

	st, err := s.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, st.Attributes.Freeform, 2)
	assert.Equal(t, "from_a", st.Attributes.Freeform[0].Name)
	assert.Equal(t, "from_b", st.Attributes.Freeform[1].Name)
}

func TestSession_Envelopes(t *testing.T) {
	s := newTestSession(t, Options{})
	ingestAll(t, s, frame.DirectionReceived,
		`{"t":"c","d":{"t":"h","d":{"ts":1}}}`,
		`{"t":"d","d":{"a":"d","p":"/models/attributes","d":{"x":{}}}}`,
		`{"t":"d","d":{"a":"d","p":"/users/1","d":{"name":"n"}}}`,
		`{"t":"d","d":{"a":"d","p":"/models/attributes/y","d":{}}}`,
	)

	all, total := s.Envelopes(false, 2, 1)
	assert.Equal(t, 4, total)
	require.Len(t, all, 2)
	assert.Equal(t, "/models/attributes", all[0].Envelope.Path)

	schemaOnly, total := s.Envelopes(true, 0, 0)
	assert.Equal(t, 2, total)
	require.Len(t, schemaOnly, 2)
	assert.Equal(t, "/models/attributes/y", schemaOnly[1].Envelope.Path)

	past, total := s.Envelopes(false, 10, 10)
	assert.Equal(t, 4, total)
	assert.NotNil(t, past)
	assert.Empty(t, past)
}

func TestSession_StateBeforeFirstPass(t *testing.T) {
	s := newTestSession(t, Options{})
	ingestAll(t, s, frame.DirectionReceived, schemaEnvelope)

	st := s.State()
	assert.Equal(t, 0, st.Pass)
	require.Len(t, st.Attributes.NodeCategories, 1)

	_, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.State().Pass)
}

func TestSession_HeartbeatsAndFrames(t *testing.T) {
	s := newTestSession(t, Options{})
	results := ingestAll(t, s, frame.DirectionReceived, `45`, ` -3 `, schemaEnvelope)

	assert.Equal(t, frame.KindHeartbeat, results[0].Kind)
	assert.Equal(t, frame.KindHeartbeat, results[1].Kind)
	assert.Equal(t, frame.KindComplete, results[2].Kind)
	assert.Equal(t, uint64(3), results[2].Seq)

	n, err := s.FrameCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	frames, err := s.Frames(context.Background(), 2, 3, 0)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, ` -3 `, frames[0].Text)
	assert.Equal(t, frame.DefaultConn, frames[0].Conn)
}

func TestSession_ConfiguredRules(t *testing.T) {
	s := newTestSession(t, Options{Rules: attribute.Rules{BooleanNames: []string{"energized"}}})
	ingestAll(t, s, frame.DirectionReceived,
		`{"t":"d","d":{"a":"d","p":"/models/attributes","d":{"energized":{"picklists":{"v":["yes","no"]}}}}}`,
	)

	st, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Attributes.Freeform, 1)
	assert.Equal(t, attribute.TypeBoolean, st.Attributes.Freeform[0].DataType)
	assert.Empty(t, st.Attributes.Picklists)
}

func TestSession_MetricsObserved(t *testing.T) {
	m := metrics.New()
	s := newTestSession(t, Options{Metrics: m})
	ingestAll(t, s, frame.DirectionReceived, `1`, schemaEnvelope)
	_, err := s.Reconcile(context.Background())
	require.NoError(t, err)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["attrscope_ingest_frames_total"])
	assert.True(t, names["attrscope_reconcile_passes_total"])
}
