package session

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/hpungsan/attrscope/internal/envelope"
	"github.com/hpungsan/attrscope/internal/frame"
	"github.com/hpungsan/attrscope/internal/metrics"
	"github.com/hpungsan/attrscope/internal/reassembly"
	"github.com/hpungsan/attrscope/internal/schema"
)

// Stats counts what a pipeline has processed.
type Stats struct {
	Frames      int `json:"frames"`
	Heartbeats  int `json:"heartbeats"`
	Complete    int `json:"complete"`
	Fragments   int `json:"fragments"`
	Envelopes   int `json:"envelopes"`
	Reassembled int `json:"reassembled"`
	Recovered   int `json:"recovered"`
	Routes      int `json:"routes"`
	Merges      int `json:"merges"`
	MergeErrors int `json:"merge_errors"`
	Evicted     int `json:"evicted"`
	Discarded   int `json:"discarded"`
}

// PendingQuery is a schema-relevant path that has been addressed but not yet
// answered with data.
type PendingQuery struct {
	Path      string `json:"path"`
	Conn      string `json:"conn"`
	RequestID string `json:"request_id,omitempty"`
	Seq       uint64 `json:"seq"`

	// Status is the response status once the server acknowledged the query
	Status string `json:"status,omitempty"`
}

// Record is one envelope with the routes extracted from it.
type Record struct {
	Envelope *envelope.Envelope `json:"envelope"`
	Routes   []envelope.Route   `json:"routes"`
}

// schemaRelevant reports whether any route addresses the attribute schema.
func (r Record) schemaRelevant() bool {
	for _, rt := range r.Routes {
		if rt.SchemaRelevant {
			return true
		}
	}
	return false
}

// FeedResult reports what one frame produced.
type FeedResult struct {
	Kind    frame.Kind `json:"kind"`
	Records []Record   `json:"records"`
}

type requestKey struct {
	conn string
	id   string
}

type request struct {
	path   string
	action string
}

// pipeline runs classifier, accumulator, router and merger over frames in order.
// Not safe for concurrent use; the owning Session serializes access.
type pipeline struct {
	limits  reassembly.Limits
	log     *zap.Logger
	metrics *metrics.Metrics

	buffers  map[frame.StreamKey]*reassembly.Buffer
	table    *schema.Table
	records  []Record
	paths    map[string]json.RawMessage
	pending  map[string]PendingQuery
	requests map[requestKey]request
	stats    Stats
}

func newPipeline(limits reassembly.Limits, log *zap.Logger, m *metrics.Metrics) *pipeline {
	return &pipeline{
		limits:   limits,
		log:      log,
		metrics:  m,
		buffers:  map[frame.StreamKey]*reassembly.Buffer{},
		table:    schema.NewTable(),
		paths:    map[string]json.RawMessage{},
		pending:  map[string]PendingQuery{},
		requests: map[requestKey]request{},
	}
}

func (p *pipeline) buffer(key frame.StreamKey) *reassembly.Buffer {
	b, ok := p.buffers[key]
	if !ok {
		b = reassembly.NewBuffer(p.limits)
		p.buffers[key] = b
	}
	return b
}

// feed pushes one frame through the pipeline.
func (p *pipeline) feed(f frame.RawFrame) FeedResult {
	p.stats.Frames++
	key := f.Stream()
	c := frame.Classify(f.Text)

	if c.Kind == frame.KindHeartbeat {
		p.stats.Heartbeats++
		p.metrics.ObserveFrame(c.Kind.String())
		return FeedResult{Kind: c.Kind}
	}

	buf := p.buffer(key)

	// A t-less object while fragments are pending is an interior piece, not an envelope
	if c.Kind == frame.KindComplete && !frame.LooksLikeEnvelope(c.Object) && buf.Pending() {
		c.Kind = frame.KindFragment
	}
	p.metrics.ObserveFrame(c.Kind.String())

	if c.Kind == frame.KindComplete {
		p.stats.Complete++
		src := envelope.Source{
			Conn:          key.Conn,
			Direction:     key.Direction,
			FirstSeq:      f.Seq,
			LastSeq:       f.Seq,
			Provenance:    envelope.ProvenanceDirect,
			FragmentCount: 1,
		}
		env, err := envelope.Decode([]byte(f.Text), src)
		if err != nil {
			return FeedResult{Kind: c.Kind}
		}
		return FeedResult{Kind: c.Kind, Records: []Record{p.handle(env)}}
	}

	p.stats.Fragments++
	res := buf.Append(reassembly.Piece{Seq: f.Seq, Text: f.Text})
	p.noteLoss(key, res)

	out := FeedResult{Kind: c.Kind}
	for _, a := range res.Assembled {
		prov := envelope.ProvenanceReassembled
		if a.Recovered {
			prov = envelope.ProvenanceRecovered
			p.stats.Recovered++
		} else {
			p.stats.Reassembled++
		}
		src := envelope.Source{
			Conn:          key.Conn,
			Direction:     key.Direction,
			FirstSeq:      a.FirstSeq,
			LastSeq:       a.LastSeq,
			Provenance:    prov,
			FragmentCount: a.Fragments,
		}
		env, err := envelope.Decode(a.Data, src)
		if err != nil {
			continue
		}
		out.Records = append(out.Records, p.handle(env))
	}
	return out
}

func (p *pipeline) noteLoss(key frame.StreamKey, res reassembly.Result) {
	p.stats.Evicted += res.Evicted
	p.stats.Discarded += res.Discarded
	p.metrics.ObserveBufferLoss(res.Evicted, res.Discarded)

	if res.Evicted > 0 {
		p.log.Warn("fragment buffer over ceiling, evicted oldest fragments",
			zap.String("conn", key.Conn),
			zap.String("dir", string(key.Direction)),
			zap.Int("evicted", res.Evicted),
		)
	}
	if res.Discarded > 0 {
		p.log.Info("prefix recovery discarded leading fragments",
			zap.String("conn", key.Conn),
			zap.String("dir", string(key.Direction)),
			zap.Int("discarded", res.Discarded),
		)
	}
}

// handle routes one envelope and merges its schema payloads.
func (p *pipeline) handle(env *envelope.Envelope) Record {
	p.stats.Envelopes++
	p.metrics.ObserveEnvelope(string(env.Source.Provenance))

	routes := envelope.Routes(env)

	if env.RequestID != "" {
		key := requestKey{conn: env.Source.Conn, id: env.RequestID}
		switch {
		case env.HasPath && env.Source.Direction == frame.DirectionSent:
			p.requests[key] = request{path: env.Path, action: env.Action}
		case env.Kind == envelope.KindResponse:
			if req, ok := p.requests[key]; ok {
				delete(p.requests, key)
				if q, ok := p.pending[req.path]; ok {
					q.Status = env.Status
					p.pending[req.path] = q
				}
				// Only a get answers with data; other responses carry an acknowledgement body
				if req.action == "g" && env.HasPayload() && !env.HasPath {
					routes = append(routes, envelope.RouteAt(req.path, env.Payload))
				}
			}
		}
	}

	for _, r := range routes {
		p.apply(env, r)
	}

	rec := Record{Envelope: env, Routes: routes}
	p.records = append(p.records, rec)
	return rec
}

func (p *pipeline) apply(env *envelope.Envelope, r envelope.Route) {
	p.stats.Routes++

	if r.Pending {
		if _, ok := p.pending[r.Path]; !ok {
			p.pending[r.Path] = PendingQuery{
				Path:      r.Path,
				Conn:      env.Source.Conn,
				RequestID: env.RequestID,
				Seq:       env.Source.LastSeq,
			}
		}
		return
	}
	if len(r.Payload) == 0 {
		return
	}

	p.paths[r.Path] = r.Payload
	if !r.SchemaRelevant {
		return
	}

	delete(p.pending, r.Path)
	if _, err := p.table.MergeAt(r.Path, r.Payload); err != nil {
		p.stats.MergeErrors++
		p.log.Warn("schema payload not merged",
			zap.String("path", r.Path),
			zap.Uint64("seq", env.Source.LastSeq),
			zap.Error(err),
		)
		return
	}
	p.stats.Merges++
}

// pendingList returns pending queries sorted by path.
func (p *pipeline) pendingList() []PendingQuery {
	out := make([]PendingQuery, 0, len(p.pending))
	for _, q := range p.pending {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// pathsCopy returns a copy of the path to last-payload map.
func (p *pipeline) pathsCopy() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(p.paths))
	for k, v := range p.paths {
		out[k] = v
	}
	return out
}
