// Package session owns the state of one capture session: the frame history,
// the live pipeline fed frame by frame, and the result of the last
// reconciliation pass.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/attrscope/internal/attribute"
	"github.com/hpungsan/attrscope/internal/config"
	"github.com/hpungsan/attrscope/internal/frame"
	"github.com/hpungsan/attrscope/internal/journal"
	"github.com/hpungsan/attrscope/internal/logging"
	"github.com/hpungsan/attrscope/internal/metrics"
	"github.com/hpungsan/attrscope/internal/reassembly"
)

// Options configures a Session. Zero values select defaults.
type Options struct {
	Limits  reassembly.Limits
	Rules   attribute.Rules
	Journal journal.Journal
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// OptionsFromConfig builds Options from cfg and opens the configured journal.
func OptionsFromConfig(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (Options, error) {
	j, err := journal.Open(cfg.Journal)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Limits: reassembly.Limits{
			MaxFragments:       cfg.MaxFragments,
			MaxBytes:           cfg.MaxFragmentBytes,
			PrefixRecovery:     cfg.PrefixRecoveryEnabled(),
			PrefixMinFragments: cfg.PrefixRecoveryMinFragments,
		},
		Rules:   attribute.DefaultRules().WithExtra(cfg.BooleanAttributes, cfg.NumericAttributes),
		Journal: j,
		Logger:  log,
		Metrics: m,
	}, nil
}

// State is the output of one reconciliation pass.
type State struct {
	SessionID  string                     `json:"session_id"`
	Pass       int                        `json:"pass"`
	Frames     int                        `json:"frames"`
	Attributes attribute.Result           `json:"attributes"`
	Paths      map[string]json.RawMessage `json:"paths"`
	Pending    []PendingQuery             `json:"pending"`
	Stats      Stats                      `json:"stats"`
}

// IngestResult reports what one ingested frame produced.
type IngestResult struct {
	Seq     uint64     `json:"seq"`
	Kind    frame.Kind `json:"kind"`
	Records []Record   `json:"records"`
}

// Session is safe for concurrent use. Ingest and Reconcile are serialized, so a
// frame arriving during a pass waits for the pass to finish.
type Session struct {
	id      string
	limits  reassembly.Limits
	rules   attribute.Rules
	journal journal.Journal
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	seq   uint64
	live  *pipeline
	last  *State
	pass  int
	close sync.Once
}

// New creates an empty session.
func New(opts Options) *Session {
	if opts.Journal == nil {
		opts.Journal = journal.NewMemory()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rules.NodeCategory == "" && opts.Rules.ConnectionCategory == "" {
		opts.Rules = attribute.DefaultRules().WithExtra(opts.Rules.BooleanNames, opts.Rules.NumericNames)
	}
	limits := opts.Limits
	if limits == (reassembly.Limits{}) {
		limits = reassembly.DefaultLimits()
	}
	log := logging.OrNop(opts.Logger)

	s := &Session{
		id:      ulid.Make().String(),
		limits:  limits,
		rules:   opts.Rules,
		journal: opts.Journal,
		log:     log,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	s.log = log.With(zap.String("session", s.id))
	s.live = newPipeline(s.limits, s.log, s.metrics)
	return s
}

// ID returns the session's ULID.
func (s *Session) ID() string {
	return s.id
}

// Ingest records one raw frame and runs it through the live pipeline.
// Conn defaults to frame.DefaultConn.
func (s *Session) Ingest(ctx context.Context, conn string, dir frame.Direction, text string) (IngestResult, error) {
	if conn = strings.TrimSpace(conn); conn == "" {
		conn = frame.DefaultConn
	}
	if dir == "" {
		dir = frame.DirectionReceived
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := frame.RawFrame{
		Seq:       s.seq + 1,
		Conn:      conn,
		Direction: dir,
		Text:      text,
		At:        s.now().UTC(),
	}
	if err := s.journal.Append(ctx, f); err != nil {
		return IngestResult{}, fmt.Errorf("journal frame %d: %w", f.Seq, err)
	}
	s.seq = f.Seq

	res := s.live.feed(f)
	for _, rec := range res.Records {
		s.log.Debug("envelope",
			zap.String("kind", string(rec.Envelope.Kind)),
			zap.String("path", rec.Envelope.Path),
			zap.String("provenance", string(rec.Envelope.Source.Provenance)),
			zap.Int("fragments", rec.Envelope.Source.FragmentCount),
			zap.Int("routes", len(rec.Routes)),
		)
	}
	return IngestResult{Seq: f.Seq, Kind: res.Kind, Records: res.Records}, nil
}

// Reconcile rebuilds the pipeline from the entire frame history and normalizes
// the resulting schema table. The rebuilt pipeline replaces the live one.
// A pass always runs to completion once the history has been read.
func (s *Session) Reconcile(ctx context.Context) (*State, error) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	p := newPipeline(s.limits, zap.NewNop(), nil)
	if err := s.journal.Scan(ctx, func(f frame.RawFrame) error {
		p.feed(f)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("replay frame history: %w", err)
	}

	result := attribute.Normalize(p.table, s.rules)
	s.pass++
	st := s.stateFrom(p, result, s.pass)

	p.log = s.log
	p.metrics = s.metrics
	s.live = p
	s.last = st

	for _, sk := range result.Skipped {
		s.log.Debug("schema entry skipped",
			zap.String("attribute", sk.Name),
			zap.String("category", sk.Category),
			zap.String("reason", sk.Reason),
		)
	}
	elapsed := time.Since(start)
	s.metrics.ObservePass(metrics.PassStats{
		Duration:  elapsed,
		Picklists: len(result.Picklists),
		Freeform:  len(result.Freeform),
		Pending:   len(st.Pending),
		Skipped:   len(result.Skipped),
	})
	s.log.Info("reconciliation pass complete",
		zap.Int("pass", st.Pass),
		zap.Int("frames", st.Frames),
		zap.Int("envelopes", st.Stats.Envelopes),
		zap.Int("picklists", len(result.Picklists)),
		zap.Int("freeform", len(result.Freeform)),
		zap.Int("pending", len(st.Pending)),
		zap.Duration("elapsed", elapsed),
	)
	return st, nil
}

func (s *Session) stateFrom(p *pipeline, result attribute.Result, pass int) *State {
	return &State{
		SessionID:  s.id,
		Pass:       pass,
		Frames:     p.stats.Frames,
		Attributes: result,
		Paths:      p.pathsCopy(),
		Pending:    p.pendingList(),
		Stats:      p.stats,
	}
}

// State returns the result of the last reconciliation pass. Before the first
// pass it returns a pass-zero state normalized from the live pipeline.
// The returned State is shared and must not be modified.
func (s *Session) State() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil {
		return s.last
	}
	return s.stateFrom(s.live, attribute.Normalize(s.live.table, s.rules), 0)
}

// Pending returns schema queries that have not been answered yet.
func (s *Session) Pending() []PendingQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.pendingList()
}

// Schema returns the merged schema table of the live pipeline as one JSON object.
func (s *Session) Schema() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.live.table)
}

// Envelopes returns one page of envelope records in arrival order, and the
// total number of records matching the filter.
func (s *Session) Envelopes(schemaOnly bool, limit, offset int) ([]Record, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Record
	for _, rec := range s.live.records {
		if schemaOnly && !rec.schemaRelevant() {
			continue
		}
		matched = append(matched, rec)
	}

	total := len(matched)
	if offset >= total {
		return []Record{}, total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]Record{}, matched[offset:end]...), total
}

// Frames returns journaled frames with from <= seq <= to.
func (s *Session) Frames(ctx context.Context, from, to uint64, limit int) ([]frame.RawFrame, error) {
	return s.journal.Range(ctx, from, to, limit)
}

// ScanFrames calls fn for every journaled frame in sequence order.
func (s *Session) ScanFrames(ctx context.Context, fn func(frame.RawFrame) error) error {
	return s.journal.Scan(ctx, fn)
}

// FrameCount returns the size of the frame history.
func (s *Session) FrameCount(ctx context.Context) (int, error) {
	return s.journal.Count(ctx)
}

// Close releases the frame journal.
func (s *Session) Close() error {
	var err error
	s.close.Do(func() { err = s.journal.Close() })
	return err
}
