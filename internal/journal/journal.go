// Package journal stores the raw frame history of a session.
//
// Reconciliation replays the whole history, so a journal must return frames in
// sequence order. Both implementations keep everything in process memory.
package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hpungsan/attrscope/internal/db"
	"github.com/hpungsan/attrscope/internal/frame"
)

// Kinds accepted by Open.
const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

// ErrDuplicateSeq is returned by Append for a sequence number already stored.
var ErrDuplicateSeq = db.ErrDuplicateSeq

// Journal is an append-only, sequence-ordered frame store.
type Journal interface {
	Append(ctx context.Context, f frame.RawFrame) error
	// Scan calls fn for every frame in sequence order, stopping at fn's first error.
	Scan(ctx context.Context, fn func(frame.RawFrame) error) error
	Count(ctx context.Context) (int, error)
	// Range returns frames with from <= seq <= to; limit <= 0 means no limit.
	Range(ctx context.Context, from, to uint64, limit int) ([]frame.RawFrame, error)
	Close() error
}

// Open returns a journal of the given kind. An empty kind selects memory.
func Open(kind string) (Journal, error) {
	switch kind {
	case "", KindMemory:
		return NewMemory(), nil
	case KindSQLite:
		return OpenSQLite()
	default:
		return nil, fmt.Errorf("unknown journal kind %q (want %q or %q)", kind, KindMemory, KindSQLite)
	}
}

// Memory is a slice-backed journal.
type Memory struct {
	mu     sync.RWMutex
	frames []frame.RawFrame
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, f frame.RawFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.frames), func(i int) bool { return m.frames[i].Seq >= f.Seq })
	if i < len(m.frames) && m.frames[i].Seq == f.Seq {
		return ErrDuplicateSeq
	}
	if i == len(m.frames) {
		m.frames = append(m.frames, f)
		return nil
	}
	m.frames = append(m.frames, frame.RawFrame{})
	copy(m.frames[i+1:], m.frames[i:])
	m.frames[i] = f
	return nil
}

func (m *Memory) Scan(ctx context.Context, fn func(frame.RawFrame) error) error {
	m.mu.RLock()
	frames := append([]frame.RawFrame(nil), m.frames...)
	m.mu.RUnlock()

	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.frames), nil
}

func (m *Memory) Range(_ context.Context, from, to uint64, limit int) ([]frame.RawFrame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []frame.RawFrame{}
	i := sort.Search(len(m.frames), func(i int) bool { return m.frames[i].Seq >= from })
	for ; i < len(m.frames) && m.frames[i].Seq <= to; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.frames[i])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
