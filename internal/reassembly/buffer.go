// Package reassembly joins envelope fragments back into complete JSON objects.
//
// A Buffer holds the fragments of one ordered stream. After every append the whole
// concatenation is reparsed; a successful parse drains the buffer. The buffer is
// bounded: once it holds more than Limits.MaxFragments fragments or Limits.MaxBytes
// bytes, the oldest fragments are evicted. Eviction is silent data loss by design and
// callers treat a missing envelope as a normal outcome.
package reassembly

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/hpungsan/attrscope/internal/frame"
)

// Limits bounds a Buffer.
type Limits struct {
	// MaxFragments is the fragment-count ceiling
	MaxFragments int

	// MaxBytes is the byte ceiling over all buffered fragment text
	MaxBytes int

	// PrefixRecovery enables the balanced-object fallback
	PrefixRecovery bool

	// PrefixMinFragments is the buffered fragment count at which the fallback starts to run
	PrefixMinFragments int
}

// DefaultLimits returns the limits used when no config overrides them.
func DefaultLimits() Limits {
	return Limits{
		MaxFragments:       256,
		MaxBytes:           4 << 20,
		PrefixRecovery:     true,
		PrefixMinFragments: 8,
	}
}

// Piece is one fragment of text and the sequence index of the frame that carried it.
type Piece struct {
	Seq  uint64
	Text string
}

// Assembled is one complete JSON object recovered from buffered fragments.
type Assembled struct {
	Data      []byte
	FirstSeq  uint64
	LastSeq   uint64
	Fragments int

	// Recovered is true when the object came from the prefix fallback rather than a whole-buffer parse
	Recovered bool
}

// Result reports what one Append produced.
type Result struct {
	Assembled []Assembled

	// Evicted is the number of fragments dropped to honor the limits
	Evicted int

	// Discarded is the number of fragments dropped as leading garbage by the prefix fallback
	Discarded int
}

// Buffer accumulates the fragments of one stream. Not safe for concurrent use.
type Buffer struct {
	limits Limits
	pieces []Piece
	size   int
}

// NewBuffer creates an empty buffer with the given limits.
// Non-positive ceilings fall back to DefaultLimits.
func NewBuffer(limits Limits) *Buffer {
	def := DefaultLimits()
	if limits.MaxFragments <= 0 {
		limits.MaxFragments = def.MaxFragments
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = def.MaxBytes
	}
	if limits.PrefixMinFragments <= 0 {
		limits.PrefixMinFragments = def.PrefixMinFragments
	}
	return &Buffer{limits: limits}
}

// Len returns the number of buffered fragments.
func (b *Buffer) Len() int { return len(b.pieces) }

// Size returns the number of buffered bytes.
func (b *Buffer) Size() int { return b.size }

// Pending reports whether any fragment is waiting for completion.
func (b *Buffer) Pending() bool { return len(b.pieces) > 0 }

// Limits returns the effective limits.
func (b *Buffer) Limits() Limits { return b.limits }

// Reset drops every buffered fragment.
func (b *Buffer) Reset() {
	b.pieces = nil
	b.size = 0
}

// Append adds a fragment and tries to complete the buffer.
// Blank text is ignored.
func (b *Buffer) Append(p Piece) Result {
	var res Result
	if strings.TrimSpace(p.Text) == "" {
		return res
	}

	b.pieces = append(b.pieces, p)
	b.size += len(p.Text)

	if a, ok := b.tryWhole(); ok {
		res.Assembled = append(res.Assembled, a)
		return res
	}

	if b.limits.PrefixRecovery && len(b.pieces) >= b.limits.PrefixMinFragments {
		b.recover(&res)
	}

	res.Evicted = b.enforceLimits()
	return res
}

// tryWhole parses the whole concatenation; on success the buffer is drained.
func (b *Buffer) tryWhole() (Assembled, bool) {
	data := b.join()
	if !isCompleteObject(data) {
		return Assembled{}, false
	}
	a := Assembled{
		Data:      data,
		FirstSeq:  b.pieces[0].Seq,
		LastSeq:   b.pieces[len(b.pieces)-1].Seq,
		Fragments: len(b.pieces),
	}
	b.Reset()
	return a, true
}

// recover runs the prefix fallback until it stops making progress.
func (b *Buffer) recover(res *Result) {
	for len(b.pieces) > 0 {
		a, discarded, ok := b.extractPrefix()
		if !ok {
			return
		}
		res.Assembled = append(res.Assembled, a)
		res.Discarded += discarded

		if whole, ok := b.tryWhole(); ok {
			res.Assembled = append(res.Assembled, whole)
			return
		}
	}
}

// extractPrefix looks for a balanced envelope that starts at a fragment boundary.
// Envelope text begins at a frame boundary on the wire, so only fragment starts are
// candidates, and a candidate must carry the top-level "t" discriminator. A fragment
// that opens an envelope which is not yet closed ends the search: later candidates
// are nested inside it. Fragments before the winning candidate are discarded as
// garbage; text after the object's closing brace stays buffered.
func (b *Buffer) extractPrefix() (Assembled, int, bool) {
	data := b.join()

	offset := 0
	starts := make([]int, len(b.pieces))
	for i, p := range b.pieces {
		starts[i] = offset
		offset += len(p.Text)
	}

	for i, p := range b.pieces {
		lead := len(p.Text) - len(strings.TrimLeft(p.Text, " \t\r\n"))
		start := starts[i] + lead
		if start >= len(data) || data[start] != '{' {
			continue
		}
		end, ok := ScanObject(data[start:])
		if !ok {
			if opensEnvelope(data[start:]) {
				break
			}
			continue
		}
		end += start
		if !isEnvelope(data[start:end]) {
			continue
		}

		// Index of the fragment holding the last byte of the object
		last := i
		for last+1 < len(b.pieces) && starts[last+1] < end {
			last++
		}

		a := Assembled{
			Data:      append([]byte(nil), data[start:end]...),
			FirstSeq:  b.pieces[i].Seq,
			LastSeq:   b.pieces[last].Seq,
			Fragments: last - i + 1,
			Recovered: true,
		}

		rest := b.pieces[last+1:]
		tail := string(data[end : starts[last]+len(b.pieces[last].Text)])
		remaining := make([]Piece, 0, len(rest)+1)
		if strings.TrimSpace(tail) != "" {
			remaining = append(remaining, Piece{Seq: b.pieces[last].Seq, Text: tail})
		}
		remaining = append(remaining, rest...)

		b.pieces = remaining
		b.size = 0
		for _, rp := range b.pieces {
			b.size += len(rp.Text)
		}
		return a, i, true
	}
	return Assembled{}, 0, false
}

// enforceLimits evicts oldest fragments until the buffer is within its ceilings.
func (b *Buffer) enforceLimits() int {
	evicted := 0
	for len(b.pieces) > 0 && (len(b.pieces) > b.limits.MaxFragments || b.size > b.limits.MaxBytes) {
		b.size -= len(b.pieces[0].Text)
		b.pieces[0] = Piece{}
		b.pieces = b.pieces[1:]
		evicted++
	}
	if len(b.pieces) == 0 {
		b.Reset()
	}
	return evicted
}

func (b *Buffer) join() []byte {
	var buf bytes.Buffer
	buf.Grow(b.size)
	for _, p := range b.pieces {
		buf.WriteString(p.Text)
	}
	return buf.Bytes()
}

// isCompleteObject reports whether data is exactly one JSON object, nothing trailing.
func isCompleteObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// isEnvelope reports whether data is a JSON object with the top-level "t" key.
func isEnvelope(data []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	return frame.LooksLikeEnvelope(obj)
}

// opensEnvelope reports whether data, which starts with '{', begins with a "t" key.
func opensEnvelope(data []byte) bool {
	rest := bytes.TrimLeft(data[1:], " \t\r\n")
	if !bytes.HasPrefix(rest, []byte(`"t"`)) {
		return false
	}
	rest = bytes.TrimLeft(rest[3:], " \t\r\n")
	return len(rest) == 0 || rest[0] == ':'
}
