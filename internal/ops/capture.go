package ops

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hpungsan/attrscope/internal/config"
	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/frame"
	"github.com/hpungsan/attrscope/internal/session"
)

// maxCaptureLine bounds one line of a capture file.
const maxCaptureLine = 16 << 20

// CaptureHeader is the first line of an exported capture file.
type CaptureHeader struct {
	AttrscopeCapture bool   `json:"_attrscope_capture"`
	SessionID        string `json:"session_id,omitempty"`
	ExportedAt       int64  `json:"exported_at"`
}

// CaptureRecord is one frame line of a capture file. Lines that are not
// records are replayed verbatim as received frames on the default connection.
type CaptureRecord struct {
	Seq  uint64 `json:"seq,omitempty"`
	Conn string `json:"conn,omitempty"`
	Dir  string `json:"dir,omitempty"`
	Text string `json:"text"`
	At   int64  `json:"at,omitempty"`
}

type lineKind int

const (
	lineBlank lineKind = iota
	lineHeader
	lineFrame
)

// parseCaptureLine turns one capture line into a frame.
func parseCaptureLine(line string) (FrameInput, lineKind) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return FrameInput{}, lineBlank
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "{") {
		return FrameInput{Text: line}, lineFrame
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return FrameInput{Text: line}, lineFrame
	}
	if _, ok := fields["_attrscope_capture"]; ok {
		return FrameInput{}, lineHeader
	}
	var text string
	if raw, ok := fields["text"]; !ok || json.Unmarshal(raw, &text) != nil {
		return FrameInput{Text: line}, lineFrame
	}

	var rec CaptureRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return FrameInput{Text: line}, lineFrame
	}
	return FrameInput{Conn: rec.Conn, Dir: rec.Dir, Text: rec.Text}, lineFrame
}

// FrameCounts summarizes ingested frames.
type FrameCounts struct {
	Accepted   int    `json:"accepted"`
	FirstSeq   uint64 `json:"first_seq,omitempty"`
	LastSeq    uint64 `json:"last_seq,omitempty"`
	Heartbeats int    `json:"heartbeats"`
	Fragments  int    `json:"fragments"`
	Complete   int    `json:"complete"`
	Envelopes  int    `json:"envelopes"`
}

func (c *FrameCounts) add(res session.IngestResult) {
	c.Accepted++
	if c.FirstSeq == 0 {
		c.FirstSeq = res.Seq
	}
	c.LastSeq = res.Seq
	switch res.Kind {
	case frame.KindHeartbeat:
		c.Heartbeats++
	case frame.KindComplete:
		c.Complete++
	default:
		c.Fragments++
	}
	c.Envelopes += len(res.Records)
}

// LineError reports a capture line that could not be replayed.
type LineError struct {
	Line    int    `json:"line"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReplayInput contains parameters for the Replay operation.
type ReplayInput struct {
	Path string `json:"path"` // required
}

// ReplayOutput contains the result of the Replay operation.
type ReplayOutput struct {
	Path  string `json:"path"`
	Lines int    `json:"lines"`
	FrameCounts
	Errors []LineError `json:"errors"`
}

// Replay feeds every line of a .jsonl capture file into the session in order.
// Bad lines are reported and skipped.
func Replay(ctx context.Context, sess *session.Session, n Notifier, cfg *config.Config, input ReplayInput) (*ReplayOutput, error) {
	if err := ValidatePath(input.Path, PathCheckRead, cfg); err != nil {
		return nil, err
	}

	file, err := openCapture(input.Path, cfg)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	out := &ReplayOutput{Path: input.Path, Errors: []LineError{}}
	t := &tailer{sess: sess, notifier: n}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCaptureLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewInternal(fmt.Errorf("replay cancelled: %w", err))
		}
		out.Lines++
		lerr, err := t.line(ctx, out.Lines, scanner.Text(), &out.FrameCounts)
		if err != nil {
			return nil, err
		}
		if lerr != nil {
			out.Errors = append(out.Errors, *lerr)
		}
	}
	if err := scanner.Err(); err != nil {
		out.Errors = append(out.Errors, LineError{
			Line:    out.Lines + 1,
			Code:    "READ_ERROR",
			Message: fmt.Sprintf("failed to read capture: %v", err),
		})
	}
	return out, nil
}

// openCapture opens a validated capture and enforces max_capture_bytes.
func openCapture(path string, cfg *config.Config) (*os.File, error) {
	file, err := openNoFollow(path, os.O_RDONLY, 0)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open capture: %w", err))
	}
	if cfg != nil && cfg.MaxCaptureBytes > 0 {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, errors.NewInternal(err)
		}
		if info.Size() > cfg.MaxCaptureBytes {
			file.Close()
			return nil, errors.NewCaptureTooLarge(cfg.MaxCaptureBytes, info.Size())
		}
	}
	return file, nil
}

// tailer ingests capture lines. Shared by Replay and Follow.
type tailer struct {
	sess     *session.Session
	notifier Notifier
}

// line ingests one capture line. A non-nil LineError reports a skipped line;
// a non-nil error aborts the replay.
func (t *tailer) line(ctx context.Context, num int, text string, counts *FrameCounts) (*LineError, error) {
	in, kind := parseCaptureLine(text)
	if kind != lineFrame {
		return nil, nil
	}
	target, err := parseFrame(in)
	if err != nil {
		return &LineError{Line: num, Code: "INVALID_RECORD", Message: err.Error()}, nil
	}
	res, err := ingestOne(ctx, t.sess, t.notifier, target)
	if err != nil {
		return nil, err
	}
	counts.add(res)
	return nil, nil
}

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path  string `json:"path,omitempty"`  // optional, default: ~/.attrscope/captures/<label>-<timestamp>.jsonl
	Label string `json:"label,omitempty"` // optional, defaults to the session ID
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Frames     int    `json:"frames"`
	ExportedAt int64  `json:"exported_at"`
}

// Export writes the session's frame history to a .jsonl capture that Replay
// reproduces exactly.
func Export(ctx context.Context, sess *session.Session, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	now := time.Now()

	exportPath := input.Path
	if exportPath == "" {
		dir, err := DefaultCapturesDir()
		if err != nil {
			return nil, err
		}
		label := input.Label
		if label == "" {
			label = sess.ID()
		}
		exportPath = filepath.Join(dir, SanitizeForFilename(label)+"-"+now.UTC().Format("2006-01-02T150405")+captureExt)
	}

	if err := ValidatePath(exportPath, PathCheckWrite, cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create capture directory: %w", err))
	}

	// Write to a temp file, then rename over the destination
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create capture file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	w := bufio.NewWriter(file)
	if err := writeLine(w, CaptureHeader{AttrscopeCapture: true, SessionID: sess.ID(), ExportedAt: now.Unix()}); err != nil {
		return nil, err
	}

	count := 0
	err = sess.ScanFrames(ctx, func(f frame.RawFrame) error {
		count++
		return writeLine(w, CaptureRecord{
			Seq:  f.Seq,
			Conn: f.Conn,
			Dir:  string(f.Direction),
			Text: f.Text,
			At:   f.At.UnixMilli(),
		})
	})
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInternal(err)
	}

	if err := w.Flush(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close capture file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlinked destination
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInternal(fmt.Errorf("capture path is a symlink"))
	}
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("capture destination already exists; choose a new path")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize capture: %w", err))
	}

	success = true
	return &ExportOutput{Path: exportPath, Frames: count, ExportedAt: now.Unix()}, nil
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.NewInternal(err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
