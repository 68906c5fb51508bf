package ops

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hpungsan/attrscope/internal/config"
	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/logging"
	"github.com/hpungsan/attrscope/internal/session"
)

// FollowInput contains parameters for the Follow operation.
type FollowInput struct {
	Path      string `json:"path"`                 // required
	FromStart bool   `json:"from_start,omitempty"` // replay existing lines first
}

// FollowOutput contains the result of the Follow operation.
type FollowOutput struct {
	Path  string `json:"path"`
	Lines int    `json:"lines"`
	FrameCounts
	Errors []LineError `json:"errors"`
}

// Follow tails a capture file and ingests every line appended to it until ctx
// is cancelled or the file is removed or renamed. A trailing line without a
// newline is held until it is completed.
func Follow(ctx context.Context, sess *session.Session, n Notifier, cfg *config.Config, input FollowInput, log *zap.Logger) (*FollowOutput, error) {
	log = logging.OrNop(log)
	if err := ValidatePath(input.Path, PathCheckRead, cfg); err != nil {
		return nil, err
	}

	file, err := openNoFollow(input.Path, os.O_RDONLY, 0)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open capture: %w", err))
	}
	defer file.Close()

	absPath, err := filepath.Abs(input.Path)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	// Watch the directory: a watch on the file itself sees no removal while we hold it open
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create watcher: %w", err))
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err))
	}

	f := &follower{
		tailer: tailer{sess: sess, notifier: n},
		file:   file,
		reader: bufio.NewReader(file),
		out:    &FollowOutput{Path: input.Path, Errors: []LineError{}},
		log:    log.With(zap.String("capture", input.Path)),
	}
	if !input.FromStart {
		pos, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		f.pos = pos
	}

	if err := f.drain(ctx); err != nil {
		return nil, err
	}
	f.log.Info("following capture", zap.Int64("offset", f.pos))

	for {
		select {
		case <-ctx.Done():
			return f.out, nil

		case event, ok := <-watcher.Events:
			if !ok {
				return f.out, nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			switch {
			case event.Op&fsnotify.Write != 0:
				if err := f.drain(ctx); err != nil {
					return nil, err
				}
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if err := f.drain(ctx); err != nil {
					return nil, err
				}
				f.log.Info("capture removed, follow stopped", zap.Int("lines", f.out.Lines))
				return f.out, nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return f.out, nil
			}
			f.log.Warn("capture watcher error", zap.Error(err))
		}
	}
}

type follower struct {
	tailer
	file   *os.File
	reader *bufio.Reader
	pos    int64
	carry  strings.Builder
	out    *FollowOutput
	log    *zap.Logger
}

// drain ingests every complete line between the current offset and EOF.
func (f *follower) drain(ctx context.Context) error {
	if info, err := f.file.Stat(); err == nil && info.Size() < f.pos {
		f.log.Info("capture truncated, reading from start", zap.Int64("size", info.Size()))
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			return errors.NewInternal(err)
		}
		f.reader.Reset(f.file)
		f.pos = 0
		f.carry.Reset()
	}

	for {
		chunk, err := f.reader.ReadString('\n')
		f.pos += int64(len(chunk))
		if err == io.EOF {
			f.carry.WriteString(chunk)
			if f.carry.Len() > maxCaptureLine {
				f.out.Lines++
				f.out.Errors = append(f.out.Errors, LineError{
					Line:    f.out.Lines,
					Code:    "LINE_TOO_LONG",
					Message: fmt.Sprintf("line exceeds %d bytes", maxCaptureLine),
				})
				f.carry.Reset()
			}
			return nil
		}
		if err != nil {
			return errors.NewInternal(fmt.Errorf("failed to read capture: %w", err))
		}

		f.carry.WriteString(strings.TrimSuffix(chunk, "\n"))
		text := f.carry.String()
		f.carry.Reset()

		f.out.Lines++
		lerr, err := f.line(ctx, f.out.Lines, text, &f.out.FrameCounts)
		if err != nil {
			return err
		}
		if lerr != nil {
			f.out.Errors = append(f.out.Errors, *lerr)
		}
	}
}
