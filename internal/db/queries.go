package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/frame"
)

// ErrDuplicateSeq is returned when a frame with the same sequence number is already journaled.
var ErrDuplicateSeq = &errors.ScopeError{
	Code:    errors.ErrConflict,
	Status:  409,
	Message: "frame sequence already journaled",
}

// InsertFrame journals one frame.
func InsertFrame(ctx context.Context, db *sql.DB, f frame.RawFrame) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO frames (seq, conn, direction, text, received_at) VALUES (?, ?, ?, ?, ?)`,
		int64(f.Seq), f.Conn, string(f.Direction), f.Text, f.At.UnixNano(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateSeq
		}
		return errors.NewInternal(err)
	}
	return nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// ScanFrames calls fn for every journaled frame in sequence order.
// Iteration stops at the first error returned by fn.
func ScanFrames(ctx context.Context, db *sql.DB, fn func(frame.RawFrame) error) error {
	rows, err := db.QueryContext(ctx,
		`SELECT seq, conn, direction, text, received_at FROM frames ORDER BY seq ASC`)
	if err != nil {
		return errors.NewInternal(err)
	}

	// Collect first: the single pinned connection stays busy while rows are open,
	// and fn may write to the journal.
	var frames []frame.RawFrame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			rows.Close()
			return errors.NewInternal(err)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errors.NewInternal(err)
	}
	rows.Close()

	for _, f := range frames {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// CountFrames returns the number of journaled frames.
func CountFrames(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// FramesInRange returns frames with from <= seq <= to in sequence order.
// A limit of zero or less returns every frame in the range.
func FramesInRange(ctx context.Context, db *sql.DB, from, to uint64, limit int) ([]frame.RawFrame, error) {
	query := `
		SELECT seq, conn, direction, text, received_at
		FROM frames
		WHERE seq >= ? AND seq <= ?
		ORDER BY seq ASC
	`
	args := []any{int64(from), int64(to)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	frames := []frame.RawFrame{}
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return frames, nil
}

func scanFrame(rows *sql.Rows) (frame.RawFrame, error) {
	var (
		f          frame.RawFrame
		seq        int64
		direction  string
		receivedAt int64
	)
	if err := rows.Scan(&seq, &f.Conn, &direction, &f.Text, &receivedAt); err != nil {
		return frame.RawFrame{}, err
	}
	f.Seq = uint64(seq)
	f.Direction = frame.Direction(direction)
	f.At = time.Unix(0, receivedAt).UTC()
	return f, nil
}
