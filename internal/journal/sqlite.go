package journal

import (
	"context"
	"database/sql"

	"github.com/hpungsan/attrscope/internal/db"
	"github.com/hpungsan/attrscope/internal/frame"
)

// SQLite is a journal backed by a private in-memory SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens a fresh in-memory SQLite journal.
func OpenSQLite() (*SQLite, error) {
	conn, err := db.Open()
	if err != nil {
		return nil, err
	}
	return &SQLite{db: conn}, nil
}

func (s *SQLite) Append(ctx context.Context, f frame.RawFrame) error {
	return db.InsertFrame(ctx, s.db, f)
}

func (s *SQLite) Scan(ctx context.Context, fn func(frame.RawFrame) error) error {
	return db.ScanFrames(ctx, s.db, fn)
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	return db.CountFrames(ctx, s.db)
}

func (s *SQLite) Range(ctx context.Context, from, to uint64, limit int) ([]frame.RawFrame, error) {
	return db.FramesInRange(ctx, s.db, from, to, limit)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
