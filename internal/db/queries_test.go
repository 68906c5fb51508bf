package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/hpungsan/attrscope/internal/errors"
	"github.com/hpungsan/attrscope/internal/frame"
)

func testFrame(seq uint64, text string) frame.RawFrame {
	return frame.RawFrame{
		Seq:       seq,
		Conn:      frame.DefaultConn,
		Direction: frame.DirectionReceived,
		Text:      text,
		At:        time.Date(2026, 1, 2, 3, 4, 5, int(seq), time.UTC),
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndScan(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	want := []frame.RawFrame{
		testFrame(1, `{"t":"d",`),
		{Seq: 2, Conn: "ws-2", Direction: frame.DirectionSent, Text: `{"t":"d","d":{"r":1}}`, At: time.Unix(0, 42).UTC()},
		testFrame(3, `"d":{}}`),
	}
	// Insert out of order; scan must return sequence order
	for _, i := range []int{2, 0, 1} {
		if err := InsertFrame(ctx, db, want[i]); err != nil {
			t.Fatalf("InsertFrame(%d) error = %v", want[i].Seq, err)
		}
	}

	var got []frame.RawFrame
	err := ScanFrames(ctx, db, func(f frame.RawFrame) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanFrames() error = %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Seq != want[i].Seq || got[i].Conn != want[i].Conn || got[i].Direction != want[i].Direction || got[i].Text != want[i].Text {
			t.Errorf("frame %d = %+v, want %+v", i, got[i], want[i])
		}
		if !got[i].At.Equal(want[i].At) {
			t.Errorf("frame %d At = %v, want %v", i, got[i].At, want[i].At)
		}
	}
}

func TestInsertFrame_DuplicateSeq(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := InsertFrame(ctx, db, testFrame(1, "a")); err != nil {
		t.Fatalf("InsertFrame() error = %v", err)
	}
	err := InsertFrame(ctx, db, testFrame(1, "b"))
	if err != ErrDuplicateSeq {
		t.Fatalf("InsertFrame() error = %v, want ErrDuplicateSeq", err)
	}
	if !errors.Is(err, errors.ErrConflict) {
		t.Error("ErrDuplicateSeq should carry CONFLICT")
	}
}

func TestScanFrames_StopsOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	for i := uint64(1); i <= 5; i++ {
		if err := InsertFrame(ctx, db, testFrame(i, "x")); err != nil {
			t.Fatal(err)
		}
	}

	stop := fmt.Errorf("stop")
	seen := 0
	err := ScanFrames(ctx, db, func(f frame.RawFrame) error {
		seen++
		if f.Seq == 2 {
			return stop
		}
		return nil
	})
	if err != stop {
		t.Errorf("ScanFrames() error = %v, want stop", err)
	}
	if seen != 2 {
		t.Errorf("seen = %d, want 2", seen)
	}
}

func TestScanFrames_CallbackMayWrite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if err := InsertFrame(ctx, db, testFrame(1, "x")); err != nil {
		t.Fatal(err)
	}

	err := ScanFrames(ctx, db, func(f frame.RawFrame) error {
		return InsertFrame(ctx, db, testFrame(f.Seq+100, "copy"))
	})
	if err != nil {
		t.Fatalf("ScanFrames() error = %v", err)
	}
	n, err := CountFrames(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountFrames() = %d, want 2", n)
	}
}

func TestFramesInRange(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	for i := uint64(1); i <= 10; i++ {
		if err := InsertFrame(ctx, db, testFrame(i, fmt.Sprintf("f%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		from, to uint64
		limit    int
		wantSeqs []uint64
	}{
		{"middle", 3, 5, 0, []uint64{3, 4, 5}},
		{"limited", 2, 10, 2, []uint64{2, 3}},
		{"single", 7, 7, 0, []uint64{7}},
		{"past end", 11, 20, 0, []uint64{}},
		{"inverted", 5, 3, 0, []uint64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := FramesInRange(ctx, db, tt.from, tt.to, tt.limit)
			if err != nil {
				t.Fatalf("FramesInRange() error = %v", err)
			}
			if frames == nil {
				t.Fatal("FramesInRange() returned nil slice")
			}
			if len(frames) != len(tt.wantSeqs) {
				t.Fatalf("got %d frames, want %d", len(frames), len(tt.wantSeqs))
			}
			for i, seq := range tt.wantSeqs {
				if frames[i].Seq != seq {
					t.Errorf("frames[%d].Seq = %d, want %d", i, frames[i].Seq, seq)
				}
			}
		})
	}
}

func TestCountFrames_Empty(t *testing.T) {
	n, err := CountFrames(context.Background(), openTestDB(t))
	if err != nil {
		t.Fatalf("CountFrames() error = %v", err)
	}
	if n != 0 {
		t.Errorf("CountFrames() = %d, want 0", n)
	}
}
