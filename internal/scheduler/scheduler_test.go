package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 8, 23, 12, 3, 17, 0, time.UTC)
	next := s.nextTick(now)
	want := time.Date(2026, 8, 23, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("nextTick = %s, want %s", next, want)
	}

	// Exactly on a boundary still advances to the following bucket.
	next = s.nextTick(want)
	if !next.Equal(want.Add(5 * time.Minute)) {
		t.Fatalf("boundary nextTick = %s, want %s", next, want.Add(5*time.Minute))
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: false}, zerolog.Nop())
	now := time.Date(2026, 8, 23, 12, 3, 17, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unaligned nextTick = %s, want %s", got, now.Add(time.Minute))
	}
}
