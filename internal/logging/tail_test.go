package logging

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func entry(msg string) Entry {
	return Entry{Timestamp: time.Now(), Level: "INFO", Component: "test", Message: msg}
}

func TestTailRecentReturnsOldestFirst(t *testing.T) {
	tail := NewTail(TailConfig{Capacity: 8})
	for i := 0; i < 3; i++ {
		tail.Append(entry(fmt.Sprintf("m%d", i)))
	}

	got := tail.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent returned %d entries, want 3", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("m%d", i)
		if e.Message != want {
			t.Fatalf("entry %d = %q, want %q", i, e.Message, want)
		}
	}
}

func TestTailWrapsAndCountsOverwrites(t *testing.T) {
	tail := NewTail(TailConfig{Capacity: 4})
	for i := 0; i < 10; i++ {
		tail.Append(entry(fmt.Sprintf("m%d", i)))
	}

	got := tail.Recent(0)
	if len(got) != 4 {
		t.Fatalf("Recent returned %d entries, want 4", len(got))
	}
	if got[0].Message != "m6" || got[3].Message != "m9" {
		t.Fatalf("ring window = [%s..%s], want [m6..m9]", got[0].Message, got[3].Message)
	}
	if tail.Overwritten() != 6 {
		t.Fatalf("Overwritten = %d, want 6", tail.Overwritten())
	}
}

func TestTailRecentLimit(t *testing.T) {
	tail := NewTail(TailConfig{Capacity: 8})
	for i := 0; i < 5; i++ {
		tail.Append(entry(fmt.Sprintf("m%d", i)))
	}

	got := tail.Recent(2)
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d entries, want 2", len(got))
	}
	if got[0].Message != "m3" || got[1].Message != "m4" {
		t.Fatalf("Recent(2) = [%s %s], want [m3 m4]", got[0].Message, got[1].Message)
	}
}

func TestTailMinLevel(t *testing.T) {
	tail := NewTail(TailConfig{Capacity: 4, MinLevel: "warn"})

	if tail.ShouldRetain(slog.LevelInfo) {
		t.Fatal("info should not be retained at warn level")
	}
	if !tail.ShouldRetain(slog.LevelError) {
		t.Fatal("error should be retained at warn level")
	}

	tail.SetMinLevel("debug")
	if !tail.ShouldRetain(slog.LevelDebug) {
		t.Fatal("debug should be retained after SetMinLevel(debug)")
	}
}

func TestTailEmpty(t *testing.T) {
	tail := NewTail(TailConfig{})
	if got := tail.Recent(10); got != nil {
		t.Fatalf("Recent on empty tail = %v, want nil", got)
	}
}
