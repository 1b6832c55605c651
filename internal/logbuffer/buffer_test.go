package logbuffer

import (
	"testing"
	"time"

	"tunnelgate/internal/model"
)

func entry(server string, seq int) model.LogEntry {
	return model.LogEntry{
		Timestamp:  time.Now(),
		ServerName: server,
		Event:      model.LogInfo,
		Details:    string(rune('A' + seq)),
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	b := New()
	b.Append(entry("a", 0))
	b.Append(entry("b", 1))
	b.Append(entry("c", 2))

	got := b.Recent(3)
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].ServerName != "c" || got[1].ServerName != "b" || got[2].ServerName != "a" {
		t.Fatalf("got order %+v, want c,b,a", got)
	}
}

func TestRecentLimitCaps(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.Append(entry("s", i))
	}
	got := b.Recent(2)
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
}

func TestAppendEvictsOldestPastCapacity(t *testing.T) {
	b := New()
	for i := 0; i < Capacity+10; i++ {
		b.Append(entry("s", i%26))
	}
	got := b.Recent(Capacity)
	if len(got) != Capacity {
		t.Fatalf("got %d entries, want %d", len(got), Capacity)
	}
}

func TestRecentOnEmptyBufferReturnsEmpty(t *testing.T) {
	b := New()
	got := b.Recent(10)
	if len(got) != 0 {
		t.Fatalf("got %d entries, want 0", len(got))
	}
}
