package processes

import (
	"io"
	"log/slog"
	"testing"
)

func TestLogBufferCapacity(t *testing.T) {
	lb := NewLogBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		lb.Add("stdout", msg)
	}
	entries := lb.EntriesAfter(0)
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "b" || entries[0].ID != 2 {
		t.Errorf("Expected oldest retained entry b/2, got %s/%d", entries[0].Message, entries[0].ID)
	}
	if after := lb.EntriesAfter(3); len(after) != 1 || after[0].Message != "d" {
		t.Errorf("Expected only d after ID 3, got %+v", after)
	}
}

func TestLineWriterSplitsLines(t *testing.T) {
	lb := NewLogBuffer(10)
	w := &lineWriter{source: "stderr", buf: lb, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	w.Write([]byte("first\r\nsec"))
	w.Write([]byte("ond\nthird"))
	if got := len(lb.EntriesAfter(0)); got != 2 {
		t.Fatalf("Expected 2 complete lines before flush, got %d", got)
	}
	w.Flush()

	entries := lb.EntriesAfter(0)
	want := []string{"first", "second", "third"}
	if len(entries) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(entries))
	}
	for i, e := range entries {
		if e.Message != want[i] || e.Source != "stderr" {
			t.Errorf("Entry %d = %q from %s, want %q from stderr", i, e.Message, e.Source, want[i])
		}
	}
}
