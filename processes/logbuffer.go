package processes

import (
	"bytes"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one line of output captured from a service.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
}

// LogBuffer keeps the most recent output lines of a service.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	nextID   int64
}

func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

func (lb *LogBuffer) Add(source, message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
	})
	lb.nextID++
}

// EntriesAfter returns the retained entries with ID greater than fromID.
func (lb *LogBuffer) EntriesAfter(fromID int64) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	result := make([]LogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// lineWriter splits a process output stream into lines and records each
// line in the buffer and the log.
type lineWriter struct {
	mu      sync.Mutex
	source  string
	buf     *LogBuffer
	logger  *slog.Logger
	pending []byte
}

const maxLineLength = 64 * 1024

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.pending[:i], "\r")))
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) > maxLineLength {
		w.emit(string(w.pending))
		w.pending = nil
	}
	return len(p), nil
}

// Flush records a trailing line without a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

func (w *lineWriter) emit(line string) {
	w.buf.Add(w.source, line)
	if w.source == "stderr" {
		w.logger.Warn("Service stderr", "output", line)
	} else {
		w.logger.Info("Service stdout", "output", line)
	}
}
