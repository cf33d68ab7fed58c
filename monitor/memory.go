// Package monitor samples host memory usage for the control panel.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Sample is host memory in bytes.
type Sample struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
}

// SampleFunc reads the current memory usage.
type SampleFunc func() (Sample, error)

// Sink receives every new sample.
type Sink interface {
	MemorySampled(sample Sample)
}

// ReadSysinfo reads memory usage from sysinfo(2). Buffers and shared
// memory count as used, free memory does not.
func ReadSysinfo() (Sample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Sample{}, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := uint64(info.Freeram) * unit
	return Sample{Used: total - free, Total: total}, nil
}

// Monitor samples memory on an interval and keeps the latest value.
type Monitor struct {
	sample   SampleFunc
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
	latest   atomic.Pointer[Sample]
}

func New(sample SampleFunc, sink Sink, interval time.Duration, logger *slog.Logger) *Monitor {
	if sample == nil {
		sample = ReadSysinfo
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		sample:   sample,
		sink:     sink,
		interval: interval,
		logger:   logger.With("component", "monitor"),
	}
	m.latest.Store(&Sample{})
	return m
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() Sample {
	return *m.latest.Load()
}

// Poll takes one sample and forwards it to the sink.
func (m *Monitor) Poll() {
	s, err := m.sample()
	if err != nil {
		m.logger.Warn("Failed to sample memory", "error", err)
		return
	}
	m.latest.Store(&s)
	if m.sink != nil {
		m.sink.MemorySampled(s)
	}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Poll()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
