package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomyedwab/etes/internal/apperr"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultRefreshInterval = 5 * time.Minute
)

// Notifier is told about every completed refresh.
type Notifier interface {
	StateChanged(state State)
	RefreshFailed(err error)
}

type Config struct {
	Fetcher         Fetcher
	Notifier        Notifier
	Timeout         time.Duration
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// Cache holds the latest State. At most one fetch runs at a time;
// refreshes requested while one is running share its result.
type Cache struct {
	fetcher  Fetcher
	notifier Notifier
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	state atomic.Pointer[State]

	mu       sync.Mutex
	inflight *refreshCall
}

type refreshCall struct {
	done chan struct{}
	err  error
}

var errNotConfigured = fmt.Errorf("%w: repository access is not configured", apperr.ErrUpstreamUnavailable)

func NewCache(config Config) *Cache {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaultRefreshInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	c := &Cache{
		fetcher:  config.Fetcher,
		notifier: config.Notifier,
		timeout:  config.Timeout,
		interval: config.RefreshInterval,
		logger:   config.Logger.With("component", "upstream"),
	}
	empty := emptyState()
	c.state.Store(&empty)
	return c
}

// State returns the most recent successfully fetched state.
func (c *Cache) State() State {
	return *c.state.Load()
}

// Enabled reports whether the cache has anything to fetch from.
func (c *Cache) Enabled() bool {
	return c.fetcher != nil
}

// Refresh fetches a new state, or waits for the fetch already running.
// ctx bounds only the wait; the fetch itself is bounded by the configured
// timeout so one impatient caller cannot fail it for the others.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.fetcher == nil {
		return errNotConfigured
	}

	c.mu.Lock()
	call := c.inflight
	if call == nil {
		call = &refreshCall{done: make(chan struct{})}
		c.inflight = call
		go c.fetch(call)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) fetch(call *refreshCall) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	state, err := c.fetcher.Fetch(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: query timed out after %s", apperr.ErrUpstreamUnavailable, c.timeout)
		} else {
			err = fmt.Errorf("%w: %w", apperr.ErrUpstreamUnavailable, err)
		}
		c.logger.Warn("Upstream refresh failed",
			"error", err,
			"rate_limited", IsRateLimited(err),
			"duration", time.Since(start))
	} else {
		state.FetchedAt = time.Now().UTC()
		c.state.Store(&state)
		c.logger.Info("Upstream state refreshed",
			"commits", len(state.Commits),
			"releases", len(state.Releases),
			"pulls", len(state.Pulls),
			"duration", time.Since(start))
	}

	if c.notifier != nil {
		if err != nil {
			c.notifier.RefreshFailed(err)
		} else {
			c.notifier.StateChanged(state)
		}
	}

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	call.err = err
	close(call.done)
}

// Run refreshes immediately and then on every interval until ctx is done.
// Failures wait for the next tick.
func (c *Cache) Run(ctx context.Context) {
	if c.fetcher == nil {
		c.logger.Info("Upstream refresh disabled")
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
