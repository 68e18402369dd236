// Package proxypool maintains a rotating set of outbound proxy
// endpoints, tracking per-proxy success/failure counts and quarantining
// entries that come back blocked. Its accounting shape (mutex-guarded
// state, structured log line per transition) mirrors the teacher's
// internal/optimizer.CircuitBreaker.
package proxypool

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is reported by the caller when releasing a handle.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeBlocked
	OutcomeTransientError
)

// Config tunes quarantine durations.
type Config struct {
	BlockedQuarantine          time.Duration
	TransientQuarantine        time.Duration
	TransientStreakToQuarantine int
}

// DefaultConfig matches spec.md §4.3's defaults (30 min / 5 min).
func DefaultConfig() Config {
	return Config{
		BlockedQuarantine:           30 * time.Minute,
		TransientQuarantine:         5 * time.Minute,
		TransientStreakToQuarantine: 3,
	}
}

type entry struct {
	id            string
	url           string
	blockedUntil  time.Time
	successCount  int
	failureCount  int
	lastUsedAt    time.Time
	transientRuns int
}

// Handle identifies a borrowed proxy; it carries only what dispatch
// needs to build a transport and later call Release.
type Handle struct {
	ID  string
	URL string
}

// Pool rotates over a fixed set of proxy URLs.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	entries []*entry
	cursor  int
}

// New creates a pool from a list of opaque proxy URL strings. An empty
// list is valid: acquire always returns ErrNoProxiesAvailable and
// dispatch must proceed without a proxy, per spec.md §4.3.
func New(urls []string, cfg Config, logger zerolog.Logger) *Pool {
	entries := make([]*entry, 0, len(urls))
	for i, u := range urls {
		entries = append(entries, &entry{id: proxyID(i), url: u})
	}
	return &Pool{cfg: cfg, logger: logger, entries: entries}
}

func proxyID(i int) string {
	return "proxy-" + strconv.Itoa(i)
}

// ErrNoProxiesAvailable is returned by Acquire when the pool is empty or
// every entry is currently quarantined.
var ErrNoProxiesAvailable = errors.New("proxypool: no proxies available")

// Acquire returns the least-recently-used unblocked proxy, advancing the
// rotation cursor so two successive calls never return the same entry
// while >=2 are available.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return nil, ErrNoProxiesAvailable
	}

	now := time.Now()
	n := len(p.entries)
	best := -1
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		e := p.entries[idx]
		if now.Before(e.blockedUntil) {
			continue
		}
		if best == -1 || p.entries[best].lastUsedAt.After(e.lastUsedAt) {
			best = idx
		}
	}
	if best == -1 {
		return nil, ErrNoProxiesAvailable
	}

	e := p.entries[best]
	e.lastUsedAt = now
	p.cursor = (best + 1) % n

	return &Handle{ID: e.id, URL: e.url}, nil
}

// Release records the outcome of using handle.
func (p *Pool) Release(handle *Handle, outcome Outcome) {
	if handle == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.find(handle.ID)
	if e == nil {
		return
	}

	now := time.Now()
	switch outcome {
	case OutcomeSuccess:
		e.successCount++
		e.transientRuns = 0
		e.lastUsedAt = now
	case OutcomeBlocked:
		e.failureCount++
		e.transientRuns = 0
		e.blockedUntil = now.Add(p.cfg.BlockedQuarantine)
		p.logger.Warn().Str("proxy", e.id).Time("blocked_until", e.blockedUntil).Msg("proxy quarantined (blocked)")
	case OutcomeTransientError:
		e.failureCount++
		e.transientRuns++
		if e.transientRuns >= p.cfg.TransientStreakToQuarantine {
			e.blockedUntil = now.Add(p.cfg.TransientQuarantine)
			e.transientRuns = 0
			p.logger.Warn().Str("proxy", e.id).Time("blocked_until", e.blockedUntil).Msg("proxy quarantined (transient streak)")
		}
	}
}

// NotifyBlocked implements blocking.ProxyBlockNotifier: the blocking
// detector calls this when a host-block was observed while proxyID was
// in use, so the pool quarantines it too without waiting for a separate
// Release(OutcomeBlocked) call.
func (p *Pool) NotifyBlocked(proxyID string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.find(proxyID)
	if e == nil {
		return
	}
	if until.After(e.blockedUntil) {
		e.blockedUntil = until
	}
}

func (p *Pool) find(id string) *entry {
	for _, e := range p.entries {
		if e.id == id {
			return e
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of one proxy's accounting fields.
type Stats struct {
	ID           string
	URL          string
	Blocked      bool
	BlockedUntil time.Time
	SuccessCount int
	FailureCount int
	LastUsedAt   time.Time
}

// Stats returns a snapshot of every entry in the pool.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]Stats, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Stats{
			ID:           e.id,
			URL:          e.url,
			Blocked:      now.Before(e.blockedUntil),
			BlockedUntil: e.blockedUntil,
			SuccessCount: e.successCount,
			FailureCount: e.failureCount,
			LastUsedAt:   e.lastUsedAt,
		})
	}
	return out
}

// Len reports how many proxies are configured (blocked or not).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
