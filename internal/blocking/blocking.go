// Package blocking classifies scan responses and tracks per-host
// quarantine windows. Its state-machine shape (explicit transitions,
// mutex-guarded, structured log line per transition) is grounded on the
// teacher's internal/optimizer.CircuitBreaker, generalized from a single
// breaker to a mutex-guarded map of per-host breakers, each carrying its
// own mutex (a host-striped lock).
package blocking

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Classification is the outcome of evaluating one scan response.
type Classification string

const (
	ClassOK          Classification = "ok"
	ClassOKEmpty     Classification = "ok_empty"
	ClassRateLimited Classification = "rate_limited"
	ClassForbidden   Classification = "forbidden"
	ClassChallenge   Classification = "challenge"
	ClassServerError Classification = "server_error"
	ClassTimeout     Classification = "timeout"
)

// Config tunes cool-down durations and the suspicious-body heuristic.
type Config struct {
	SuspiciousMinBytes  int
	ForbiddenQuarantine time.Duration
	ChallengeQuarantine time.Duration
	RateLimitDefault    time.Duration
	TransientQuarantine time.Duration
	TransientWindow     time.Duration
	TransientThreshold  int
}

// DefaultConfig matches spec.md §4.4's defaults.
func DefaultConfig() Config {
	return Config{
		SuspiciousMinBytes:  500,
		ForbiddenQuarantine: time.Hour,
		ChallengeQuarantine: time.Hour,
		RateLimitDefault:    10 * time.Minute,
		TransientQuarantine: 15 * time.Minute,
		TransientWindow:     10 * time.Minute,
		TransientThreshold:  3,
	}
}

var challengeMarkers = []string{
	"checking your browser",
	"cf-challenge",
	"cf-browser-verification",
	"captcha",
	"access denied",
	"are you a robot",
}

var expectedMarkers = []string{
	"<html", "<!doctype", "{", "[",
}

type hostState struct {
	mu                sync.Mutex
	blockedUntil      time.Time
	reason            string
	transientAt       []time.Time
}

// ProxyBlockNotifier is implemented by a proxy pool so the detector can
// report a block against the proxy that was in use for the request.
type ProxyBlockNotifier interface {
	NotifyBlocked(proxyID string, until time.Time)
}

// Detector tracks per-host quarantine state.
type Detector struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	hosts map[string]*hostState

	proxies ProxyBlockNotifier
}

// New creates a Detector. proxies may be nil if dispatch runs without a
// proxy pool.
func New(cfg Config, logger zerolog.Logger, proxies ProxyBlockNotifier) *Detector {
	return &Detector{
		cfg:     cfg,
		logger:  logger,
		hosts:   make(map[string]*hostState),
		proxies: proxies,
	}
}

func (d *Detector) state(host string) *hostState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.hosts[host]
	if !ok {
		s = &hostState{}
		d.hosts[host] = s
	}
	return s
}

// IsBlocked reports whether host currently has a live quarantine window.
func (d *Detector) IsBlocked(host string) bool {
	s := d.state(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.blockedUntil)
}

// BlockedUntil returns the current quarantine deadline for host, the
// zero time if none is active.
func (d *Detector) BlockedUntil(host string) time.Time {
	s := d.state(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockedUntil
}

// ClassifyResult carries the classification plus the parsed Retry-After
// hint (0 if absent) so callers can honor it as a quarantine lower bound.
type ClassifyResult struct {
	Class      Classification
	RetryAfter time.Duration
}

// Classify implements the ordered rules from spec.md §4.4. emptyProducts
// indicates the caller already parsed the body and found zero products
// (only meaningful when the HTTP status was 200).
func Classify(cfg Config, timedOut bool, resp *http.Response, body []byte, emptyProducts bool) ClassifyResult {
	if timedOut {
		return ClassifyResult{Class: ClassTimeout}
	}
	if resp == nil {
		return ClassifyResult{Class: ClassServerError}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ClassifyResult{Class: ClassRateLimited, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusForbidden:
		return ClassifyResult{Class: ClassForbidden}
	case resp.StatusCode == http.StatusServiceUnavailable && containsAny(body, challengeMarkers):
		return ClassifyResult{Class: ClassChallenge}
	case resp.StatusCode >= 500:
		return ClassifyResult{Class: ClassServerError}
	case resp.StatusCode == http.StatusOK && len(body) < cfg.SuspiciousMinBytes && !containsAny(body, expectedMarkers):
		return ClassifyResult{Class: ClassChallenge}
	case resp.StatusCode == http.StatusOK && containsAny(body, challengeMarkers):
		return ClassifyResult{Class: ClassChallenge}
	case resp.StatusCode == http.StatusOK && emptyProducts:
		return ClassifyResult{Class: ClassOKEmpty}
	case resp.StatusCode == http.StatusOK:
		return ClassifyResult{Class: ClassOK}
	default:
		return ClassifyResult{Class: ClassServerError}
	}
}

func containsAny(body []byte, markers []string) bool {
	lower := strings.ToLower(string(body))
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RecordBlock applies the cool-down policy for class against host (and,
// if proxyID is non-empty, against the proxy pool too), returning the
// quarantine deadline it set, or the zero time if class did not warrant
// one.
func (d *Detector) RecordBlock(host string, proxyID string, class Classification, retryAfter time.Duration) time.Time {
	s := d.state(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var until time.Time

	switch class {
	case ClassForbidden:
		until = now.Add(d.cfg.ForbiddenQuarantine)
	case ClassChallenge:
		until = now.Add(d.cfg.ChallengeQuarantine)
	case ClassRateLimited:
		d := d.cfg.RateLimitDefault
		if retryAfter > 0 {
			d = retryAfter
		}
		until = now.Add(d)
	case ClassTimeout, ClassServerError:
		s.transientAt = pruneOlderThan(s.transientAt, now, d.cfg.TransientWindow)
		s.transientAt = append(s.transientAt, now)
		if len(s.transientAt) >= d.cfg.TransientThreshold {
			until = now.Add(d.cfg.TransientQuarantine)
			s.transientAt = nil
		}
	default:
		// ok / ok_empty clears the transient streak.
		s.transientAt = nil
		return time.Time{}
	}

	if until.IsZero() {
		return time.Time{}
	}

	s.blockedUntil = until
	s.reason = string(class)

	d.logger.Warn().
		Str("host", host).
		Str("reason", string(class)).
		Time("blocked_until", until).
		Msg("host quarantined")

	if proxyID != "" && d.proxies != nil {
		d.proxies.NotifyBlocked(proxyID, until)
	}
	return until
}

func pruneOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
