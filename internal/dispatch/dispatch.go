// Package dispatch implements the per-(retailer,query,zip) scan call:
// block-check, proxy borrow, pacing jitter, header rotation, a
// network-only retry, response classification and product parsing. Its
// HTTP retry shape is grounded on the teacher's internal/http.Client
// (internal/http/client.go), generalized to classify through the
// blocking package instead of a fixed status-code predicate and to route
// through a borrowed proxy.
package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/restockwatch/core/internal/blocking"
	"github.com/restockwatch/core/internal/domain"
	"github.com/restockwatch/core/internal/proxypool"
	"github.com/restockwatch/core/internal/retry"
	"github.com/restockwatch/core/internal/scanner"
)

// headerProfile is one mutually-consistent browser identity: the
// User-Agent family implies the Accept-Language/Sec-Ch-Ua values a real
// browser of that family would send.
type headerProfile struct {
	userAgent      string
	acceptLanguage string
	secChUA        string
}

var headerProfiles = []headerProfile{
	{
		userAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		acceptLanguage: "en-US,en;q=0.9",
		secChUA:        `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
	},
	{
		userAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		acceptLanguage: "en-US,en;q=0.9",
		secChUA:        "",
	},
	{
		userAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
		acceptLanguage: "en-US,en;q=0.5",
		secChUA:        "",
	},
}

// Config tunes the dispatcher's pacing and retry behavior.
type Config struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	RetryPolicy    retry.Policy
	BlockingCfg    blocking.Config
}

// DefaultConfig matches spec.md §4.5's 1-3s jitter window and §5's 30s
// per-call timeout.
func DefaultConfig() Config {
	return Config{
		MinDelay:       1 * time.Second,
		MaxDelay:       3 * time.Second,
		RequestTimeout: 30 * time.Second,
		RetryPolicy: retry.Policy{
			MaxAttempts:   3,
			BaseDelay:     200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
			JitterRatio:   0.25,
			Retryable:     isNetworkError,
		},
		BlockingCfg: blocking.DefaultConfig(),
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Result is one dispatch call's outcome.
type Result struct {
	Products       []domain.Product
	Classification blocking.Classification
	Skipped        bool // true when the host was already quarantined: no network I/O occurred
}

// BlockRecorder persists quarantine windows for operator introspection.
// Satisfied by *store.Store; optional, set via SetBlockRecorder.
type BlockRecorder interface {
	SaveBlockRecord(ctx context.Context, rec domain.BlockRecord) error
}

// Dispatcher ties a scanner registry, proxy pool and blocking detector
// together behind the §4.5 per-call algorithm.
type Dispatcher struct {
	cfg      Config
	registry *scanner.Registry
	proxies  *proxypool.Pool
	detector *blocking.Detector
	logger   zerolog.Logger
	recorder BlockRecorder

	mu           sync.Mutex
	hostLimiters map[string]*rate.Limiter
	profileSeq   int
}

// New creates a Dispatcher. proxies may be nil to run without a pool.
func New(cfg Config, registry *scanner.Registry, proxies *proxypool.Pool, detector *blocking.Detector, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		registry:     registry,
		proxies:      proxies,
		detector:     detector,
		logger:       logger,
		hostLimiters: make(map[string]*rate.Limiter),
	}
}

// SetBlockRecorder attaches a persistence sink for quarantine windows.
// Called once during startup wiring; nil (the zero value) is a no-op.
func (d *Dispatcher) SetBlockRecorder(r BlockRecorder) {
	d.recorder = r
}

func (d *Dispatcher) limiterFor(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.hostLimiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.cfg.MinDelay), 1)
		d.hostLimiters[host] = l
	}
	return l
}

func (d *Dispatcher) nextProfile() headerProfile {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := headerProfiles[d.profileSeq%len(headerProfiles)]
	d.profileSeq++
	return p
}

// Scan executes the §4.5 algorithm for one (retailer, query, zip) call.
func (d *Dispatcher) Scan(ctx context.Context, retailer, query, zip string) (Result, error) {
	sc, err := d.registry.Get(retailer)
	if err != nil {
		return Result{}, err
	}
	host := sc.Host()

	if d.detector.IsBlocked(host) {
		return Result{Classification: blocking.ClassForbidden, Skipped: true}, nil
	}

	// A nil/empty pool or a fully quarantined one is expected and benign:
	// the dispatcher proceeds without a proxy, per spec.
	var handle *proxypool.Handle
	if d.proxies != nil {
		handle, _ = d.proxies.Acquire(ctx)
	}

	if err := d.pace(ctx, host); err != nil {
		return Result{}, err
	}

	client := d.buildClient(handle, d.nextProfile())

	raw, fetchErr := retry.Do(ctx, d.cfg.RetryPolicy, func(ctx context.Context) (*scanner.RawResponse, error) {
		return sc.Fetch(ctx, query, zip, client)
	})

	timedOut := fetchErr != nil && (errors.Is(fetchErr, context.DeadlineExceeded) || isNetworkError(fetchErr))

	var httpResp *http.Response
	var body []byte
	if raw != nil {
		httpResp = &http.Response{StatusCode: raw.StatusCode, Header: raw.Header}
		body = raw.Body
	}

	var products []domain.Product
	emptyProducts := false
	if fetchErr == nil {
		products, err = sc.Parse(raw)
		if err != nil {
			d.releaseProxy(handle, proxypool.OutcomeTransientError)
			return Result{}, fmt.Errorf("dispatch: parse failed for %s: %w", retailer, err)
		}
		emptyProducts = len(products) == 0
	}

	class := blocking.Classify(d.cfg.BlockingCfg, timedOut, httpResp, body, emptyProducts)

	if handle != nil {
		d.releaseProxy(handle, outcomeFor(class.Class))
	}

	if class.Class == blocking.ClassOK || class.Class == blocking.ClassOKEmpty {
		return Result{Products: products, Classification: class.Class}, nil
	}

	proxyID := ""
	if handle != nil {
		proxyID = handle.ID
	}
	until := d.detector.RecordBlock(host, proxyID, class.Class, class.RetryAfter)
	if d.recorder != nil && !until.IsZero() {
		rec := domain.BlockRecord{
			Host:         host,
			BlockedAt:    time.Now(),
			BlockedUntil: until,
			Reason:       string(class.Class),
		}
		if proxyID != "" {
			rec.ProxyID = &proxyID
		}
		if err := d.recorder.SaveBlockRecord(context.Background(), rec); err != nil {
			d.logger.Warn().Err(err).Str("host", host).Msg("failed to persist block record")
		}
	}
	return Result{Classification: class.Class}, nil
}

func outcomeFor(c blocking.Classification) proxypool.Outcome {
	switch c {
	case blocking.ClassOK, blocking.ClassOKEmpty:
		return proxypool.OutcomeSuccess
	case blocking.ClassRateLimited, blocking.ClassForbidden, blocking.ClassChallenge:
		return proxypool.OutcomeBlocked
	default:
		return proxypool.OutcomeTransientError
	}
}

func (d *Dispatcher) releaseProxy(handle *proxypool.Handle, outcome proxypool.Outcome) {
	if handle == nil || d.proxies == nil {
		return
	}
	d.proxies.Release(handle, outcome)
}

// pace enforces the §4.5 "no two requests within min_delay" guarantee
// plus a uniform jitter sleep landing within [MinDelay, MaxDelay].
func (d *Dispatcher) pace(ctx context.Context, host string) error {
	if err := d.limiterFor(host).Wait(ctx); err != nil {
		return err
	}
	extra := d.cfg.MinDelay
	if d.cfg.MaxDelay > d.cfg.MinDelay {
		extra += time.Duration(rand.Int64N(int64(d.cfg.MaxDelay - d.cfg.MinDelay)))
	}
	timer := time.NewTimer(extra)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) buildClient(handle *proxypool.Handle, profile headerProfile) *http.Client {
	transport := &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	if handle != nil {
		if proxyURL, err := url.Parse(handle.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{
		Timeout:   d.cfg.RequestTimeout,
		Transport: &headerInjectingTransport{base: transport, profile: profile},
	}
}

// headerInjectingTransport sets a mutually-consistent browser header
// profile on every outgoing request before delegating to base, so any
// scanner.Scanner implementation gets header rotation for free without
// the Fetch contract having to carry headers itself.
type headerInjectingTransport struct {
	base    http.RoundTripper
	profile headerProfile
}

func (t *headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.profile.userAgent)
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", t.profile.acceptLanguage)
	}
	if t.profile.secChUA != "" && req.Header.Get("Sec-Ch-Ua") == "" {
		req.Header.Set("Sec-Ch-Ua", t.profile.secChUA)
	}
	return t.base.RoundTrip(req)
}
