// Package notify implements the notification dispatcher: matching
// new_in_stock events against subscribers, deduplicating deliveries with
// an in-memory LRU fronting a persisted ledger, and fanning out to
// per-channel transports with per-subscriber failure isolation. Its
// delivery-isolation shape (one failed transport never blocks another,
// throttled failure logging) is grounded on the teacher's
// internal/workers worker-pool error containment.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/restockwatch/core/internal/domain"
)

// Ledger is the persisted dedup backstop (internal/store.Store satisfies
// this with WasNotifiedSince/RecordNotification).
type Ledger interface {
	WasNotifiedSince(ctx context.Context, subscriberRef, productKey, kind string, since time.Time) (bool, error)
	RecordNotification(ctx context.Context, subscriberRef, productKey, kind string, sentAt time.Time) error
}

// Channel is one delivery transport. Implementations MUST be safe for
// concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, subscriberRef string, event domain.Event) error
}

// Config tunes dedup behavior.
type Config struct {
	DedupWindow   time.Duration
	DedupCapacity int
}

// DefaultConfig matches spec.md §4.7/§5 defaults (30 min / 10,000).
func DefaultConfig() Config {
	return Config{DedupWindow: 30 * time.Minute, DedupCapacity: 10_000}
}

const broadcastRef = "broadcast"

type dedupEntry struct {
	sentAt time.Time
}

// Dispatcher matches events to subscribers and fans out across channels.
type Dispatcher struct {
	cfg      Config
	ledger   Ledger
	logger   zerolog.Logger
	channels []Channel

	cache *lru.Cache[string, dedupEntry]

	mu             sync.Mutex
	subscriptions  []domain.Subscription
	lastFailureLog map[string]time.Time
}

// New creates a Dispatcher. channels are tried in order for every
// matched subscriber; a failure on one never prevents the others.
func New(cfg Config, ledger Ledger, logger zerolog.Logger, channels ...Channel) (*Dispatcher, error) {
	cache, err := lru.New[string, dedupEntry](cfg.DedupCapacity)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:            cfg,
		ledger:         ledger,
		logger:         logger,
		channels:       channels,
		cache:          cache,
		lastFailureLog: make(map[string]time.Time),
	}, nil
}

// SetSubscriptions replaces the active watchlist snapshot.
func (d *Dispatcher) SetSubscriptions(subs []domain.Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscriptions = subs
}

// Emit delivers event to every subscriber it matches (plus a broadcast
// delivery) honoring dedup, isolating per-subscriber channel failures.
// Per spec.md §4.7 only new_in_stock events produce subscriber-visible
// notifications; other kinds are recorded for operator visibility only
// and never reach a Channel.
func (d *Dispatcher) Emit(ctx context.Context, event domain.Event) {
	if event.Kind != domain.EventNewInStock {
		return
	}

	d.deliverTo(ctx, broadcastRef, event)

	d.mu.Lock()
	subs := append([]domain.Subscription(nil), d.subscriptions...)
	d.mu.Unlock()

	for _, sub := range subs {
		if !matches(sub, event) {
			continue
		}
		d.deliverTo(ctx, sub.ID, event)
	}
}

func matches(sub domain.Subscription, event domain.Event) bool {
	if !sub.NotifyOnStock {
		return false
	}
	if sub.TargetPrice != nil && (event.Price == nil || *event.Price > *sub.TargetPrice) {
		return false
	}
	matchKey := strings.EqualFold(sub.ItemMatch, event.ProductKey)
	matchName := strings.Contains(strings.ToLower(event.ProductName), strings.ToLower(sub.ItemMatch))
	return matchKey || matchName
}

func (d *Dispatcher) deliverTo(ctx context.Context, subscriberRef string, event domain.Event) {
	if d.alreadyNotified(ctx, subscriberRef, event) {
		return
	}

	delivered := false
	for _, ch := range d.channels {
		if err := ch.Send(ctx, subscriberRef, event); err != nil {
			d.logFailureThrottled(ch.Name(), subscriberRef, err)
			continue
		}
		delivered = true
	}
	if !delivered {
		return
	}

	now := time.Now()
	d.cache.Add(dedupKey(subscriberRef, event), dedupEntry{sentAt: now})
	if err := d.ledger.RecordNotification(ctx, subscriberRef, event.ProductKey, string(event.Kind), now); err != nil {
		d.logger.Warn().Err(err).Str("subscriber", subscriberRef).Msg("failed to persist notification ledger entry")
	}
}

func (d *Dispatcher) alreadyNotified(ctx context.Context, subscriberRef string, event domain.Event) bool {
	key := dedupKey(subscriberRef, event)
	if entry, ok := d.cache.Get(key); ok {
		if time.Since(entry.sentAt) < d.cfg.DedupWindow {
			return true
		}
		d.cache.Remove(key)
	}

	since := time.Now().Add(-d.cfg.DedupWindow)
	was, err := d.ledger.WasNotifiedSince(ctx, subscriberRef, event.ProductKey, string(event.Kind), since)
	if err != nil {
		d.logger.Warn().Err(err).Msg("notification ledger lookup failed; proceeding without persisted dedup")
		return false
	}
	return was
}

func dedupKey(subscriberRef string, event domain.Event) string {
	return subscriberRef + "|" + event.ProductKey + "|" + string(event.Kind)
}

// logFailureThrottled logs a channel delivery failure at most once per
// (channel, subscriber) per 5 minutes, per spec.md §4.7's broadcast flood
// protection extended to every subscriber-channel pair.
func (d *Dispatcher) logFailureThrottled(channel, subscriberRef string, err error) {
	key := channel + "|" + subscriberRef
	const throttle = 5 * time.Minute

	d.mu.Lock()
	last, seen := d.lastFailureLog[key]
	shouldLog := !seen || time.Since(last) >= throttle
	if shouldLog {
		d.lastFailureLog[key] = time.Now()
	}
	d.mu.Unlock()

	if shouldLog {
		d.logger.Warn().Err(err).Str("channel", channel).Str("subscriber", subscriberRef).Msg("notification delivery failed")
	}
}
