package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restockwatch/core/internal/domain"
)

type memLedger struct {
	mu  sync.Mutex
	log map[string]time.Time
}

func newMemLedger() *memLedger { return &memLedger{log: make(map[string]time.Time)} }

func (m *memLedger) key(subscriberRef, productKey, kind string) string {
	return subscriberRef + "|" + productKey + "|" + kind
}

func (m *memLedger) WasNotifiedSince(ctx context.Context, subscriberRef, productKey, kind string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.log[m.key(subscriberRef, productKey, kind)]
	return ok && !t.Before(since), nil
}

func (m *memLedger) RecordNotification(ctx context.Context, subscriberRef, productKey, kind string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log[m.key(subscriberRef, productKey, kind)] = sentAt
	return nil
}

type recordingChannel struct {
	name string
	mu   sync.Mutex
	sent []string
	err  error
}

func (c *recordingChannel) Name() string { return c.name }
func (c *recordingChannel) Send(ctx context.Context, subscriberRef string, event domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, subscriberRef)
	return nil
}

func TestEmitDeliversBroadcastForNewInStock(t *testing.T) {
	ch := &recordingChannel{name: "log"}
	d, err := New(DefaultConfig(), newMemLedger(), zerolog.Nop(), ch)
	require.NoError(t, err)

	d.Emit(context.Background(), domain.Event{Kind: domain.EventNewInStock, ProductKey: "r|A", ProductName: "Widget"})

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Contains(t, ch.sent, "broadcast")
}

func TestEmitIgnoresNonNewInStockEvents(t *testing.T) {
	ch := &recordingChannel{name: "log"}
	d, err := New(DefaultConfig(), newMemLedger(), zerolog.Nop(), ch)
	require.NoError(t, err)

	d.Emit(context.Background(), domain.Event{Kind: domain.EventLostStock, ProductKey: "r|A"})

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Empty(t, ch.sent)
}

func TestEmitMatchesSubscriberByCanonicalKey(t *testing.T) {
	ch := &recordingChannel{name: "log"}
	d, err := New(DefaultConfig(), newMemLedger(), zerolog.Nop(), ch)
	require.NoError(t, err)
	d.SetSubscriptions([]domain.Subscription{
		{ID: "sub-1", ItemMatch: "r|A", NotifyOnStock: true},
	})

	d.Emit(context.Background(), domain.Event{Kind: domain.EventNewInStock, ProductKey: "r|A", ProductName: "Widget"})

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Contains(t, ch.sent, "sub-1")
}

func TestEmitRespectsTargetPrice(t *testing.T) {
	ch := &recordingChannel{name: "log"}
	d, err := New(DefaultConfig(), newMemLedger(), zerolog.Nop(), ch)
	require.NoError(t, err)
	price := 40.0
	d.SetSubscriptions([]domain.Subscription{
		{ID: "sub-1", ItemMatch: "widget", NotifyOnStock: true, TargetPrice: &price},
	})

	highPrice := 49.99
	d.Emit(context.Background(), domain.Event{Kind: domain.EventNewInStock, ProductKey: "r|A", ProductName: "Widget", Price: &highPrice})

	ch.mu.Lock()
	assert.NotContains(t, ch.sent, "sub-1")
	ch.mu.Unlock()
}

func TestEmitDedupesWithinWindow(t *testing.T) {
	ch := &recordingChannel{name: "log"}
	d, err := New(DefaultConfig(), newMemLedger(), zerolog.Nop(), ch)
	require.NoError(t, err)

	event := domain.Event{Kind: domain.EventNewInStock, ProductKey: "r|B", ProductName: "Gadget"}
	d.Emit(context.Background(), event)
	d.Emit(context.Background(), event)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	count := 0
	for _, s := range ch.sent {
		if s == "broadcast" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEmitIsolatesChannelFailures(t *testing.T) {
	failing := &recordingChannel{name: "webhook", err: errors.New("boom")}
	ok := &recordingChannel{name: "log"}
	d, err := New(DefaultConfig(), newMemLedger(), zerolog.Nop(), failing, ok)
	require.NoError(t, err)

	d.Emit(context.Background(), domain.Event{Kind: domain.EventNewInStock, ProductKey: "r|C", ProductName: "Thing"})

	ok.mu.Lock()
	defer ok.mu.Unlock()
	assert.Contains(t, ok.sent, "broadcast")
}
