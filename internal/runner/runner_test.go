package runner

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restockwatch/core/internal/blocking"
	"github.com/restockwatch/core/internal/dispatch"
	"github.com/restockwatch/core/internal/domain"
	"github.com/restockwatch/core/internal/notify"
	"github.com/restockwatch/core/internal/scanner"
	"github.com/restockwatch/core/internal/store"
)

// stubScanner returns a fixed product list without touching the network,
// so runner tests exercise the full pipeline without an HTTP fixture.
type stubScanner struct {
	retailer string
	host     string
	mu       sync.Mutex
	calls    int
	products []domain.Product
}

func (s *stubScanner) Retailer() string  { return s.retailer }
func (s *stubScanner) Host() string      { return s.host }
func (s *stubScanner) RequiresZip() bool { return false }

func (s *stubScanner) Fetch(ctx context.Context, query, zip string, client *http.Client) (*scanner.RawResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return &scanner.RawResponse{StatusCode: 200, Header: http.Header{}, Body: []byte(`{"ok":true}`)}, nil
}

func (s *stubScanner) Parse(raw *scanner.RawResponse) ([]domain.Product, error) {
	return s.products, nil
}

func (s *stubScanner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingChannel struct {
	mu   sync.Mutex
	sent []string
}

func (c *recordingChannel) Name() string { return "test" }
func (c *recordingChannel) Send(ctx context.Context, subscriberRef string, event domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, subscriberRef+"|"+event.ProductKey)
	return nil
}

func (c *recordingChannel) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func newTestRunner(t *testing.T, sc *stubScanner) (*Runner, *store.Store, *recordingChannel) {
	t.Helper()

	st, err := store.Open(context.Background(), store.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := scanner.NewRegistry()
	registry.Register(sc)
	detector := blocking.New(blocking.DefaultConfig(), zerolog.Nop(), nil)
	dispatcher := dispatch.New(dispatch.Config{
		MinDelay:       time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		RequestTimeout: time.Second,
		RetryPolicy:    dispatch.DefaultConfig().RetryPolicy,
		BlockingCfg:    blocking.DefaultConfig(),
	}, registry, nil, detector, zerolog.Nop())

	ch := &recordingChannel{}
	notifier, err := notify.New(notify.DefaultConfig(), st, zerolog.Nop(), ch)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LoopSleep = 10 * time.Millisecond
	cfg.MaxTaskDeadline = time.Second
	cfg.ShutdownTimeout = time.Second

	r := New(cfg, st, dispatcher, notifier, nil, zerolog.Nop())
	return r, st, ch
}

func seedTask(t *testing.T, st *store.Store, retailer, query string, intervalSeconds int) domain.Task {
	t.Helper()
	ctx := context.Background()
	group := domain.TaskGroup{ID: "grp-1", Name: "group", Enabled: true, DefaultIntervalSeconds: intervalSeconds, DefaultZipCode: "94107"}
	require.NoError(t, st.CreateTaskGroup(ctx, group))

	task := domain.Task{ID: "task-1", GroupID: group.ID, Name: "task", Enabled: true, Retailer: retailer, Query: query, LastStatus: domain.StatusIdle}
	require.NoError(t, st.CreateTask(ctx, task))
	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	return got
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, status domain.TaskStatus, timeout time.Duration) domain.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.LastStatus == status {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, status)
	return domain.Task{}
}

func price(v float64) *float64 { return &v }

func TestRunnerColdStartSeedsWithoutEventsAndNoDoubleSchedule(t *testing.T) {
	sc := &stubScanner{
		retailer: "acme", host: "acme.example.com",
		products: []domain.Product{
			{Retailer: "acme", Name: "Widget", Price: price(10), InStock: true, ObservedAt: time.Now()},
		},
	}
	r, st, ch := newTestRunner(t, sc)
	task := seedTask(t, st, "acme", "widget", 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { cancel(); r.Stop() })

	waitForStatus(t, st, task.ID, domain.StatusOK, 2*time.Second)

	// Let a couple more ticks pass; the 1s interval task should not be
	// rescheduled again immediately, and must never run twice concurrently.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, sc.callCount(), 2)
	assert.Empty(t, ch.snapshot(), "cold start must not emit subscriber notifications")
}

func TestRunnerEmitsNewInStockOnSecondRun(t *testing.T) {
	sc := &stubScanner{
		retailer: "acme", host: "acme.example.com",
		products: []domain.Product{
			{Retailer: "acme", Name: "Widget", Price: price(10), InStock: true, ObservedAt: time.Now()},
		},
	}
	r, st, ch := newTestRunner(t, sc)
	task := seedTask(t, st, "acme", "widget", 1)
	// Seed as if a prior cold-start run already happened with nothing in stock.
	require.NoError(t, st.CompleteRun(context.Background(), task.ID, domain.StatusOK, nil, map[string]struct{}{}))
	require.NoError(t, st.BeginRun(context.Background(), task.ID, time.Now().Add(-time.Hour)))
	require.NoError(t, st.CompleteRun(context.Background(), task.ID, domain.StatusOK, nil, map[string]struct{}{}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { cancel(); r.Stop() })

	waitForStatus(t, st, task.ID, domain.StatusOK, 2*time.Second)
	time.Sleep(50 * time.Millisecond)

	found := false
	for _, s := range ch.snapshot() {
		if s == "broadcast|acme|Widget" {
			found = true
		}
	}
	assert.True(t, found, "expected a broadcast delivery for the newly in-stock product, got %v", ch.snapshot())
}

func TestRunnerRecoversOrphanedRunOnStart(t *testing.T) {
	sc := &stubScanner{retailer: "acme", host: "acme.example.com"}
	r, st, _ := newTestRunner(t, sc)
	task := seedTask(t, st, "acme", "widget", 3600)
	require.NoError(t, st.BeginRun(context.Background(), task.ID, time.Now()))

	stuck, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, stuck.LastStatus)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { cancel(); r.Stop() })

	recovered, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, recovered.LastStatus)
	require.NotNil(t, recovered.LastError)
	assert.Contains(t, *recovered.LastError, "recovered after restart")
}
