package runner

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
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

// sequencedScanner replays one canned response per call, holding on the
// last entry once exhausted, so a scenario test can script exactly what a
// retailer returns across successive scan cycles. The step index travels
// in the response body rather than shared mutable state, so Parse stays
// correct even if two calls race. The index is bracketed ("[0]") so the
// short body carries a JSON marker and is not classified as a challenge.
type sequencedScanner struct {
	retailer string
	host     string
	needsZip bool

	mu    sync.Mutex
	calls int
	steps []scenarioStep
}

type scenarioStep struct {
	statusCode int
	products   []domain.Product
}

func (s *sequencedScanner) Retailer() string  { return s.retailer }
func (s *sequencedScanner) Host() string      { return s.host }
func (s *sequencedScanner) RequiresZip() bool { return s.needsZip }

func (s *sequencedScanner) Fetch(ctx context.Context, query, zip string, client *http.Client) (*scanner.RawResponse, error) {
	s.mu.Lock()
	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++
	s.mu.Unlock()

	step := s.steps[idx]
	return &scanner.RawResponse{
		StatusCode: step.statusCode,
		Header:     http.Header{},
		Body:       []byte("[" + strconv.Itoa(idx) + "]"),
	}, nil
}

func (s *sequencedScanner) Parse(raw *scanner.RawResponse) ([]domain.Product, error) {
	idx, err := strconv.Atoi(strings.Trim(string(raw.Body), "[]"))
	if err != nil {
		return nil, err
	}
	return s.steps[idx].products, nil
}

func (s *sequencedScanner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// newTestRunnerWithScanner is newTestRunner generalized to accept any
// scanner.Scanner instead of only *stubScanner, so scenario tests can
// register a sequencedScanner.
func newTestRunnerWithScanner(t *testing.T, sc scanner.Scanner) (*Runner, *store.Store, *recordingChannel) {
	t.Helper()

	st, err := store.Open(context.Background(), store.DefaultConfig(t.TempDir()+"/scenario.db"))
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
	dispatcher.SetBlockRecorder(st)

	ch := &recordingChannel{}
	notifier, err := notify.New(notify.Config{
		DedupWindow:   30 * time.Minute,
		DedupCapacity: 1000,
	}, st, zerolog.Nop(), ch)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LoopSleep = 10 * time.Millisecond
	cfg.MaxTaskDeadline = time.Second
	cfg.ShutdownTimeout = time.Second

	r := New(cfg, st, dispatcher, notifier, nil, zerolog.Nop())
	return r, st, ch
}

// S1: a never-before-seen task's first run must seed last_in_stock_keys
// without emitting any subscriber notification, and must persist exactly
// one price snapshot for the one in-stock product observed.
func TestScenarioColdStartSeedsSilently(t *testing.T) {
	sc := &sequencedScanner{
		retailer: "r", host: "r.example.com",
		steps: []scenarioStep{
			{statusCode: 200, products: []domain.Product{
				{Retailer: "r", Name: "A", Price: price(9.99), InStock: true, ObservedAt: time.Now()},
			}},
		},
	}
	r, st, ch := newTestRunnerWithScanner(t, sc)
	task := seedTask(t, st, "r", "a", 3600)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { cancel(); r.Stop() })

	done := waitForStatus(t, st, task.ID, domain.StatusOK, 2*time.Second)

	assert.Empty(t, ch.snapshot(), "cold start must not notify")
	assert.Equal(t, map[string]struct{}{"r|A": {}}, done.LastInStockKeys)

	snap, err := st.LatestPriceSnapshot(context.Background(), "r|A")
	require.NoError(t, err)
	assert.Equal(t, 9.99, snap.ListedPrice)
}

// S2: a product absent from last_in_stock_keys that is now in stock must
// produce exactly one new_in_stock event.
func TestScenarioNewInStockEmitsEvent(t *testing.T) {
	sc := &sequencedScanner{
		retailer: "r", host: "r.example.com",
		steps: []scenarioStep{
			{statusCode: 200, products: []domain.Product{
				{Retailer: "r", Name: "A", Price: price(9.99), InStock: true, ObservedAt: time.Now()},
			}},
			{statusCode: 200, products: []domain.Product{
				{Retailer: "r", Name: "A", Price: price(9.99), InStock: true, ObservedAt: time.Now()},
				{Retailer: "r", Name: "B", Price: price(19.99), InStock: true, ObservedAt: time.Now()},
			}},
		},
	}
	r, st, ch := newTestRunnerWithScanner(t, sc)
	task := seedTask(t, st, "r", "a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { cancel(); r.Stop() })

	waitForStatus(t, st, task.ID, domain.StatusOK, 2*time.Second)
	require.Eventually(t, func() bool { return sc.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Contains(t, ch.snapshot(), "broadcast|r|B")
	assert.NotContains(t, ch.snapshot(), "broadcast|r|A", "A was already in stock on the first run; it must not re-fire")
}

// S3: a 403 response quarantines the host, leaves the task's
// last_in_stock_keys untouched and records the run as an error rather
// than reconciling any stock transition.
func TestScenarioForbiddenQuarantinesAndFailsRun(t *testing.T) {
	sc := &sequencedScanner{
		retailer: "r", host: "r.example.com",
		steps: []scenarioStep{
			{statusCode: 200, products: []domain.Product{
				{Retailer: "r", Name: "A", Price: price(9.99), InStock: true, ObservedAt: time.Now()},
			}},
			{statusCode: 403},
		},
	}
	r, st, _ := newTestRunnerWithScanner(t, sc)
	task := seedTask(t, st, "r", "a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { cancel(); r.Stop() })

	waitForStatus(t, st, task.ID, domain.StatusOK, 2*time.Second)
	afterError := waitForStatus(t, st, task.ID, domain.StatusError, 2*time.Second)

	require.NotNil(t, afterError.LastError)
	assert.Contains(t, *afterError.LastError, "forbidden")
	assert.Equal(t, map[string]struct{}{"r|A": {}}, afterError.LastInStockKeys,
		"a failed run must not touch the stock set established by the prior run")

	records, err := st.ListRecentBlockRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r.example.com", records[0].Host)
	assert.Equal(t, "forbidden", records[0].Reason)
	assert.WithinDuration(t, records[0].BlockedAt.Add(time.Hour), records[0].BlockedUntil, time.Second,
		"forbidden quarantine defaults to a 1h cooldown")
}

// S4: the same new_in_stock event emitted twice within the dedup window
// (e.g. a retry of a cycle whose first Emit succeeded but whose
// CompleteRun write crashed before advancing last_in_stock_keys) must
// still reach the channel only once. Exercises notify.Dispatcher
// directly against a real store-backed ledger rather than the runner,
// since the dedup guarantee lives entirely in that ledger lookup.
func TestScenarioDedupSuppressesRepeatNotification(t *testing.T) {
	st, err := store.Open(context.Background(), store.DefaultConfig(t.TempDir()+"/dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ch := &recordingChannel{}
	notifier, err := notify.New(notify.Config{DedupWindow: 30 * time.Minute, DedupCapacity: 1000}, st, zerolog.Nop(), ch)
	require.NoError(t, err)

	ev := domain.Event{
		Kind:         domain.EventNewInStock,
		Retailer:     "r",
		ProductKey:   "r|B",
		ProductName:  "B",
		Price:        price(19.99),
		ObservedAt:   time.Now(),
		SourceTaskID: "task-1",
	}

	notifier.Emit(context.Background(), ev)
	notifier.Emit(context.Background(), ev)

	count := 0
	for _, s := range ch.snapshot() {
		if s == "broadcast|r|B" {
			count++
		}
	}
	assert.Equal(t, 1, count, "a repeat emit of the same product+kind inside the dedup window must not re-deliver")

	notified, err := st.WasNotifiedSince(context.Background(), "broadcast", "r|B", string(domain.EventNewInStock), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, notified, "the persisted ledger must record the delivery so a process restart still suppresses the repeat")
}

// S5: a listed-price move persists a snapshot carrying its delta against
// the known market price regardless of whether it clears the
// notification threshold —
// threshold-gated event emission itself is covered at the transition
// package's own unit level (TestReconcilePriceChangeAboveThreshold);
// price_changed never reaches a Channel at all (Emit only forwards
// new_in_stock), so the externally observable effect of a price move at
// this layer is the persisted snapshot ledger.
func TestScenarioPriceChangeSnapshotRecordsDelta(t *testing.T) {
	sc := &sequencedScanner{
		retailer: "r", host: "r.example.com",
		steps: []scenarioStep{
			{statusCode: 200, products: []domain.Product{
				{Retailer: "r", Name: "A", Price: price(49.99), InStock: true, ObservedAt: time.Now()},
			}},
			{statusCode: 200, products: []domain.Product{
				{Retailer: "r", Name: "A", Price: price(52.50), InStock: true, ObservedAt: time.Now()},
			}},
		},
	}
	r, st, _ := newTestRunnerWithScanner(t, sc)
	r.cfg.TransitionCfg.PriceChangeThreshold = 0.06 // deliberately above the move; snapshot still records it
	task := seedTask(t, st, "r", "a", 1)

	// DeltaPct is computed against a carried-forward market price, so seed
	// one for r|A before the runner's first scan.
	market := 49.99
	require.NoError(t, st.RecordPriceSnapshot(context.Background(), "a", "r", "A", nil, domain.PriceSnapshot{
		ProductKey: "r|A", ListedPrice: 49.99, MarketPrice: &market, CreatedAt: time.Now().Add(-time.Hour),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { cancel(); r.Stop() })

	waitForStatus(t, st, task.ID, domain.StatusOK, 2*time.Second)
	require.Eventually(t, func() bool { return sc.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	snap, err := st.LatestPriceSnapshot(context.Background(), "r|A")
	require.NoError(t, err)
	assert.Equal(t, 52.50, snap.ListedPrice)
	require.NotNil(t, snap.DeltaPct)
	assert.InDelta(t, 0.0502, *snap.DeltaPct, 0.001)
}

// S6: Stop() must return within its configured timeout even with several
// tasks mid-flight, and every task still in flight at that point must end
// with a terminal status rather than being left stuck at running.
func TestScenarioShutdownBoundsInFlightWork(t *testing.T) {
	block := make(chan struct{})
	sc := &slowScanner{retailer: "r", host: "r.example.com", release: block}

	r, st, _ := newTestRunnerWithScanner(t, sc)
	r.cfg.ShutdownTimeout = 200 * time.Millisecond

	taskIDs := seedTasks(t, st, "r", "q", 3600, 4)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool { return sc.callCount() >= 4 }, time.Second, 5*time.Millisecond)

	stopStart := time.Now()
	r.Stop()
	elapsed := time.Since(stopStart)

	assert.GreaterOrEqual(t, elapsed, r.cfg.ShutdownTimeout, "Stop must have actually waited out the bounded window")
	assert.LessOrEqual(t, elapsed, 5*time.Second, "Stop must return within the bounded shutdown window")

	// The four workers are still parked in Fetch; release them and let the
	// abandoned goroutines finish writing their own outcome before checking
	// that none was left stuck at running.
	close(block)
	r.wg.Wait()

	for _, id := range taskIDs {
		task, err := st.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.NotEqual(t, domain.StatusRunning, task.LastStatus,
			"no task may be left running past a bounded shutdown's finalize window")
	}
}

// seedTasks creates n tasks sharing one enabled group, each with a
// distinct id/name so all n are independently selectable by the runner
// in the same tick (seedTask, by contrast, hardcodes a single task-1 row
// for the common single-task case).
func seedTasks(t *testing.T, st *store.Store, retailer, query string, intervalSeconds, n int) []string {
	t.Helper()
	ctx := context.Background()
	group := domain.TaskGroup{ID: "grp-multi", Name: "group", Enabled: true, DefaultIntervalSeconds: intervalSeconds, DefaultZipCode: "94107"}
	require.NoError(t, st.CreateTaskGroup(ctx, group))

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("task-multi-%d", i)
		task := domain.Task{ID: id, GroupID: group.ID, Name: id, Enabled: true, Retailer: retailer, Query: query, LastStatus: domain.StatusIdle}
		require.NoError(t, st.CreateTask(ctx, task))
		ids = append(ids, id)
	}
	return ids
}

// slowScanner blocks Fetch until release is closed, modeling a retailer
// that never responds so Stop must bound its wait rather than join
// forever.
type slowScanner struct {
	retailer string
	host     string
	release  chan struct{}

	mu    sync.Mutex
	calls int
}

func (s *slowScanner) Retailer() string  { return s.retailer }
func (s *slowScanner) Host() string      { return s.host }
func (s *slowScanner) RequiresZip() bool { return false }

func (s *slowScanner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *slowScanner) Fetch(ctx context.Context, query, zip string, client *http.Client) (*scanner.RawResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &scanner.RawResponse{StatusCode: 200, Header: http.Header{}, Body: []byte("0")}, nil
}

func (s *slowScanner) Parse(raw *scanner.RawResponse) ([]domain.Product, error) {
	return nil, nil
}
