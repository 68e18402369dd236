// Package runner is the task supervisor: a ticking loop that selects due
// tasks from the store, runs each through dispatch -> transition -> notify
// -> store on a bounded worker pool, and recovers tasks left `running`
// across a crash. Its goroutine-pool/stop shape is grounded on the
// teacher's internal/workers.Worker (NumWorkers goroutines, a stopChan
// closed on Stop, a bounded wg.Wait join); crash recovery on startup is
// grounded on internal/sweepers.TaskQueueSweeper.RecoverOrphanedTasks,
// simplified from a recurring ticker to a single startup call since
// nothing here requires it to repeat.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/restockwatch/core/internal/blocking"
	"github.com/restockwatch/core/internal/dispatch"
	"github.com/restockwatch/core/internal/domain"
	"github.com/restockwatch/core/internal/notify"
	"github.com/restockwatch/core/internal/proxypool"
	"github.com/restockwatch/core/internal/store"
	"github.com/restockwatch/core/internal/transition"
)

// Config tunes the supervisor's concurrency, cadence and deadlines.
type Config struct {
	MaxWorkers      int
	LoopSleep       time.Duration
	MaxTaskDeadline time.Duration
	ShutdownTimeout time.Duration
	TransitionCfg   transition.Config
}

// DefaultConfig matches spec.md §4.8/§5: 4 workers, 1s loop sleep, a 60s
// per-task deadline cap, a 5s bounded shutdown join.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      4,
		LoopSleep:       1 * time.Second,
		MaxTaskDeadline: 60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		TransitionCfg:   transition.DefaultConfig(),
	}
}

// Runner drives the scan loop described above.
type Runner struct {
	cfg        Config
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Dispatcher
	proxies    *proxypool.Pool
	logger     zerolog.Logger

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// New assembles a Runner. store, dispatcher and notifier must be non-nil;
// proxies may be nil when the dispatcher runs without a pool, in which
// case the runner simply never persists a proxy-stats snapshot.
func New(cfg Config, st *store.Store, dispatcher *dispatch.Dispatcher, notifier *notify.Dispatcher, proxies *proxypool.Pool, logger zerolog.Logger) *Runner {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &Runner{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		notifier:   notifier,
		proxies:    proxies,
		logger:     logger,
		sem:        make(chan struct{}, cfg.MaxWorkers),
		inFlight:   make(map[string]struct{}),
		stopChan:   make(chan struct{}),
	}
}

// Start recovers any tasks orphaned by a prior crash, then launches the
// supervisor loop in the background. ctx governs the loop's lifetime in
// addition to Stop.
func (r *Runner) Start(ctx context.Context) error {
	n, err := r.store.ReconcileOrphanedRuns(ctx)
	if err != nil {
		return fmt.Errorf("runner: reconcile orphaned runs: %w", err)
	}
	if n > 0 {
		r.logger.Warn().Int64("count", n).Msg("recovered tasks left running across restart")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.supervisorLoop(ctx)
	}()
	return nil
}

// Stop closes stopChan, which ends the supervisor loop so no further task
// is dispatched, and waits up to ShutdownTimeout for it and any in-flight
// workers to return. Stop does not cancel in-flight workers: they run
// until the ctx passed to Start is cancelled or their own task deadline
// expires. Workers that haven't returned by then are abandoned; each
// writes its own run outcome before exiting so abandonment never corrupts
// persisted state.
func (r *Runner) Stop() {
	close(r.stopChan)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownTimeout):
		r.logger.Warn().Msg("shutdown timeout exceeded; abandoning in-flight workers")
	}
}

func (r *Runner) supervisorLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.LoopSleep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick selects due tasks and submits as many as the worker pool has free
// capacity for; any overflow simply remains due and is reconsidered next
// tick, since selection never consumes a task's due-ness.
func (r *Runner) tick(ctx context.Context) {
	r.persistProxyStats(ctx)

	tasks, err := r.store.ListEnabledTasks(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("runner: list enabled tasks failed")
		return
	}

	for _, task := range r.selectDue(tasks, time.Now()) {
		select {
		case r.sem <- struct{}{}:
		default:
			return
		}

		r.markInFlight(task.ID)
		r.wg.Add(1)
		go func(t domain.Task) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			defer r.clearInFlight(t.ID)
			r.runTask(ctx, t)
		}(task)
	}
}

// selectDue filters to effectively-enabled, not-already-running tasks
// whose interval has elapsed, then orders them by how overdue they are
// relative to their own interval rather than raw last_run_at age — a
// task due at 3x its interval jumps ahead of one merely a few seconds
// past its own, shorter interval, which plain FIFO-by-last_run_at would
// starve.
func (r *Runner) selectDue(tasks []domain.Task, now time.Time) []domain.Task {
	var due []domain.Task
	for _, t := range tasks {
		if !t.EffectiveEnabled() {
			continue
		}
		if r.isInFlight(t.ID) {
			continue
		}
		interval := t.EffectiveInterval()
		if interval <= 0 {
			continue
		}
		if t.LastRunAt == nil || now.Sub(*t.LastRunAt) >= interval {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return overdueRatio(due[i], now) > overdueRatio(due[j], now)
	})
	return due
}

// persistProxyStats snapshots the pool's accounting fields into the store
// each tick so the operator CLI has a point-in-time view without reaching
// into the running process. A no-op when the runner has no pool.
func (r *Runner) persistProxyStats(ctx context.Context) {
	if r.proxies == nil {
		return
	}
	for _, s := range r.proxies.Stats() {
		entry := domain.ProxyEntry{
			ID:           s.ID,
			URL:          s.URL,
			SuccessCount: s.SuccessCount,
			FailureCount: s.FailureCount,
		}
		if !s.BlockedUntil.IsZero() {
			until := s.BlockedUntil
			entry.BlockedUntil = &until
		}
		if !s.LastUsedAt.IsZero() {
			used := s.LastUsedAt
			entry.LastUsedAt = &used
		}
		if err := r.store.SaveProxyStats(ctx, entry); err != nil {
			r.logger.Warn().Err(err).Str("proxy_id", s.ID).Msg("runner: save proxy stats failed")
		}
	}
}

func overdueRatio(t domain.Task, now time.Time) float64 {
	if t.LastRunAt == nil {
		return math.Inf(1)
	}
	interval := t.EffectiveInterval()
	if interval <= 0 {
		return 0
	}
	return now.Sub(*t.LastRunAt).Seconds() / interval.Seconds()
}

func (r *Runner) markInFlight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight[id] = struct{}{}
}

func (r *Runner) clearInFlight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, id)
}

func (r *Runner) isInFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[id]
	return ok
}

// runTask executes one full scan cycle for task: begin -> dispatch ->
// reconcile -> persist -> notify -> complete. Its own deadline is capped
// independently of the caller's ctx so a slow retailer can't starve the
// rest of the fleet; its finalize writes use a fresh bounded context so a
// deadline-exceeded scan still gets to record its own outcome.
func (r *Runner) runTask(ctx context.Context, task domain.Task) {
	start := time.Now()
	deadline := min(task.EffectiveInterval(), r.cfg.MaxTaskDeadline)

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := r.store.BeginRun(runCtx, task.ID, start); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("runner: begin run failed")
		return
	}

	result, scanErr := r.dispatcher.Scan(runCtx, task.Retailer, task.Query, task.EffectiveZip())
	finishedAt := time.Now()

	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer finalizeCancel()

	if scanErr != nil {
		msg := scanErr.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			msg = "deadline_exceeded: " + msg
		}
		r.failRun(finalizeCtx, task.ID, start, finishedAt, msg)
		return
	}

	if result.Skipped || (result.Classification != blocking.ClassOK && result.Classification != blocking.ClassOKEmpty) {
		r.failRun(finalizeCtx, task.ID, start, finishedAt, fmt.Sprintf("scan classified as %s", result.Classification))
		return
	}

	priorPrices := r.loadPriorPrices(finalizeCtx, result.Products)
	res := transition.Reconcile(task.ID, task.Retailer, task.LastInStockKeys, result.Products, priorPrices, r.cfg.TransitionCfg)

	byKey := make(map[string]domain.Product, len(result.Products))
	for _, p := range result.Products {
		byKey[p.CanonicalKey()] = p
	}
	for _, snap := range res.Snapshots {
		p := byKey[snap.ProductKey]
		if err := r.store.RecordPriceSnapshot(finalizeCtx, task.Query, task.Retailer, p.Name, p.URL, snap); err != nil {
			r.logger.Warn().Err(err).Str("task_id", task.ID).Str("product_key", snap.ProductKey).Msg("runner: record price snapshot failed")
		}
	}

	for _, ev := range res.Events {
		r.notifier.Emit(finalizeCtx, ev)
	}

	if err := r.store.CompleteRun(finalizeCtx, task.ID, domain.StatusOK, nil, res.NewInStock); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("runner: complete run failed")
	}

	if err := r.store.RecordScanRun(finalizeCtx, store.ScanRun{
		TaskID:        task.ID,
		StartedAt:     start,
		FinishedAt:    &finishedAt,
		Status:        string(domain.StatusOK),
		ProductsSeen:  len(result.Products),
		EventsEmitted: len(res.Events),
	}); err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("runner: record scan run failed")
	}
}

func (r *Runner) failRun(ctx context.Context, taskID string, start, finishedAt time.Time, msg string) {
	if err := r.store.CompleteRun(ctx, taskID, domain.StatusError, &msg, nil); err != nil {
		r.logger.Error().Err(err).Str("task_id", taskID).Msg("runner: complete run (error) failed")
	}
	if err := r.store.RecordScanRun(ctx, store.ScanRun{
		TaskID:     taskID,
		StartedAt:  start,
		FinishedAt: &finishedAt,
		Status:     string(domain.StatusError),
		Error:      &msg,
	}); err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("runner: record scan run (error) failed")
	}
}

// loadPriorPrices fetches the last persisted snapshot for every scanned
// product so transition.Reconcile can compare and carry forward market
// price; a product with no prior snapshot (first sighting) is simply
// absent from the map, which Reconcile treats as "no comparison possible."
func (r *Runner) loadPriorPrices(ctx context.Context, products []domain.Product) map[string]transition.PriorPrice {
	out := make(map[string]transition.PriorPrice, len(products))
	for _, p := range products {
		key := p.CanonicalKey()
		if _, ok := out[key]; ok {
			continue
		}
		snap, err := r.store.LatestPriceSnapshot(ctx, key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				r.logger.Warn().Err(err).Str("product_key", key).Msg("runner: latest price snapshot lookup failed")
			}
			continue
		}
		out[key] = transition.PriorPrice{ListedPrice: snap.ListedPrice, MarketPrice: snap.MarketPrice}
	}
	return out
}
