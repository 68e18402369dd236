// Package store is the embedded SQL persistence layer for task groups,
// tasks, products, price snapshots, scan runs and the notification dedup
// ledger. It swaps the teacher's internal/database pgxpool backing store
// for modernc.org/sqlite (pure Go, WAL journal mode) so the store can be
// truly embedded per spec.md §4.1, while keeping the teacher's
// acquire-scoped-to-one-operation pooling discipline and idempotent
// migration approach (internal/database/db.go).
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/restockwatch/core/internal/domain"
)

//go:embed schema.sql
var schemaFS embed.FS

// Config tunes the connection pool and busy-timeout behavior.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	BusyTimeout     time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sane defaults for a single-process embedded store.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		BusyTimeout:     10 * time.Second,
		ConnMaxLifetime: time.Hour,
	}
}

// Store wraps a pooled *sql.DB over one SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at cfg.Path, applies WAL pragmas
// and runs idempotent migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive, for the ops health
// endpoint. Grounded on the teacher's internal/database.Status.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("store: read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- TaskGroup ---

// CreateTaskGroup inserts a new group.
func (s *Store) CreateTaskGroup(ctx context.Context, g domain.TaskGroup) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_groups (id, name, enabled, default_interval_seconds, default_zip_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, boolToInt(g.Enabled), g.DefaultIntervalSeconds, g.DefaultZipCode, now, now)
	if err != nil {
		return fmt.Errorf("store: create task group: %w", err)
	}
	return nil
}

// ListTaskGroups returns every group.
func (s *Store) ListTaskGroups(ctx context.Context) ([]domain.TaskGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, default_interval_seconds, default_zip_code, created_at, updated_at
		FROM task_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list task groups: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskGroup
	for rows.Next() {
		var g domain.TaskGroup
		var enabled int
		if err := rows.Scan(&g.ID, &g.Name, &enabled, &g.DefaultIntervalSeconds, &g.DefaultZipCode, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan task group: %w", err)
		}
		g.Enabled = enabled != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// ToggleTaskGroup sets a group's enabled flag.
func (s *Store) ToggleTaskGroup(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_groups SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now(), id)
	if err != nil {
		return fmt.Errorf("store: toggle task group: %w", err)
	}
	return mustAffectOne(res, "task group", id)
}

// --- Task ---

// CreateTask inserts a new task under an existing group.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) error {
	now := time.Now()
	keysJSON, err := encodeKeySet(t.LastInStockKeys)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, group_id, name, enabled, retailer, query, zip_code, interval_seconds,
			last_run_at, last_status, last_error, last_in_stock_keys_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupID, t.Name, boolToInt(t.Enabled), t.Retailer, t.Query, t.ZipCode, t.IntervalSeconds,
		t.LastRunAt, string(t.LastStatus), t.LastError, keysJSON, now, now)
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

// ToggleTask sets a task's own enabled flag (group-level enable is
// separate; EffectiveEnabled ANDs the two at read time).
func (s *Store) ToggleTask(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now(), id)
	if err != nil {
		return fmt.Errorf("store: toggle task: %w", err)
	}
	return mustAffectOne(res, "task", id)
}

const taskSelectColumns = `
	t.id, t.group_id, t.name, t.enabled, t.retailer, t.query, t.zip_code, t.interval_seconds,
	t.last_run_at, t.last_status, t.last_error, t.last_in_stock_keys_json, t.created_at, t.updated_at,
	g.id, g.name, g.enabled, g.default_interval_seconds, g.default_zip_code, g.created_at, g.updated_at`

func scanTaskWithGroup(scanner interface {
	Scan(dest ...any) error
}) (domain.Task, error) {
	var t domain.Task
	var enabled, groupEnabled int
	var status string
	var keysJSON *string

	err := scanner.Scan(
		&t.ID, &t.GroupID, &t.Name, &enabled, &t.Retailer, &t.Query, &t.ZipCode, &t.IntervalSeconds,
		&t.LastRunAt, &status, &t.LastError, &keysJSON, &t.CreatedAt, &t.UpdatedAt,
		&t.Group.ID, &t.Group.Name, &groupEnabled, &t.Group.DefaultIntervalSeconds, &t.Group.DefaultZipCode,
		&t.Group.CreatedAt, &t.Group.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}
	t.Enabled = enabled != 0
	t.Group.Enabled = groupEnabled != 0
	t.LastStatus = domain.TaskStatus(status)
	keys, decodeErr := decodeKeySet(keysJSON)
	if decodeErr != nil {
		return domain.Task{}, decodeErr
	}
	t.LastInStockKeys = keys
	return t, nil
}

// GetTask returns one task joined with its group.
func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskSelectColumns+`
		FROM tasks t JOIN task_groups g ON g.id = t.group_id
		WHERE t.id = ?`, id)
	t, err := scanTaskWithGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("store: task %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("store: get task: %w", err)
	}
	return t, nil
}

// ListEnabledTasks returns every task whose own `enabled` flag is set,
// joined with its group, so callers can apply EffectiveEnabled/Interval.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskSelectColumns+`
		FROM tasks t JOIN task_groups g ON g.id = t.group_id
		WHERE t.enabled = 1
		ORDER BY t.last_run_at IS NOT NULL, t.last_run_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTaskWithGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllTasks returns every task regardless of its enabled flag, for
// operator inspection. Optionally filtered to one group.
func (s *Store) ListAllTasks(ctx context.Context, groupID string) ([]domain.Task, error) {
	query := `
		SELECT ` + taskSelectColumns + `
		FROM tasks t JOIN task_groups g ON g.id = t.group_id`
	args := []any{}
	if groupID != "" {
		query += ` WHERE t.group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY g.name, t.name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list all tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTaskWithGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// BeginRun atomically transitions a task to running, setting last_run_at.
func (s *Store) BeginRun(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_status = ?, last_run_at = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		string(domain.StatusRunning), startedAt, startedAt, id)
	if err != nil {
		return fmt.Errorf("store: begin run: %w", err)
	}
	return mustAffectOne(res, "task", id)
}

// CompleteRun records the outcome of a run. On success, newInStock
// overwrites last_in_stock_keys; on failure the prior set is left
// untouched so a transient failure never fabricates a lost_stock event.
func (s *Store) CompleteRun(ctx context.Context, id string, status domain.TaskStatus, lastErr *string, newInStock map[string]struct{}) error {
	now := time.Now()
	if status == domain.StatusOK {
		keysJSON, err := encodeKeySet(newInStock)
		if err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET last_status = ?, last_error = ?, last_in_stock_keys_json = ?, updated_at = ? WHERE id = ?`,
			string(status), lastErr, keysJSON, now, id)
		if err != nil {
			return fmt.Errorf("store: complete run: %w", err)
		}
		return mustAffectOne(res, "task", id)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastErr, now, id)
	if err != nil {
		return fmt.Errorf("store: complete run: %w", err)
	}
	return mustAffectOne(res, "task", id)
}

// ReconcileOrphanedRuns treats every task stuck in `running` as a crash
// victim: set to error with a recovery note, immediately eligible again.
// Grounded on the teacher's TaskQueueSweeper.RecoverOrphanedTasks.
func (s *Store) ReconcileOrphanedRuns(ctx context.Context) (int64, error) {
	note := "recovered after restart: task was running when the process stopped"
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_status = ?, last_error = ?, last_run_at = NULL, updated_at = ? WHERE last_status = ?`,
		string(domain.StatusError), note, time.Now(), string(domain.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("store: reconcile orphaned runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Products & Price Snapshots ---

// upsertProduct returns the row id for productKey, inserting (setName,
// name, retailer, url) under it if absent. Unique-constraint violations on
// the concurrent insert race are swallowed per spec.md §4.1's failure model.
func (s *Store) upsertProduct(ctx context.Context, productKey, setName, name, retailer string, url *string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO products (product_key, set_name, name, retailer, url) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(product_key) DO NOTHING`,
		productKey, setName, name, retailer, url)
	if err != nil && !isUniqueViolation(err) {
		return 0, fmt.Errorf("store: upsert product: %w", err)
	}
	// After DO NOTHING, LastInsertId still reports the connection's previous
	// insert, so it is only trusted when this statement inserted a row.
	if err == nil {
		if n, _ := res.RowsAffected(); n == 1 {
			if id, err := res.LastInsertId(); err == nil && id != 0 {
				return id, nil
			}
		}
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM products WHERE product_key = ?`, productKey).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: lookup product after upsert: %w", err)
	}
	return id, nil
}

// RecordPriceSnapshot appends one price observation, upserting the
// product row it belongs to. setName groups products under the task's
// logical search ("pokemon etb"), mirroring the teacher's price-group
// concept. Never updates or deletes a prior row.
func (s *Store) RecordPriceSnapshot(ctx context.Context, setName, retailer, name string, url *string, snap domain.PriceSnapshot) error {
	productID, err := s.upsertProduct(ctx, snap.ProductKey, setName, name, retailer, url)
	if err != nil {
		return err
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prices (product_id, listed_price, market_price, delta_pct, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		productID, snap.ListedPrice, snap.MarketPrice, snap.DeltaPct, snap.Confidence, createdAt)
	if err != nil {
		return fmt.Errorf("store: record price snapshot: %w", err)
	}
	return nil
}

// LatestPriceSnapshot returns the most recent snapshot for productKey, or
// ErrNotFound if none exists yet.
func (s *Store) LatestPriceSnapshot(ctx context.Context, productKey string) (domain.PriceSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pr.id, p.product_key, pr.listed_price, pr.market_price, pr.delta_pct, pr.confidence, pr.created_at
		FROM prices pr JOIN products p ON p.id = pr.product_id
		WHERE p.product_key = ?
		ORDER BY pr.created_at DESC, pr.id DESC
		LIMIT 1`, productKey)

	var snap domain.PriceSnapshot
	err := row.Scan(&snap.ID, &snap.ProductKey, &snap.ListedPrice, &snap.MarketPrice, &snap.DeltaPct, &snap.Confidence, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PriceSnapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("store: latest price snapshot: %w", err)
	}
	return snap, nil
}

// --- Scan runs (observational) ---

// ScanRun is one task invocation's audit record.
type ScanRun struct {
	TaskID        string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Status        string
	Error         *string
	ProductsSeen  int
	EventsEmitted int
}

// RecordScanRun inserts one audit row; purely observational, never read
// by the reconciliation algorithm.
func (s *Store) RecordScanRun(ctx context.Context, run ScanRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_runs (task_id, started_at, finished_at, status, error, products_seen, events_emitted)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.StartedAt, run.FinishedAt, run.Status, run.Error, run.ProductsSeen, run.EventsEmitted)
	if err != nil {
		return fmt.Errorf("store: record scan run: %w", err)
	}
	return nil
}

// --- Notifications dedup ledger ---

// WasNotifiedSince reports whether (subscriberRef, productKey, kind) was
// already recorded at or after since, backing the in-memory LRU cache
// with cross-restart correctness.
func (s *Store) WasNotifiedSince(ctx context.Context, subscriberRef, productKey, kind string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM notifications
		WHERE subscriber_ref = ? AND product_key = ? AND event_kind = ? AND sent_at >= ?`,
		subscriberRef, productKey, kind, since).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: was notified: %w", err)
	}
	return n > 0, nil
}

// RecordNotification persists one delivery so future dedup checks (and a
// restarted process) see it.
func (s *Store) RecordNotification(ctx context.Context, subscriberRef, productKey, kind string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (subscriber_ref, product_key, event_kind, sent_at) VALUES (?, ?, ?, ?)`,
		subscriberRef, productKey, kind, sentAt)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("store: record notification: %w", err)
	}
	return nil
}

// --- Block records & proxy stats ---

// SaveBlockRecord persists one quarantine window for operator introspection.
func (s *Store) SaveBlockRecord(ctx context.Context, rec domain.BlockRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO block_records (host, proxy_id, blocked_at, blocked_until, reason) VALUES (?, ?, ?, ?, ?)`,
		rec.Host, rec.ProxyID, rec.BlockedAt, rec.BlockedUntil, rec.Reason)
	if err != nil {
		return fmt.Errorf("store: save block record: %w", err)
	}
	return nil
}

// SaveProxyStats upserts a point-in-time snapshot of one proxy's
// accounting fields for operator introspection via the CLI (ListProxyStats).
func (s *Store) SaveProxyStats(ctx context.Context, e domain.ProxyEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_stats (id, url, blocked_until, success_count, failure_count, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			blocked_until = excluded.blocked_until,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			last_used_at = excluded.last_used_at`,
		e.ID, e.URL, e.BlockedUntil, e.SuccessCount, e.FailureCount, e.LastUsedAt)
	if err != nil {
		return fmt.Errorf("store: save proxy stats: %w", err)
	}
	return nil
}

// ListRecentBlockRecords returns the most recent limit block records,
// newest first, for operator inspection via the CLI.
func (s *Store) ListRecentBlockRecords(ctx context.Context, limit int) ([]domain.BlockRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host, proxy_id, blocked_at, blocked_until, reason
		FROM block_records ORDER BY blocked_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list block records: %w", err)
	}
	defer rows.Close()

	var out []domain.BlockRecord
	for rows.Next() {
		var rec domain.BlockRecord
		if err := rows.Scan(&rec.Host, &rec.ProxyID, &rec.BlockedAt, &rec.BlockedUntil, &rec.Reason); err != nil {
			return nil, fmt.Errorf("store: scan block record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListProxyStats returns the latest persisted snapshot of every known
// proxy, for operator inspection via the CLI.
func (s *Store) ListProxyStats(ctx context.Context) ([]domain.ProxyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, blocked_until, success_count, failure_count, last_used_at
		FROM proxy_stats ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list proxy stats: %w", err)
	}
	defer rows.Close()

	var out []domain.ProxyEntry
	for rows.Next() {
		var e domain.ProxyEntry
		if err := rows.Scan(&e.ID, &e.URL, &e.BlockedUntil, &e.SuccessCount, &e.FailureCount, &e.LastUsedAt); err != nil {
			return nil, fmt.Errorf("store: scan proxy stats: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ErrNotFound is returned by point lookups that find no row.
var ErrNotFound = errors.New("store: not found")

func mustAffectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
