// Package domain holds the value types shared across the scan pipeline:
// task groups, tasks, products, price snapshots and the transition events
// derived from them.
package domain

import (
	"strings"
	"time"
)

// TaskGroup is a named container defining scheduling and locale defaults
// for the tasks it owns.
type TaskGroup struct {
	ID                     string
	Name                   string
	Enabled                bool
	DefaultIntervalSeconds int
	DefaultZipCode         string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// TaskStatus is the lifecycle state of a Task's most recent run.
type TaskStatus string

const (
	StatusIdle    TaskStatus = "idle"
	StatusRunning TaskStatus = "running"
	StatusOK      TaskStatus = "ok"
	StatusError   TaskStatus = "error"
)

// DefaultZipCode is used when neither the task nor its group specify one.
const DefaultZipCode = "00000"

// Task is one recurring scan job bound to a retailer and search query.
type Task struct {
	ID              string
	GroupID         string
	Name            string
	Enabled         bool
	Retailer        string
	Query           string
	ZipCode         *string
	IntervalSeconds *int
	LastRunAt       *time.Time
	LastStatus      TaskStatus
	LastError       *string
	LastInStockKeys map[string]struct{}
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Group carries the owning group's defaults; populated by Storage on
	// read so callers never have to join themselves.
	Group TaskGroup
}

// EffectiveInterval returns the task's override interval, falling back to
// the group default.
func (t Task) EffectiveInterval() time.Duration {
	if t.IntervalSeconds != nil && *t.IntervalSeconds > 0 {
		return time.Duration(*t.IntervalSeconds) * time.Second
	}
	return time.Duration(t.Group.DefaultIntervalSeconds) * time.Second
}

// EffectiveZip returns the task's override zip, falling back to the
// group default and finally a fixed constant.
func (t Task) EffectiveZip() string {
	if t.ZipCode != nil && *t.ZipCode != "" {
		return *t.ZipCode
	}
	if t.Group.DefaultZipCode != "" {
		return t.Group.DefaultZipCode
	}
	return DefaultZipCode
}

// EffectiveEnabled is true only when both the task and its owning group
// are enabled.
func (t Task) EffectiveEnabled() bool {
	return t.Enabled && t.Group.Enabled
}

// Product is a normalized listing as returned by a RetailerScanner.
type Product struct {
	Retailer        string
	Name            string
	SKU             *string
	URL             *string
	Price           *float64
	InStock         bool
	StockStatusText string
	ObservedAt      time.Time
}

// CanonicalKey returns the stable identity of a product: lowercase
// retailer joined with whichever of sku, url or name is present, in that
// preference order.
func (p Product) CanonicalKey() string {
	return CanonicalKey(p.Retailer, p.SKU, p.URL, p.Name)
}

// CanonicalKey builds the canonical key from raw fields so callers that
// only have a partial record (e.g. a prior snapshot) can still derive it.
func CanonicalKey(retailer string, sku, url *string, name string) string {
	ident := name
	if url != nil && *url != "" {
		ident = *url
	}
	if sku != nil && *sku != "" {
		ident = *sku
	}
	return strings.ToLower(retailer) + "|" + ident
}

// PriceSnapshot is an append-only price observation for a product.
type PriceSnapshot struct {
	ID          int64
	ProductKey  string
	ListedPrice float64
	MarketPrice *float64
	DeltaPct    *float64
	Confidence  *float64
	CreatedAt   time.Time
}

// Subscription is a watchlist entry matched against new_in_stock events.
type Subscription struct {
	ID            string
	UserID        string
	ItemMatch     string
	TargetPrice   *float64
	NotifyOnStock bool
	Locale        *string
}

// ProxyEntry is the persisted snapshot of one proxy endpoint's operational
// state. The live quarantine state machine (including its consecutive-
// transient-error streak) lives in proxypool.Pool; this is the
// point-in-time view written out for inspection; it is not read back on
// restart.
type ProxyEntry struct {
	ID           string
	URL          string
	InUse        bool
	BlockedUntil *time.Time
	SuccessCount int
	FailureCount int
	LastUsedAt   *time.Time
}

// BlockRecord is a per-host (optionally per-proxy) cool-down window.
type BlockRecord struct {
	Host         string
	ProxyID      *string
	BlockedAt    time.Time
	BlockedUntil time.Time
	Reason       string
}

// EventKind classifies a transition event emitted by the reconciliation
// algorithm.
type EventKind string

const (
	EventNewInStock    EventKind = "new_in_stock"
	EventLostStock     EventKind = "lost_stock"
	EventPriceChanged  EventKind = "price_changed"
)

// Event is one transition detected by reconcile for a single task cycle.
type Event struct {
	Kind         EventKind  `json:"kind"`
	Retailer     string     `json:"retailer"`
	ProductKey   string     `json:"product_key"`
	ProductName  string     `json:"product_name"`
	URL          *string    `json:"url,omitempty"`
	Price        *float64   `json:"price,omitempty"`
	MarketPrice  *float64   `json:"market_price,omitempty"`
	DeltaPct     *float64   `json:"delta_pct,omitempty"`
	ObservedAt   time.Time  `json:"observed_at"`
	SourceTaskID string     `json:"source_task_id"`
}
