// Package transition implements the stock-transition delta engine: given
// a task's prior in-stock key set and a freshly scanned product list, it
// derives new/lost/price-changed events and the new state to persist.
// Its shape — a pure function over sorted keys producing a deterministic
// event slice — mirrors the teacher's internal/matching package, which
// reconciles archive records against a canonical set the same way.
package transition

import (
	"sort"

	"github.com/restockwatch/core/internal/domain"
)

// Config tunes the price-change threshold.
type Config struct {
	PriceChangeThreshold float64
}

// DefaultConfig matches spec.md §4.6's 0.05 default.
func DefaultConfig() Config {
	return Config{PriceChangeThreshold: 0.05}
}

// PriorPrice is the last persisted snapshot price for one canonical key,
// used both to seed price_changed comparisons and delta_pct on the new
// snapshot.
type PriorPrice struct {
	ListedPrice float64
	MarketPrice *float64
}

// Result is what reconcile returns for one task cycle.
type Result struct {
	Events       []domain.Event
	NewInStock   map[string]struct{}
	Snapshots    []domain.PriceSnapshot
}

// Reconcile implements spec.md §4.6. prev is nil on a task's first
// successful scan (cold start): no events are emitted, curr merely seeds
// last_in_stock_keys. priorPrices supplies the last snapshot price per
// canonical key for price_changed comparisons; a key absent from it never
// produces a price_changed event even if curr∩prev.
func Reconcile(taskID, retailer string, prev map[string]struct{}, products []domain.Product, priorPrices map[string]PriorPrice, cfg Config) Result {
	coldStart := prev == nil

	curr := make(map[string]struct{}, len(products))
	byKey := make(map[string]domain.Product, len(products))
	for _, p := range products {
		key := p.CanonicalKey()
		byKey[key] = p
		if p.InStock {
			curr[key] = struct{}{}
		}
	}

	var newKeys, lostKeys, priceKeys []string
	for k := range curr {
		if _, ok := prev[k]; !ok {
			newKeys = append(newKeys, k)
		}
	}
	for k := range prev {
		if _, ok := curr[k]; !ok {
			lostKeys = append(lostKeys, k)
		}
	}
	if !coldStart {
		for k := range curr {
			if _, wasIn := prev[k]; !wasIn {
				continue
			}
			prod, ok := byKey[k]
			if !ok || prod.Price == nil {
				continue
			}
			prior, ok := priorPrices[k]
			if !ok || prior.ListedPrice == 0 {
				continue
			}
			delta := (*prod.Price - prior.ListedPrice) / prior.ListedPrice
			if abs(delta) >= cfg.PriceChangeThreshold {
				priceKeys = append(priceKeys, k)
			}
		}
	}
	sort.Strings(newKeys)
	sort.Strings(lostKeys)
	sort.Strings(priceKeys)

	var events []domain.Event
	if !coldStart {
		for _, k := range newKeys {
			p := byKey[k]
			events = append(events, newEvent(domain.EventNewInStock, taskID, retailer, k, p))
		}
		for _, k := range lostKeys {
			p := byKey[k]
			events = append(events, newEvent(domain.EventLostStock, taskID, retailer, k, p))
		}
		for _, k := range priceKeys {
			p := byKey[k]
			ev := newEvent(domain.EventPriceChanged, taskID, retailer, k, p)
			prior := priorPrices[k]
			if prior.ListedPrice > 0 && p.Price != nil {
				delta := (*p.Price - prior.ListedPrice) / prior.ListedPrice
				ev.DeltaPct = &delta
			}
			events = append(events, ev)
		}
	}

	snapshots := buildSnapshots(products, priorPrices)

	return Result{Events: events, NewInStock: curr, Snapshots: snapshots}
}

func newEvent(kind domain.EventKind, taskID, retailer, key string, p domain.Product) domain.Event {
	return domain.Event{
		Kind:         kind,
		Retailer:     retailer,
		ProductKey:   key,
		ProductName:  p.Name,
		URL:          p.URL,
		Price:        p.Price,
		ObservedAt:   p.ObservedAt,
		SourceTaskID: taskID,
	}
}

// buildSnapshots appends one PriceSnapshot per observed product carrying
// a numeric price, regardless of whether any event fired, per spec.md
// §4.6's "persisting snapshots ... occurs even when no events are
// emitted."
func buildSnapshots(products []domain.Product, priorPrices map[string]PriorPrice) []domain.PriceSnapshot {
	var out []domain.PriceSnapshot
	for _, p := range products {
		if p.Price == nil {
			continue
		}
		key := p.CanonicalKey()
		snap := domain.PriceSnapshot{
			ProductKey:  key,
			ListedPrice: *p.Price,
			CreatedAt:   p.ObservedAt,
		}
		if prior, ok := priorPrices[key]; ok && prior.MarketPrice != nil && *prior.MarketPrice != 0 {
			market := *prior.MarketPrice
			delta := (*p.Price - market) / market
			snap.MarketPrice = &market
			snap.DeltaPct = &delta
		}
		out = append(out, snap)
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
