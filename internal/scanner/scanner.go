// Package scanner defines the RetailerScanner plug-in contract and a
// registry mapping retailer keys to implementations, grounded on the
// teacher's internal/adapters/registry.ChainAdapter registry (same
// register-at-startup, lookup-by-key shape, generalized from file-format
// chain adapters to live HTTP stock scanners).
package scanner

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/restockwatch/core/internal/domain"
)

// RawResponse is what Fetch hands to Parse: the response plus its
// already-drained body (so Parse never touches the network and the
// dispatcher can classify the body independently of parsing).
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Scanner is the capability set a retailer plug-in must implement.
// Implementations MUST NOT mutate shared state or block indefinitely;
// they are expected to return within the context deadline passed to
// Fetch.
type Scanner interface {
	Retailer() string
	Host() string
	RequiresZip() bool
	Fetch(ctx context.Context, query, zip string, client *http.Client) (*RawResponse, error)
	Parse(raw *RawResponse) ([]domain.Product, error)
}

// Registry maps retailer keys to Scanner implementations.
type Registry struct {
	mu       sync.RWMutex
	scanners map[string]Scanner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: make(map[string]Scanner)}
}

// Register adds or replaces the scanner for its own Retailer() key.
func (r *Registry) Register(s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners[s.Retailer()] = s
}

// Get looks up a scanner by retailer key.
func (r *Registry) Get(retailer string) (Scanner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[retailer]
	if !ok {
		return nil, fmt.Errorf("scanner: no implementation registered for retailer %q", retailer)
	}
	return s, nil
}

// List returns every registered retailer key.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.scanners))
	for k := range r.scanners {
		keys = append(keys, k)
	}
	return keys
}
