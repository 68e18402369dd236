// Package jsonscan is an illustrative RetailerScanner for retailer APIs
// that return a JSON array of products directly, using only
// encoding/json (no ecosystem dependency earns its keep for a flat
// array decode).
package jsonscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/restockwatch/core/internal/domain"
	"github.com/restockwatch/core/internal/scanner"
)

// Row is the shape one product takes in the retailer's JSON response.
type Row struct {
	Name    string   `json:"name"`
	SKU     *string  `json:"sku"`
	URL     *string  `json:"url"`
	Price   *float64 `json:"price"`
	InStock bool     `json:"inStock"`
	Status  string   `json:"status"`
}

// Config describes one JSON-API retailer.
type Config struct {
	RetailerKey string
	HostName    string
	SearchURL   string // contains %s for the query and, if NeedsZip, a second %s for the zip
	NeedsZip    bool
}

// Scanner implements scanner.Scanner over a flat JSON array response.
type Scanner struct {
	cfg Config
}

// New returns a Scanner for cfg.
func New(cfg Config) *Scanner {
	return &Scanner{cfg: cfg}
}

var _ scanner.Scanner = (*Scanner)(nil)

func (s *Scanner) Retailer() string  { return s.cfg.RetailerKey }
func (s *Scanner) Host() string      { return s.cfg.HostName }
func (s *Scanner) RequiresZip() bool { return s.cfg.NeedsZip }

func (s *Scanner) Fetch(ctx context.Context, query, zip string, client *http.Client) (*scanner.RawResponse, error) {
	target := s.cfg.SearchURL
	if s.cfg.NeedsZip {
		target = fmt.Sprintf(target, url.QueryEscape(query), url.QueryEscape(zip))
	} else {
		target = fmt.Sprintf(target, url.QueryEscape(query))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("jsonscan: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jsonscan: read body: %w", err)
	}

	return &scanner.RawResponse{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func (s *Scanner) Parse(raw *scanner.RawResponse) ([]domain.Product, error) {
	var rows []Row
	if err := json.Unmarshal(raw.Body, &rows); err != nil {
		return nil, fmt.Errorf("jsonscan: decode response: %w", err)
	}

	now := time.Now()
	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, domain.Product{
			Retailer:        s.cfg.RetailerKey,
			Name:            row.Name,
			SKU:             row.SKU,
			URL:             row.URL,
			Price:           row.Price,
			InStock:         row.InStock,
			StockStatusText: row.Status,
			ObservedAt:      now,
		})
	}
	return products, nil
}
