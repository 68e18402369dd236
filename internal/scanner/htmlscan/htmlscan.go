// Package htmlscan is an illustrative RetailerScanner that scrapes a
// search-results page with CSS selectors, using
// github.com/PuerkitoBio/goquery the way the wider example pack's
// cklxx-elephant.ai repo does for HTML extraction. It is not a
// production retailer parser (those are pluggable and out of scope) —
// it exists to exercise the scanner.Registry end-to-end with a real
// implementation.
package htmlscan

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/restockwatch/core/internal/domain"
	"github.com/restockwatch/core/internal/scanner"
)

// Selectors configures how to pull product rows out of a search page.
type Selectors struct {
	ItemSelector       string
	NameSelector       string
	PriceSelector      string
	URLSelector        string // anchor selector; href is read relative to ItemSelector
	StockTextSelector  string
	OutOfStockKeywords []string
}

// Config describes one HTML-scraped retailer.
type Config struct {
	RetailerKey string
	HostName    string
	SearchURL   string // contains %s for the query and, if RequiresZip, a second %s for the zip
	NeedsZip    bool
	Selectors   Selectors
}

// Scanner implements scanner.Scanner over a search results HTML page.
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
		return nil, fmt.Errorf("htmlscan: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("htmlscan: read body: %w", err)
	}

	return &scanner.RawResponse{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func (s *Scanner) Parse(raw *scanner.RawResponse) ([]domain.Product, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw.Body)))
	if err != nil {
		return nil, fmt.Errorf("htmlscan: parse html: %w", err)
	}

	sel := s.cfg.Selectors
	now := time.Now()
	var products []domain.Product

	doc.Find(sel.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		name := strings.TrimSpace(item.Find(sel.NameSelector).First().Text())
		if name == "" {
			return
		}

		var priceRef *float64
		if priceText := strings.TrimSpace(item.Find(sel.PriceSelector).First().Text()); priceText != "" {
			if p, ok := parsePrice(priceText); ok {
				priceRef = &p
			}
		}

		var urlRef *string
		if href, ok := item.Find(sel.URLSelector).First().Attr("href"); ok && href != "" {
			urlRef = &href
		}

		stockText := strings.TrimSpace(item.Find(sel.StockTextSelector).First().Text())
		inStock := !containsAnyFold(stockText, sel.OutOfStockKeywords)

		products = append(products, domain.Product{
			Retailer:        s.cfg.RetailerKey,
			Name:            name,
			URL:             urlRef,
			Price:           priceRef,
			InStock:         inStock,
			StockStatusText: stockText,
			ObservedAt:      now,
		})
	})

	return products, nil
}

func containsAnyFold(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func parsePrice(s string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == '.' || r == ',':
			return '.'
		default:
			return -1
		}
	}, s)
	// collapse multiple dots from thousands+decimal separators down to the last one
	if idx := strings.LastIndex(cleaned, "."); idx != -1 {
		cleaned = strings.ReplaceAll(cleaned[:idx], ".", "") + cleaned[idx:]
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
