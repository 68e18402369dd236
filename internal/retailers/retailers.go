// Package retailers wires the set of RetailerScanner implementations a
// binary starts with. It exists as its own package (rather than living on
// scanner.Registry directly) because it imports both htmlscan and
// jsonscan, which in turn import scanner for the Scanner interface.
package retailers

import (
	"github.com/restockwatch/core/internal/scanner"
	"github.com/restockwatch/core/internal/scanner/htmlscan"
	"github.com/restockwatch/core/internal/scanner/jsonscan"
)

// RegisterIllustrative wires the two reference RetailerScanner
// implementations so a freshly built Registry is never empty. Real
// retailer plug-ins are added the same way by an operator extending
// either binary. Shared between cmd/server and cmd/cli so both see the
// same retailer set, grounded on the teacher's
// registry.InitializeDefaultAdapters being called from every entry point.
func RegisterIllustrative(registry *scanner.Registry) {
	registry.Register(jsonscan.New(jsonscan.Config{
		RetailerKey: "example-json",
		HostName:    "api.example-retailer.test",
		SearchURL:   "https://api.example-retailer.test/v1/search?q=%s",
		NeedsZip:    false,
	}))
	registry.Register(htmlscan.New(htmlscan.Config{
		RetailerKey: "example-html",
		HostName:    "www.example-retailer.test",
		SearchURL:   "https://www.example-retailer.test/search?q=%s&zip=%s",
		NeedsZip:    true,
		Selectors: htmlscan.Selectors{
			ItemSelector:       ".product-tile",
			NameSelector:       ".product-title",
			PriceSelector:      ".price",
			URLSelector:        "a.product-link",
			StockTextSelector:  ".stock-status",
			OutOfStockKeywords: []string{"out of stock", "sold out"},
		},
	}))
}
