package htmlscan

import (
	"testing"

	"github.com/restockwatch/core/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		RetailerKey: "acme",
		HostName:    "acme.example",
		SearchURL:   "https://acme.example/search?q=%s",
		Selectors: Selectors{
			ItemSelector:       ".product",
			NameSelector:       ".name",
			PriceSelector:      ".price",
			URLSelector:        "a",
			StockTextSelector:  ".stock",
			OutOfStockKeywords: []string{"out of stock", "sold out"},
		},
	}
}

const sampleHTML = `
<html><body>
<div class="product">
  <a href="/item/1">link</a>
  <span class="name">Pokemon ETB</span>
  <span class="price">$49.99</span>
  <span class="stock">In Stock</span>
</div>
<div class="product">
  <a href="/item/2">link</a>
  <span class="name">Rare Booster Box</span>
  <span class="price">1.234,56</span>
  <span class="stock">Sold Out</span>
</div>
</body></html>
`

func TestParseExtractsProducts(t *testing.T) {
	s := New(testConfig())
	products, err := s.Parse(&scanner.RawResponse{Body: []byte(sampleHTML)})
	require.NoError(t, err)
	require.Len(t, products, 2)

	assert.Equal(t, "Pokemon ETB", products[0].Name)
	require.NotNil(t, products[0].Price)
	assert.InDelta(t, 49.99, *products[0].Price, 0.001)
	assert.True(t, products[0].InStock)

	assert.Equal(t, "Rare Booster Box", products[1].Name)
	assert.False(t, products[1].InStock)
}

func TestParsePriceHandlesEuropeanFormat(t *testing.T) {
	v, ok := parsePrice("1.234,56")
	require.True(t, ok)
	assert.InDelta(t, 1234.56, v, 0.001)
}

func TestParsePriceHandlesUSFormat(t *testing.T) {
	v, ok := parsePrice("$49.99")
	require.True(t, ok)
	assert.InDelta(t, 49.99, v, 0.001)
}

func TestParsePriceRejectsEmpty(t *testing.T) {
	_, ok := parsePrice("")
	assert.False(t, ok)
}
