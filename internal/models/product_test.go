package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewProduct(t *testing.T) {
	p := NewProduct("1729")

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "1729", p.SourceID)
	assert.Equal(t, DefaultCurrency, p.Currency)
	assert.True(t, p.InStock)
	assert.False(t, p.CollectedAt.IsZero())
	assert.Equal(t, p.CollectedAt, p.UpdatedAt)
	assert.NotEqual(t, p.ID, NewProduct("1729").ID)
}

func TestSetOriginalPrice(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		original float64
		onSale   bool
	}{
		{"Discounted", 79.9, 99.9, true},
		{"Same price", 50, 50, false},
		{"Original lower", 60, 40, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProduct("1")
			p.Price = tt.price
			p.SetOriginalPrice(tt.original)

			assert.Equal(t, tt.onSale, p.IsOnSale)
			if assert.NotNil(t, p.OriginalPrice) {
				assert.Equal(t, tt.original, *p.OriginalPrice)
			}
		})
	}
}

func TestHistoryEntry(t *testing.T) {
	stock := 12
	p := NewProduct("99")
	p.Price = 19.9
	p.SalesCount = 1500
	p.StockLevel = &stock

	h := p.HistoryEntry()

	assert.NotEmpty(t, h.ID)
	assert.Equal(t, p.ID, h.ProductID)
	assert.Equal(t, 19.9, h.Price)
	assert.Equal(t, 1500, h.SalesCount)
	assert.Equal(t, &stock, h.StockLevel)
	assert.Equal(t, p.CollectedAt, h.CollectedAt)
}

func TestValidate(t *testing.T) {
	p := NewProduct("")
	p.Price = -1

	errs := p.Validate()

	assert.Len(t, errs, 3)
}
