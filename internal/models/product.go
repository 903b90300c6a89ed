package models

import (
	"time"

	"github.com/google/uuid"
)

const DefaultCurrency = "BRL"

// Product is one storefront listing as collected by a scrape run.
// SourceID is the listing id on the origin site and is unique per listing;
// ID is generated locally.
type Product struct {
	ID              string    `json:"id"`
	SourceID        string    `json:"source_id"`
	Title           string    `json:"title"`
	Description     *string   `json:"description,omitempty"`
	Price           float64   `json:"price"`
	OriginalPrice   *float64  `json:"original_price,omitempty"`
	Currency        string    `json:"currency"`
	Category        *string   `json:"category,omitempty"`
	Subcategory     *string   `json:"subcategory,omitempty"`
	SellerName      *string   `json:"seller_name,omitempty"`
	SellerRating    *float64  `json:"seller_rating,omitempty"`
	ProductRating   *float64  `json:"product_rating,omitempty"`
	ReviewsCount    int       `json:"reviews_count"`
	SalesCount      int       `json:"sales_count"`
	Sales7d         int       `json:"sales_7d"`
	Sales30d        int       `json:"sales_30d"`
	CommissionRate  *float64  `json:"commission_rate,omitempty"`
	ImageURL        *string   `json:"image_url,omitempty"`
	Images          []string  `json:"images"`
	VideoURL        *string   `json:"video_url,omitempty"`
	ProductURL      string    `json:"product_url"`
	AffiliateURL    *string   `json:"affiliate_url,omitempty"`
	HasFreeShipping bool      `json:"has_free_shipping"`
	IsTrending      bool      `json:"is_trending"`
	IsOnSale        bool      `json:"is_on_sale"`
	InStock         bool      `json:"in_stock"`
	StockLevel      *int      `json:"stock_level,omitempty"`
	CollectedAt     time.Time `json:"collected_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProductHistory is one point of the price/sales trend of a product.
type ProductHistory struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	Price       float64   `json:"price"`
	SalesCount  int       `json:"sales_count"`
	StockLevel  *int      `json:"stock_level,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

func NewProduct(sourceID string) *Product {
	now := time.Now().UTC()
	return &Product{
		ID:          uuid.New().String(),
		SourceID:    sourceID,
		Currency:    DefaultCurrency,
		Images:      make([]string, 0),
		InStock:     true,
		CollectedAt: now,
		UpdatedAt:   now,
	}
}

// SetOriginalPrice records the pre-discount price and derives IsOnSale from it.
func (p *Product) SetOriginalPrice(original float64) {
	p.OriginalPrice = &original
	p.IsOnSale = original > p.Price
}

// HistoryEntry snapshots the fields tracked over time.
func (p *Product) HistoryEntry() ProductHistory {
	return ProductHistory{
		ID:          uuid.New().String(),
		ProductID:   p.ID,
		Price:       p.Price,
		SalesCount:  p.SalesCount,
		StockLevel:  p.StockLevel,
		CollectedAt: p.CollectedAt,
	}
}

func (p *Product) Validate() []string {
	var errors []string

	if p.SourceID == "" {
		errors = append(errors, "source id is required")
	}

	if p.Title == "" {
		errors = append(errors, "title is required")
	}

	if p.Price < 0 {
		errors = append(errors, "price must not be negative")
	}

	return errors
}
