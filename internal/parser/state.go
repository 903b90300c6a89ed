package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/antchfx/jsonquery"
	"github.com/arkheioncorp/didin-facil/internal/models"
)

const productURLBase = "https://shop.tiktok.com/product/"

// stateScript returns the embedded product list as a JSON string, or null.
const stateScript = `(() => {
  const state = window.__INITIAL_STATE__;
  if (state) {
    if (state.products) return JSON.stringify(state.products);
    if (state.productList && state.productList.products) return JSON.stringify(state.productList.products);
    if (state.shop && state.shop.products) return JSON.stringify(state.shop.products);
    if (state.search && state.search.item_list) return JSON.stringify(state.search.item_list);
  }
  const sigi = document.getElementById('SIGI_STATE');
  if (sigi) {
    try {
      const data = JSON.parse(sigi.textContent);
      if (data.ItemModule) return JSON.stringify(Object.values(data.ItemModule));
    } catch (e) {}
  }
  return null;
})()`

// ParseState maps a JSON array of product objects. Items without an id are
// skipped; anything other than an array yields no products.
func ParseState(jsonText string) ([]models.Product, error) {
	trimmed := strings.TrimSpace(jsonText)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if !strings.HasPrefix(trimmed, "[") {
		return nil, nil
	}

	doc, err := jsonquery.Parse(strings.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse state json: %w", err)
	}

	var products []models.Product
	for _, item := range doc.ChildNodes() {
		if p, ok := productFromState(item); ok {
			products = append(products, *p)
		}
	}
	return products, nil
}

func lookup(item *jsonquery.Node, keys ...string) (any, bool) {
	for _, key := range keys {
		if n := item.SelectElement(key); n != nil {
			if v := n.Value(); v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func lookupString(item *jsonquery.Node, keys ...string) (string, bool) {
	for _, key := range keys {
		if n := item.SelectElement(key); n != nil {
			if s, ok := n.Value().(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func lookupStringPtr(item *jsonquery.Node, keys ...string) *string {
	if s, ok := lookupString(item, keys...); ok {
		return &s
	}
	return nil
}

func lookupFloat(item *jsonquery.Node, keys ...string) (float64, bool) {
	for _, key := range keys {
		if n := item.SelectElement(key); n != nil {
			if f, ok := n.Value().(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func lookupBool(item *jsonquery.Node, key string, fallback bool) bool {
	if n := item.SelectElement(key); n != nil {
		if b, ok := n.Value().(bool); ok {
			return b
		}
	}
	return fallback
}

func sourceID(item *jsonquery.Node) (string, bool) {
	v, ok := lookup(item, "id", "productId", "product_id")
	if !ok {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	}
	return "", false
}

func priceValue(v any) float64 {
	switch p := v.(type) {
	case float64:
		return p
	case string:
		return ParsePrice(p)
	case map[string]any:
		if f, ok := p["value"].(float64); ok {
			return f
		}
	}
	return 0
}

func countValue(item *jsonquery.Node, key string) int {
	v, ok := lookup(item, key)
	if !ok {
		return 0
	}
	switch c := v.(type) {
	case float64:
		return int(c)
	case string:
		return ParseCount(c)
	}
	return 0
}

func productFromState(item *jsonquery.Node) (*models.Product, bool) {
	id, ok := sourceID(item)
	if !ok {
		return nil, false
	}

	p := models.NewProduct(id)
	p.Title, _ = lookupString(item, "title", "name")

	if v, ok := lookup(item, "price"); ok {
		p.Price = priceValue(v)
	}
	if currency, ok := lookupString(item, "currency"); ok && currency != "" {
		p.Currency = currency
	}

	if v, ok := lookup(item, "originalPrice", "original_price"); ok {
		p.SetOriginalPrice(priceValue(v))
	} else {
		p.IsOnSale = lookupBool(item, "isOnSale", false)
	}

	p.Description = lookupStringPtr(item, "description")
	p.Category = lookupStringPtr(item, "category")
	p.Subcategory = lookupStringPtr(item, "subcategory")
	p.SellerName = lookupStringPtr(item, "seller/name")
	if rating, ok := lookupFloat(item, "seller/rating"); ok {
		p.SellerRating = &rating
	}
	if v, ok := lookup(item, "rating"); ok {
		p.ProductRating = ExtractRating(v)
	}
	if reviews, ok := lookupFloat(item, "reviewCount"); ok {
		p.ReviewsCount = int(reviews)
	}

	p.SalesCount = countValue(item, "salesCount")
	p.Sales7d = countValue(item, "sales7d")
	p.Sales30d = countValue(item, "sales30d")

	if rate, ok := lookupFloat(item, "commissionRate"); ok {
		p.CommissionRate = &rate
	}

	p.ImageURL = lookupStringPtr(item, "imageUrl", "image")
	if v, ok := lookup(item, "images"); ok {
		if list, ok := v.([]any); ok {
			for _, img := range list {
				if s, ok := img.(string); ok {
					p.Images = append(p.Images, s)
				}
			}
		}
	}
	p.VideoURL = lookupStringPtr(item, "videoUrl")

	if url, ok := lookupString(item, "url"); ok {
		p.ProductURL = url
	} else {
		p.ProductURL = productURLBase + id
	}
	p.AffiliateURL = lookupStringPtr(item, "affiliateUrl")

	p.HasFreeShipping = lookupBool(item, "freeShipping", false)
	p.IsTrending = lookupBool(item, "isTrending", false)
	p.InStock = lookupBool(item, "inStock", true)

	if stock, ok := lookupFloat(item, "stock", "stockLevel", "quantity"); ok {
		level := int(stock)
		p.StockLevel = &level
	}

	return p, true
}
