package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/arkheioncorp/didin-facil/internal/models"
	"github.com/google/uuid"
)

const (
	titleSelector = "[data-e2e='product-title'], .product-title, h3, h4"
	priceSelector = "[data-e2e='product-price'], .product-price, .price"
)

var (
	productIDPattern = regexp.MustCompile(`/product/(\d+)`)

	titleMatcher = cascadia.MustCompile(titleSelector)
	priceMatcher = cascadia.MustCompile(priceSelector)
	imageMatcher = cascadia.MustCompile("img")
	linkMatcher  = cascadia.MustCompile("a")
)

// ParseHTML extracts product cards from rendered markup. Selectors are tried
// in order and the first one that yields products wins.
func (p *Parser) ParseHTML(html string) ([]models.Product, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	for _, raw := range p.selectors {
		sel, err := p.compile(raw)
		if err != nil {
			continue
		}

		cards := doc.FindMatcher(sel)
		if cards.Length() == 0 {
			continue
		}
		p.logger.Debug("found product cards", "selector", raw, "count", cards.Length())

		products := make([]models.Product, 0, cards.Length())
		cards.Each(func(_ int, card *goquery.Selection) {
			products = append(products, *productFromCard(card))
		})
		if len(products) > 0 {
			return products, nil
		}
	}

	p.logger.Warn("no products found in DOM")
	return nil, nil
}

func productFromCard(card *goquery.Selection) *models.Product {
	title := strings.TrimSpace(card.FindMatcher(titleMatcher).First().Text())

	priceText := "0"
	if price := card.FindMatcher(priceMatcher).First(); price.Length() > 0 {
		priceText = price.Text()
	}

	href, _ := card.FindMatcher(linkMatcher).First().Attr("href")

	id := ExtractProductID(href)
	if id == "" {
		id = uuid.New().String()
	}

	p := models.NewProduct(id)
	p.Title = title
	p.Price = ParsePrice(priceText)
	p.ProductURL = href
	if src, ok := card.FindMatcher(imageMatcher).First().Attr("src"); ok {
		p.ImageURL = &src
	}

	return p
}

// ExtractProductID returns the numeric id in a /product/<id> path, or "".
func ExtractProductID(url string) string {
	m := productIDPattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}
