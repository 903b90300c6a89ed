package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arkheioncorp/didin-facil/internal/models"
	"github.com/jackc/pgx/v5"
)

// ProductRepository persists scrape results. It satisfies scraper.Store.
type ProductRepository struct {
	db     *DB
	outbox *OutboxRepository
	logger *slog.Logger
}

func NewProductRepository(db *DB, logger *slog.Logger) *ProductRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProductRepository{
		db:     db,
		outbox: NewOutboxRepository(db),
		logger: logger.With("component", "product_repository"),
	}
}

const upsertProductQuery = `
	INSERT INTO products (
		id, source_id, title, description, price, original_price, currency,
		category, subcategory, seller_name, seller_rating, product_rating,
		reviews_count, sales_count, sales_7d, sales_30d, commission_rate,
		image_url, images, video_url, product_url, affiliate_url,
		has_free_shipping, is_trending, is_on_sale, in_stock, stock_level,
		collected_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29
	)
	ON CONFLICT (source_id) DO UPDATE SET
		title = EXCLUDED.title,
		description = COALESCE(EXCLUDED.description, products.description),
		price = EXCLUDED.price,
		original_price = EXCLUDED.original_price,
		seller_name = COALESCE(EXCLUDED.seller_name, products.seller_name),
		seller_rating = COALESCE(EXCLUDED.seller_rating, products.seller_rating),
		product_rating = COALESCE(EXCLUDED.product_rating, products.product_rating),
		reviews_count = EXCLUDED.reviews_count,
		sales_count = EXCLUDED.sales_count,
		sales_7d = EXCLUDED.sales_7d,
		sales_30d = EXCLUDED.sales_30d,
		image_url = COALESCE(EXCLUDED.image_url, products.image_url),
		images = EXCLUDED.images,
		video_url = COALESCE(EXCLUDED.video_url, products.video_url),
		product_url = EXCLUDED.product_url,
		has_free_shipping = EXCLUDED.has_free_shipping,
		is_trending = EXCLUDED.is_trending,
		is_on_sale = EXCLUDED.is_on_sale,
		in_stock = EXCLUDED.in_stock,
		stock_level = EXCLUDED.stock_level,
		updated_at = EXCLUDED.updated_at
	RETURNING id`

// SaveProducts upserts the batch by source id in one transaction, adding a
// history row and a PRODUCT_COLLECTED outbox event per product.
func (r *ProductRepository) SaveProducts(ctx context.Context, products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	err := r.db.Transaction(ctx, func(tx pgx.Tx) error {
		for i := range products {
			if err := r.saveProduct(ctx, tx, &products[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("products saved", "count", len(products))
	return nil
}

func (r *ProductRepository) saveProduct(ctx context.Context, tx pgx.Tx, p *models.Product) error {
	images, err := json.Marshal(p.Images)
	if err != nil {
		return fmt.Errorf("failed to marshal images: %w", err)
	}

	// an existing row keeps its id; history and events follow the stored one
	var id string
	err = tx.QueryRow(ctx, upsertProductQuery,
		p.ID, p.SourceID, p.Title, p.Description, p.Price, p.OriginalPrice, p.Currency,
		p.Category, p.Subcategory, p.SellerName, p.SellerRating, p.ProductRating,
		p.ReviewsCount, p.SalesCount, p.Sales7d, p.Sales30d, p.CommissionRate,
		p.ImageURL, images, p.VideoURL, p.ProductURL, p.AffiliateURL,
		p.HasFreeShipping, p.IsTrending, p.IsOnSale, p.InStock, p.StockLevel,
		p.CollectedAt, p.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.SourceID, err)
	}
	p.ID = id

	h := p.HistoryEntry()
	_, err = tx.Exec(ctx, `
		INSERT INTO product_history (id, product_id, price, sales_count, stock_level, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.ProductID, h.Price, h.SalesCount, h.StockLevel, h.CollectedAt)
	if err != nil {
		return fmt.Errorf("failed to insert product history: %w", err)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal product event: %w", err)
	}

	return r.outbox.InsertWithTx(ctx, tx, &OutboxEvent{
		AggregateType: AggregateProduct,
		AggregateID:   p.ID,
		EventType:     EventProductCollected,
		Payload:       payload,
		TargetStream:  ProductsStream,
	})
}

func (r *ProductRepository) SaveErrorPage(ctx context.Context, url, html string) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO error_pages (url, html, created_at) VALUES ($1, $2, $3)`,
		url, html, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save error page: %w", err)
	}
	return nil
}

// GetBySourceID returns nil, nil when no product has that source id.
func (r *ProductRepository) GetBySourceID(ctx context.Context, sourceID string) (*models.Product, error) {
	query := `
		SELECT id, source_id, title, price, original_price, currency, sales_count,
			   product_url, in_stock, stock_level, collected_at, updated_at
		FROM products
		WHERE source_id = $1`

	p := &models.Product{}
	err := r.db.pool.QueryRow(ctx, query, sourceID).Scan(
		&p.ID, &p.SourceID, &p.Title, &p.Price, &p.OriginalPrice, &p.Currency, &p.SalesCount,
		&p.ProductURL, &p.InStock, &p.StockLevel, &p.CollectedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// History returns the trend rows of a product, oldest first.
func (r *ProductRepository) History(ctx context.Context, productID string) ([]models.ProductHistory, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, product_id, price, sales_count, stock_level, collected_at
		FROM product_history
		WHERE product_id = $1
		ORDER BY collected_at ASC`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query product history: %w", err)
	}
	defer rows.Close()

	var history []models.ProductHistory
	for rows.Next() {
		var h models.ProductHistory
		if err := rows.Scan(&h.ID, &h.ProductID, &h.Price, &h.SalesCount, &h.StockLevel, &h.CollectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return history, nil
}

func (r *ProductRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return count, nil
}
