package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arkheioncorp/didin-facil/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	source_id TEXT UNIQUE NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	price REAL NOT NULL,
	original_price REAL,
	currency TEXT DEFAULT 'BRL',
	category TEXT,
	subcategory TEXT,
	seller_name TEXT,
	seller_rating REAL,
	product_rating REAL,
	reviews_count INTEGER DEFAULT 0,
	sales_count INTEGER DEFAULT 0,
	sales_7d INTEGER DEFAULT 0,
	sales_30d INTEGER DEFAULT 0,
	commission_rate REAL,
	image_url TEXT,
	images TEXT,
	video_url TEXT,
	product_url TEXT NOT NULL,
	affiliate_url TEXT,
	has_free_shipping INTEGER DEFAULT 0,
	is_trending INTEGER DEFAULT 0,
	is_on_sale INTEGER DEFAULT 0,
	in_stock INTEGER DEFAULT 1,
	stock_level INTEGER,
	collected_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS product_history (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	price REAL NOT NULL,
	sales_count INTEGER DEFAULT 0,
	stock_level INTEGER,
	collected_at DATETIME NOT NULL,
	FOREIGN KEY (product_id) REFERENCES products(id)
);

CREATE TABLE IF NOT EXISTS error_pages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	html TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS collection_logs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	products_found INTEGER DEFAULT 0,
	products_saved INTEGER DEFAULT 0,
	errors_count INTEGER DEFAULT 0,
	duration_ms INTEGER DEFAULT 0,
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_products_collected_at ON products(collected_at);
CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);
CREATE INDEX IF NOT EXISTS idx_product_history_product ON product_history(product_id, collected_at);
`

const upsertProduct = `
INSERT INTO products (
	id, source_id, title, description, price, original_price, currency,
	category, subcategory, seller_name, seller_rating, product_rating,
	reviews_count, sales_count, sales_7d, sales_30d, commission_rate,
	image_url, images, video_url, product_url, affiliate_url,
	has_free_shipping, is_trending, is_on_sale, in_stock, stock_level,
	collected_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_id) DO UPDATE SET
	title = excluded.title,
	description = COALESCE(excluded.description, products.description),
	price = excluded.price,
	original_price = excluded.original_price,
	seller_name = COALESCE(excluded.seller_name, products.seller_name),
	product_rating = COALESCE(excluded.product_rating, products.product_rating),
	reviews_count = excluded.reviews_count,
	sales_count = excluded.sales_count,
	image_url = COALESCE(excluded.image_url, products.image_url),
	images = excluded.images,
	product_url = excluded.product_url,
	has_free_shipping = excluded.has_free_shipping,
	is_on_sale = excluded.is_on_sale,
	in_stock = excluded.in_stock,
	stock_level = excluded.stock_level,
	updated_at = excluded.updated_at
`

// CollectionLog summarises one scrape run.
type CollectionLog struct {
	ID            string
	Status        string
	ProductsFound int
	ProductsSaved int
	ErrorsCount   int
	Duration      time.Duration
	StartedAt     time.Time
	CompletedAt   time.Time
}

// SQLiteStore is the local product database. It satisfies scraper.Store.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between the run and pollers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveProducts upserts by source id and appends one history row per product,
// all in one transaction.
func (s *SQLiteStore) SaveProducts(ctx context.Context, products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range products {
		images, err := json.Marshal(p.Images)
		if err != nil {
			return fmt.Errorf("failed to marshal images: %w", err)
		}

		_, err = tx.ExecContext(ctx, upsertProduct,
			p.ID, p.SourceID, p.Title, p.Description, p.Price, p.OriginalPrice, p.Currency,
			p.Category, p.Subcategory, p.SellerName, p.SellerRating, p.ProductRating,
			p.ReviewsCount, p.SalesCount, p.Sales7d, p.Sales30d, p.CommissionRate,
			p.ImageURL, string(images), p.VideoURL, p.ProductURL, p.AffiliateURL,
			p.HasFreeShipping, p.IsTrending, p.IsOnSale, p.InStock, p.StockLevel,
			p.CollectedAt.UTC(), p.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert product %s: %w", p.SourceID, err)
		}

		// the stored id wins when the product was seen in an earlier run
		var productID string
		if err := tx.QueryRowContext(ctx, "SELECT id FROM products WHERE source_id = ?", p.SourceID).Scan(&productID); err != nil {
			return fmt.Errorf("failed to look up product %s: %w", p.SourceID, err)
		}

		h := p.HistoryEntry()
		_, err = tx.ExecContext(ctx,
			"INSERT INTO product_history (id, product_id, price, sales_count, stock_level, collected_at) VALUES (?, ?, ?, ?, ?, ?)",
			h.ID, productID, h.Price, h.SalesCount, h.StockLevel, h.CollectedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveErrorPage(ctx context.Context, url, html string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO error_pages (url, html, created_at) VALUES (?, ?, ?)",
		url, html, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert error page: %w", err)
	}
	return nil
}

// GetBySourceID returns nil, nil when the product is unknown.
func (s *SQLiteStore) GetBySourceID(ctx context.Context, sourceID string) (*models.Product, error) {
	var (
		p      models.Product
		images sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, title, description, price, original_price, currency,
			seller_name, product_rating, reviews_count, sales_count, image_url, images,
			product_url, has_free_shipping, is_on_sale, in_stock, stock_level,
			collected_at, updated_at
		FROM products WHERE source_id = ?`, sourceID).Scan(
		&p.ID, &p.SourceID, &p.Title, &p.Description, &p.Price, &p.OriginalPrice, &p.Currency,
		&p.SellerName, &p.ProductRating, &p.ReviewsCount, &p.SalesCount, &p.ImageURL, &images,
		&p.ProductURL, &p.HasFreeShipping, &p.IsOnSale, &p.InStock, &p.StockLevel,
		&p.CollectedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query product: %w", err)
	}

	p.Images = make([]string, 0)
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &p.Images); err != nil {
			return nil, fmt.Errorf("failed to unmarshal images: %w", err)
		}
	}
	return &p, nil
}

// History returns the trend rows of a product, oldest first.
func (s *SQLiteStore) History(ctx context.Context, productID string) ([]models.ProductHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, price, sales_count, stock_level, collected_at
		FROM product_history
		WHERE product_id = ?
		ORDER BY collected_at ASC`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
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
	return history, rows.Err()
}

func (s *SQLiteStore) ErrorPageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM error_pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count error pages: %w", err)
	}
	return n, nil
}

// RecordCollection stores a run summary. An empty ID gets a fresh uuid.
func (s *SQLiteStore) RecordCollection(ctx context.Context, log CollectionLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_logs (id, status, products_found, products_saved, errors_count, duration_ms, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.Status, log.ProductsFound, log.ProductsSaved, log.ErrorsCount,
		log.Duration.Milliseconds(), log.StartedAt.UTC(), log.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert collection log: %w", err)
	}
	return nil
}

// RecentCollections returns the latest run summaries, newest first.
func (s *SQLiteStore) RecentCollections(ctx context.Context, limit int) ([]CollectionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, products_found, products_saved, errors_count, duration_ms, started_at, completed_at
		FROM collection_logs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection logs: %w", err)
	}
	defer rows.Close()

	var logs []CollectionLog
	for rows.Next() {
		var (
			l          CollectionLog
			durationMS int64
			completed  sql.NullTime
		)
		if err := rows.Scan(&l.ID, &l.Status, &l.ProductsFound, &l.ProductsSaved, &l.ErrorsCount, &durationMS, &l.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan collection log: %w", err)
		}
		l.Duration = time.Duration(durationMS) * time.Millisecond
		if completed.Valid {
			l.CompletedAt = completed.Time
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
