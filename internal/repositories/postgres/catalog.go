package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/repositories"
)

type CatalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) Get(ctx context.Context, id int64) (domain.CatalogItem, error) {
	var item domain.CatalogItem
	err := r.db.QueryRowContext(ctx, `SELECT id, name, description, price_cents FROM catalog_items WHERE id = $1`, id).
		Scan(&item.ID, &item.Name, &item.Description, &item.PriceCents)
	if err != nil {
		return domain.CatalogItem{}, classify("catalog.get", err)
	}
	return item, nil
}

func (r *CatalogRepository) List(ctx context.Context) ([]domain.CatalogItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, description, price_cents FROM catalog_items ORDER BY id`)
	if err != nil {
		return nil, classify("catalog.list", err)
	}
	defer rows.Close()
	items := make([]domain.CatalogItem, 0)
	for rows.Next() {
		var item domain.CatalogItem
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.PriceCents); err != nil {
			return nil, classify("catalog.list", err)
		}
		items = append(items, item)
	}
	return items, classify("catalog.list", rows.Err())
}

// Upsert writes item. An explicit id is kept and the id sequence is moved past it.
func (r *CatalogRepository) Upsert(ctx context.Context, item domain.CatalogItem) (domain.CatalogItem, error) {
	if item.ID == 0 {
		err := r.db.QueryRowContext(ctx,
			`INSERT INTO catalog_items (name, description, price_cents) VALUES ($1, $2, $3) RETURNING id`,
			item.Name, item.Description, item.PriceCents).Scan(&item.ID)
		return item, classify("catalog.upsert", err)
	}
	err := withTx(ctx, r.db, "catalog.upsert", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_items (id, name, description, price_cents) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, price_cents = EXCLUDED.price_cents`,
			item.ID, item.Name, item.Description, item.PriceCents); err != nil {
			return classify("catalog.upsert", err)
		}
		_, err := tx.ExecContext(ctx, `SELECT setval(pg_get_serial_sequence('catalog_items', 'id'), GREATEST((SELECT MAX(id) FROM catalog_items), 1))`)
		return classify("catalog.upsert", err)
	})
	return item, err
}

type WebhookEventRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db, now: time.Now}
}

func (r *WebhookEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, strings.TrimSpace(eventID)).Scan(&exists)
	if err != nil {
		return false, classify("webhook_events.exists", err)
	}
	return exists, nil
}

func (r *WebhookEventRepository) Record(ctx context.Context, event domain.WebhookEvent) error {
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = r.now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, order_id, processed_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		strings.TrimSpace(event.EventID), event.Type, event.OrderID, event.ProcessedAt)
	if err != nil {
		return classify("webhook_events.record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repositories.NewConflict("webhook_events.record", fmt.Errorf("event %s already recorded", event.EventID))
	}
	return nil
}
