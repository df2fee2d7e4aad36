package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/jbites/api/internal/domain"
	pfirestore "github.com/jbites/api/internal/platform/firestore"
	"github.com/jbites/api/internal/repositories"
)

const (
	catalogCollection = "catalog_items"
	catalogCounterID  = "catalog_items"
	webhookCollection = "webhook_events"
)

type catalogDocument struct {
	ID          int64  `firestore:"id"`
	Name        string `firestore:"name"`
	Description string `firestore:"description"`
	PriceCents  int64  `firestore:"priceCents"`
}

type CatalogRepository struct {
	store txRunner
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

func NewCatalogRepository(provider *pfirestore.Provider) *CatalogRepository {
	return &CatalogRepository{store: provider}
}

func (r *CatalogRepository) Get(ctx context.Context, id int64) (domain.CatalogItem, error) {
	client, err := r.store.Client(ctx)
	if err != nil {
		return domain.CatalogItem{}, repositories.NewUnavailable("catalog.get", err)
	}
	snap, err := client.Collection(catalogCollection).Doc(orderDocID(id)).Get(ctx)
	if err != nil {
		return domain.CatalogItem{}, pfirestore.WrapError("catalog.get", err)
	}
	var doc catalogDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.CatalogItem{}, fmt.Errorf("decode catalog item %d: %w", id, err)
	}
	return domain.CatalogItem(doc), nil
}

func (r *CatalogRepository) List(ctx context.Context) ([]domain.CatalogItem, error) {
	client, err := r.store.Client(ctx)
	if err != nil {
		return nil, repositories.NewUnavailable("catalog.list", err)
	}
	snaps, err := client.Collection(catalogCollection).OrderBy("id", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("catalog.list", err)
	}
	items := make([]domain.CatalogItem, 0, len(snaps))
	for _, snap := range snaps {
		var doc catalogDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode catalog item %s: %w", snap.Ref.ID, err)
		}
		items = append(items, domain.CatalogItem(doc))
	}
	return items, nil
}

// Upsert writes item, allocating an id from the catalog counter when it has none.
func (r *CatalogRepository) Upsert(ctx context.Context, item domain.CatalogItem) (domain.CatalogItem, error) {
	client, err := r.store.Client(ctx)
	if err != nil {
		return domain.CatalogItem{}, repositories.NewUnavailable("catalog.upsert", err)
	}
	err = r.store.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if item.ID == 0 {
			id, ref, counter, err := nextValue(tx, client, catalogCounterID, time.Now().UTC())
			if err != nil {
				return err
			}
			item.ID = id
			if err := tx.Set(ref, counter); err != nil {
				return err
			}
		}
		return tx.Set(client.Collection(catalogCollection).Doc(orderDocID(item.ID)), catalogDocument(item))
	})
	if err != nil {
		return domain.CatalogItem{}, pfirestore.WrapError("catalog.upsert", err)
	}
	return item, nil
}

type webhookEventDocument struct {
	EventID     string    `firestore:"eventId"`
	Type        string    `firestore:"type"`
	OrderID     int64     `firestore:"orderId"`
	ProcessedAt time.Time `firestore:"processedAt"`
}

// WebhookEventRepository keys documents by processor event id, so Create
// enforces uniqueness.
type WebhookEventRepository struct {
	store txRunner
	now   func() time.Time
}

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)

func NewWebhookEventRepository(provider *pfirestore.Provider) *WebhookEventRepository {
	return &WebhookEventRepository{store: provider, now: time.Now}
}

func (r *WebhookEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	client, err := r.store.Client(ctx)
	if err != nil {
		return false, repositories.NewUnavailable("webhook_events.exists", err)
	}
	_, err = client.Collection(webhookCollection).Doc(eventID).Get(ctx)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, pfirestore.WrapError("webhook_events.exists", err)
}

func (r *WebhookEventRepository) Record(ctx context.Context, event domain.WebhookEvent) error {
	client, err := r.store.Client(ctx)
	if err != nil {
		return repositories.NewUnavailable("webhook_events.record", err)
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = r.now().UTC()
	}
	_, err = client.Collection(webhookCollection).Doc(event.EventID).Create(ctx, webhookEventDocument(event))
	return pfirestore.WrapError("webhook_events.record", err)
}

// Ledger bundles the Firestore repositories over provider.
func Ledger(provider *pfirestore.Provider) repositories.Ledger {
	return repositories.Ledger{
		Orders:        NewOrderRepository(provider),
		Catalog:       NewCatalogRepository(provider),
		WebhookEvents: NewWebhookEventRepository(provider),
		Ping:          provider.Ping,
		Close:         provider.Close,
	}
}
