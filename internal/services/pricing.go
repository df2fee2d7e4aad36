package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/repositories"
)

const (
	minLineQuantity = 1
	maxLineQuantity = 100
	maxOrderLines   = 50
)

// PricingSnapshotter copies current catalog prices into order lines. Prices
// are read once here and never again for the order.
type PricingSnapshotter struct {
	catalog repositories.CatalogRepository
}

// NewPricingSnapshotter builds a snapshotter over catalog.
func NewPricingSnapshotter(catalog repositories.CatalogRepository) (*PricingSnapshotter, error) {
	if catalog == nil {
		return nil, errors.New("pricing snapshotter: catalog repository is required")
	}
	return &PricingSnapshotter{catalog: catalog}, nil
}

// Snapshot validates the requested lines and returns them priced, with the total.
// Each distinct item is looked up once.
func (p *PricingSnapshotter) Snapshot(ctx context.Context, requested []OrderLineRequest) ([]domain.OrderLine, int64, error) {
	if len(requested) == 0 {
		return nil, 0, fmt.Errorf("%w: at least one line is required", ErrOrderInvalidInput)
	}
	if len(requested) > maxOrderLines {
		return nil, 0, fmt.Errorf("%w: at most %d lines are allowed", ErrOrderInvalidInput, maxOrderLines)
	}
	for i, line := range requested {
		if line.ItemID <= 0 {
			return nil, 0, fmt.Errorf("%w: line %d: item id is required", ErrOrderInvalidInput, i+1)
		}
		if line.Quantity < minLineQuantity || line.Quantity > maxLineQuantity {
			return nil, 0, fmt.Errorf("%w: line %d: quantity must be between %d and %d", ErrOrderInvalidInput, i+1, minLineQuantity, maxLineQuantity)
		}
	}

	items := make(map[int64]domain.CatalogItem, len(requested))
	lines := make([]domain.OrderLine, 0, len(requested))
	for i, line := range requested {
		item, ok := items[line.ItemID]
		if !ok {
			var err error
			item, err = p.catalog.Get(ctx, line.ItemID)
			if err != nil {
				if repositories.IsNotFound(err) {
					return nil, 0, fmt.Errorf("%w: item %d", ErrCatalogItemNotFound, line.ItemID)
				}
				return nil, 0, mapRepositoryError(err, ErrCatalogItemNotFound)
			}
			items[line.ItemID] = item
		}
		lines = append(lines, domain.OrderLine{
			ID:             int64(i + 1),
			CatalogItemID:  item.ID,
			Name:           item.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: item.PriceCents,
		})
	}
	return lines, domain.SumLines(lines), nil
}
