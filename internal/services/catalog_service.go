package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/repositories"
)

// DefaultMenu is the starter catalog loaded when seeding is enabled.
var DefaultMenu = []domain.CatalogItem{
	{ID: 1, Name: "Classic Burger", Description: "Juicy beef patty with lettuce, tomato, and special sauce", PriceCents: 899},
	{ID: 2, Name: "Chicken Sandwich", Description: "Crispy chicken breast with mayo and pickles", PriceCents: 799},
	{ID: 3, Name: "Veggie Wrap", Description: "Fresh vegetables wrapped in a whole wheat tortilla", PriceCents: 699},
	{ID: 4, Name: "French Fries", Description: "Crispy golden fries with sea salt", PriceCents: 399},
	{ID: 5, Name: "Onion Rings", Description: "Beer-battered onion rings", PriceCents: 499},
	{ID: 6, Name: "Caesar Salad", Description: "Romaine lettuce with parmesan and croutons", PriceCents: 749},
	{ID: 7, Name: "Milkshake", Description: "Thick and creamy - vanilla, chocolate, or strawberry", PriceCents: 499},
	{ID: 8, Name: "Soda", Description: "Coca-Cola, Sprite, or Fanta", PriceCents: 199},
	{ID: 9, Name: "Pizza Slice", Description: "New York style cheese pizza", PriceCents: 349},
	{ID: 10, Name: "Hot Dog", Description: "All-beef hot dog with your choice of toppings", PriceCents: 449},
}

// CatalogServiceDeps bundles collaborators of the catalog service.
type CatalogServiceDeps struct {
	Catalog repositories.CatalogRepository
	Seed    []domain.CatalogItem
	Logger  Logger
}

type catalogService struct {
	catalog repositories.CatalogRepository
	seed    []domain.CatalogItem
	logger  Logger
}

// NewCatalogService builds the read side of the menu. Seed defaults to DefaultMenu.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog service: catalog repository is required")
	}
	seed := deps.Seed
	if seed == nil {
		seed = DefaultMenu
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{catalog: deps.Catalog, seed: seed, logger: logger}, nil
}

func (s *catalogService) ListItems(ctx context.Context) ([]domain.CatalogItem, error) {
	items, err := s.catalog.List(ctx)
	if err != nil {
		return nil, mapRepositoryError(err, ErrCatalogItemNotFound)
	}
	return items, nil
}

func (s *catalogService) GetItem(ctx context.Context, itemID int64) (domain.CatalogItem, error) {
	if itemID <= 0 {
		return domain.CatalogItem{}, fmt.Errorf("%w: item id must be positive", ErrOrderInvalidInput)
	}
	item, err := s.catalog.Get(ctx, itemID)
	if err != nil {
		return domain.CatalogItem{}, mapRepositoryError(err, ErrCatalogItemNotFound)
	}
	return item, nil
}

// Seed upserts the seed menu and returns how many items were written.
func (s *catalogService) Seed(ctx context.Context) (int, error) {
	for i, item := range s.seed {
		if _, err := s.catalog.Upsert(ctx, item); err != nil {
			return i, mapRepositoryError(err, ErrCatalogItemNotFound)
		}
	}
	s.logger(ctx, "catalog.seeded", map[string]any{"items": len(s.seed)})
	return len(s.seed), nil
}
