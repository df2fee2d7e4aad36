package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jbites/api/internal/services"
)

// PublicHandlers serves the menu without authentication.
type PublicHandlers struct {
	catalog services.CatalogService
}

// NewPublicHandlers constructs PublicHandlers.
func NewPublicHandlers(catalog services.CatalogService) *PublicHandlers {
	return &PublicHandlers{catalog: catalog}
}

// Routes registers the /public endpoints.
func (h *PublicHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/items", h.listItems)
	r.Get("/items/{itemID}", h.getItem)
}

func (h *PublicHandlers) listItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		writeUnavailable(ctx, w, "catalog")
		return
	}
	items, err := h.catalog.ListItems(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	out := make([]catalogItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, newCatalogItemResponse(item))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": out})
}

func (h *PublicHandlers) getItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		writeUnavailable(ctx, w, "catalog")
		return
	}
	id, ok := idParam(r, "itemID")
	if !ok {
		writeBadRequest(ctx, w, "item id must be a positive integer")
		return
	}
	item, err := h.catalog.GetItem(ctx, id)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newCatalogItemResponse(item))
}
