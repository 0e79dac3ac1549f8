// Package web serves the live catalog page using templ components.
package web

import (
	"context"
	"net/http"

	"github.com/catalogcast/catalog-server/internal/catalog"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

// Lister is the catalog read the page needs.
type Lister interface {
	List(ctx context.Context) ([]*catalog.Product, error)
}

// Handler handles web UI requests.
type Handler struct {
	catalog    Lister
	socketPath string
	log        *logger.Logger
}

// NewHandler creates a new web handler. socketPath is where the page
// opens its change feed, usually /ws or a URL on the IO listener.
func NewHandler(catalog Lister, socketPath string, log *logger.Logger) *Handler {
	if socketPath == "" {
		socketPath = "/ws"
	}
	return &Handler{
		catalog:    catalog,
		socketPath: socketPath,
		log:        log.WithComponent("web"),
	}
}

// RegisterRoutes registers web routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleCatalogPage)
}

// handleCatalogPage renders the current catalog. The page script applies
// change frames as they arrive.
func (h *Handler) handleCatalogPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := CatalogPageData{SocketPath: h.socketPath}
	products, err := h.catalog.List(ctx)
	if err != nil {
		h.log.WithContext(ctx).Error("Failed to list products", "error", err)
		data.Error = "Catalog is temporarily unavailable"
	}
	data.Products = products

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := CatalogPage(data).Render(ctx, w); err != nil {
		h.log.Error("Failed to render catalog page", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
