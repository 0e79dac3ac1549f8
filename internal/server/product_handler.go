package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/catalogcast/catalog-server/internal/catalog"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
)

// maxProductBody bounds a product JSON body.
const maxProductBody = 1 << 20

// productHandler handles product-related HTTP requests.
type productHandler struct {
	svc *catalog.Service
}

// RegisterRoutes registers product routes.
func (h *productHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /products", h.handleList)
	mux.HandleFunc("POST /products", h.handleCreate)
	mux.HandleFunc("GET /products/{id}", h.handleGet)
	mux.HandleFunc("PUT /products/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /products/{id}", h.handleDelete)
}

// handleList handles GET /products
func (h *productHandler) handleList(w http.ResponseWriter, r *http.Request) {
	products, err := h.svc.List(r.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

// handleCreate handles POST /products
func (h *productHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(w, r)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	p, err := h.svc.Create(r.Context(), in)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	w.Header().Set("Location", "/products/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

// handleGet handles GET /products/{id}
func (h *productHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpdate handles PUT /products/{id}
func (h *productHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(w, r)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	p, err := h.svc.Update(r.Context(), r.PathValue("id"), in)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDelete handles DELETE /products/{id}
func (h *productHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		errors.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeInput(w http.ResponseWriter, r *http.Request) (catalog.Input, error) {
	var in catalog.Input
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProductBody))
	if err := dec.Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return in, errors.New(errors.CodeTooLarge, "request body too large")
		}
		return in, errors.InvalidRequestError("invalid request body")
	}
	return in, nil
}
