package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/toolcrib/toolcrib/internal/platform/httpx"
)

// Handler exposes item lookups.
type Handler struct {
	logger *slog.Logger
	repo   *Repository
}

// NewHandler constructs catalog handler.
func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/items", h.handleSearch)
	r.Get("/items/{id}", h.handleGet)
}

type itemResponse struct {
	ID   int64  `json:"id"`
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	items, err := h.repo.Search(r.Context(), SearchFilter{Query: q.Get("q"), Limit: limit})
	if err != nil {
		h.logger.Error("item search failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, itemResponse{ID: item.ID, SKU: item.SKU, Name: item.Name})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: item id must be numeric", httpx.ErrValidation))
		return
	}
	item, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			httpx.RespondError(w, fmt.Errorf("%w: item %d", httpx.ErrNotFound, id))
			return
		}
		h.logger.Error("item lookup failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, itemResponse{ID: item.ID, SKU: item.SKU, Name: item.Name})
}
