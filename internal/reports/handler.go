package reports

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/toolcrib/toolcrib/internal/platform/httpx"
)

// Handler exposes the read-only reporting endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs reports handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers reporting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/reports/holdings/{employeeID}", h.handleHoldings)
	r.Get("/reports/movements", h.handleMovements)
	r.Get("/reports/exceptions", h.handleExceptions)
}

func (h *Handler) handleHoldings(w http.ResponseWriter, r *http.Request) {
	employeeID, err := strconv.ParseInt(chi.URLParam(r, "employeeID"), 10, 64)
	if err != nil || employeeID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "employee id must be a positive integer")
		return
	}
	holdings, err := h.service.EmployeeHoldings(r.Context(), employeeID)
	if err != nil {
		h.logger.Error("holdings report failed", slog.Int64("employee_id", employeeID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if holdings == nil {
		holdings = []Holding{}
	}
	httpx.JSON(w, http.StatusOK, holdings)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.RecentMovements(r.Context(), limit)
	if err != nil {
		h.logger.Error("movement report failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if entries == nil {
		entries = []MovementEntry{}
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ExceptionFilter
	if raw := q.Get("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "before must be RFC3339")
			return
		}
		filter.Before = ts
	}
	filter.EmployeeID, _ = strconv.ParseInt(q.Get("employee_id"), 10, 64)
	filter.ItemID, _ = strconv.ParseInt(q.Get("item_id"), 10, 64)

	entries, err := h.service.Exceptions(r.Context(), filter)
	if err != nil {
		h.logger.Error("exception report failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if entries == nil {
		entries = []ExceptionEntry{}
	}
	httpx.JSON(w, http.StatusOK, entries)
}
