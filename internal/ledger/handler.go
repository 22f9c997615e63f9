package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/toolcrib/toolcrib/internal/money"
	"github.com/toolcrib/toolcrib/internal/observability"
	"github.com/toolcrib/toolcrib/internal/platform/httpx"
	"github.com/toolcrib/toolcrib/internal/shared"
)

// Handler wires the JSON endpoints for ledger operations. Requests
// arrive already authorized: the RFID/PIN flow upstream resolves the
// employee and sets the confirmed flag; this layer only refuses
// unconfirmed payloads.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	metrics  *observability.Metrics
	validate *validator.Validate
}

// NewHandler constructs ledger handler. metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, metrics: metrics, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceipt)
	r.Post("/issues", h.handleIssue)
	r.Post("/returns", h.handleReturn)
	r.Post("/scraps", h.handleScrap)
}

type receiptRequest struct {
	DocumentID   int64          `json:"document_id" validate:"required,gt=0"`
	ItemID       int64          `json:"item_id" validate:"required,gt=0"`
	Qty          money.Quantity `json:"qty"`
	UnitPrice    money.UnitCost `json:"unit_price"`
	LineTotal    *money.Amount  `json:"line_total,omitempty"`
	VATRate      *money.Amount  `json:"vat_rate,omitempty"`
	Currency     string         `json:"currency,omitempty" validate:"omitempty,len=3"`
	OperationKey string         `json:"operation_key,omitempty" validate:"omitempty,max=36"`
}

type issueRequest struct {
	EmployeeID   int64          `json:"employee_id" validate:"required,gt=0"`
	EmployeeName string         `json:"employee_name,omitempty"`
	ItemID       int64          `json:"item_id" validate:"required,gt=0"`
	Qty          money.Quantity `json:"qty"`
	OperationKey string         `json:"operation_key" validate:"required,max=36"`
	Confirmed    bool           `json:"confirmed"`
}

type returnLineRequest struct {
	MovementID int64          `json:"movement_id" validate:"required,gt=0"`
	LotID      int64          `json:"lot_id" validate:"required,gt=0"`
	Qty        money.Quantity `json:"qty"`
}

type returnRequest struct {
	EmployeeID   int64               `json:"employee_id" validate:"required,gt=0"`
	EmployeeName string              `json:"employee_name,omitempty"`
	Lines        []returnLineRequest `json:"lines" validate:"required,min=1,dive"`
	DocNumber    string              `json:"doc_number,omitempty"`
	OperationKey string              `json:"operation_key" validate:"required,max=36"`
	Confirmed    bool                `json:"confirmed"`
}

type scrapLineRequest struct {
	LotID int64          `json:"lot_id" validate:"required,gt=0"`
	Qty   money.Quantity `json:"qty"`
}

type scrapRequest struct {
	EmployeeID   int64              `json:"employee_id" validate:"required,gt=0"`
	EmployeeName string             `json:"employee_name,omitempty"`
	Lines        []scrapLineRequest `json:"lines" validate:"required,min=1,dive"`
	Reason       string             `json:"reason,omitempty"`
	OperationKey string             `json:"operation_key,omitempty" validate:"omitempty,max=36"`
	Confirmed    bool               `json:"confirmed"`
}

type movementResponse struct {
	ID             int64          `json:"id"`
	Kind           MovementKind   `json:"kind"`
	ItemID         int64          `json:"item_id,omitempty"`
	Qty            money.Quantity `json:"qty"`
	FromLocationID int64          `json:"from_location_id,omitempty"`
	ToLocationID   int64          `json:"to_location_id"`
	OperationKey   string         `json:"operation_key"`
}

func toMovementResponse(mv Movement) movementResponse {
	return movementResponse{
		ID:             mv.ID,
		Kind:           mv.Kind,
		ItemID:         mv.ItemID,
		Qty:            mv.Qty,
		FromLocationID: mv.FromLocationID,
		ToLocationID:   mv.ToLocationID,
		OperationKey:   mv.OperationKey,
	}
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ReceiptInput{
		DocumentID:   req.DocumentID,
		ItemID:       req.ItemID,
		Qty:          req.Qty,
		UnitPrice:    req.UnitPrice,
		VATRate:      req.VATRate,
		Currency:     req.Currency,
		OperationKey: req.OperationKey,
	}
	if req.LineTotal != nil {
		input.LineTotal = *req.LineTotal
	}
	res, err := h.service.RecordReceipt(r.Context(), input)
	if err != nil {
		h.respondError(w, "record receipt", err)
		return
	}
	h.metrics.ObserveMovement(string(res.Movement.Kind))
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"movement":         toMovementResponse(res.Movement),
		"lot_id":           res.Lot.ID,
		"document_line_id": res.Line.ID,
	})
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if !req.Confirmed {
		h.respondError(w, "issue", shared.ErrUnauthorizedOperation)
		return
	}
	mv, err := h.service.Issue(r.Context(), IssueInput{
		EmployeeID:   req.EmployeeID,
		EmployeeName: req.EmployeeName,
		ItemID:       req.ItemID,
		Qty:          req.Qty,
		OperationKey: req.OperationKey,
	})
	if err != nil {
		h.respondError(w, "issue", err)
		return
	}
	h.metrics.ObserveMovement(string(mv.Kind))
	httpx.JSON(w, http.StatusCreated, toMovementResponse(mv))
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if !req.Confirmed {
		h.respondError(w, "return", shared.ErrUnauthorizedOperation)
		return
	}
	lines := make([]ReturnLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, ReturnLine{MovementID: l.MovementID, LotID: l.LotID, Qty: l.Qty})
	}
	mv, err := h.service.ReturnFromEmployee(r.Context(), ReturnInput{
		EmployeeID:   req.EmployeeID,
		EmployeeName: req.EmployeeName,
		Lines:        lines,
		DocNumber:    req.DocNumber,
		OperationKey: req.OperationKey,
	})
	if err != nil {
		h.respondError(w, "return", err)
		return
	}
	h.metrics.ObserveMovement(string(mv.Kind))
	httpx.JSON(w, http.StatusCreated, toMovementResponse(mv))
}

func (h *Handler) handleScrap(w http.ResponseWriter, r *http.Request) {
	var req scrapRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if !req.Confirmed {
		h.respondError(w, "scrap", shared.ErrUnauthorizedOperation)
		return
	}
	lines := make([]ScrapLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, ScrapLine{LotID: l.LotID, Qty: l.Qty})
	}
	mv, err := h.service.ScrapFromEmployee(r.Context(), ScrapInput{
		EmployeeID:   req.EmployeeID,
		EmployeeName: req.EmployeeName,
		Lines:        lines,
		Reason:       req.Reason,
		OperationKey: req.OperationKey,
	})
	if err != nil {
		h.respondError(w, "scrap", err)
		return
	}
	h.metrics.ObserveMovement(string(mv.Kind))
	httpx.JSON(w, http.StatusCreated, toMovementResponse(mv))
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var (
		insufficient *InsufficientStockError
		invalid      *InvalidAllocationError
	)
	switch {
	case errors.Is(err, shared.ErrUnauthorizedOperation):
		httpx.Problem(w, http.StatusForbidden, "Not Confirmed", "operation requires an upstream confirmation")
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", insufficient.Error())
	case errors.As(err, &invalid):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Allocation", invalid.Error())
	case errors.Is(err, ErrNothingToReturn):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Nothing To Return", err.Error())
	case errors.Is(err, ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrLockConflict):
		h.metrics.ObserveLockConflict()
		h.logger.Warn("ledger operation exhausted lock retries", slog.String("op", op), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Lock Conflict", "the operation kept conflicting with concurrent work, retry later")
	default:
		// Anything unclassified is an infrastructure failure; the
		// detail stays in the log, not in the response.
		h.logger.Error("ledger operation failed", slog.String("op", op), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "unexpected error processing the operation")
	}
}
