package billing

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/telemetry"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc     *Service
	metrics *telemetry.Provider
}

// NewHandler creates the billing HTTP handler. metrics may be nil.
func NewHandler(svc *Service, metrics *telemetry.Provider) *Handler {
	return &Handler{svc: svc, metrics: metrics}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))
	g.POST("/bills", h.CreateBill)
	g.GET("/bills", h.ListBills)
	g.GET("/bills/:id", h.GetBill)
	g.GET("/bills/:id/items", h.GetBillItems)
	g.POST("/bills/:id/payments", h.RecordPayments)
	g.GET("/bills/:id/payments", h.ListPayments)
	g.POST("/bills/:id/returns", h.CreateReturn)
	g.GET("/bills/:id/returns", h.ListReturns)
	g.GET("/returns/:id", h.GetReturn)
}

func (h *Handler) count(entity, operation string) {
	if h.metrics != nil {
		h.metrics.BillingOperationCounter(entity, operation)
	}
}

// -- Request DTOs --

type billItemRequest struct {
	Description string     `json:"description" validate:"required"`
	Quantity    float64    `json:"qty" validate:"gte=0"`
	UnitAmount  float64    `json:"unit_amount" validate:"gte=0"`
	Category    string     `json:"category"`
	RefID       *uuid.UUID `json:"ref_id"`
}

type createBillRequest struct {
	PatientID       uuid.UUID         `json:"patient_id" validate:"required"`
	EncounterID     *uuid.UUID        `json:"encounter_id"`
	BedAllocationID *uuid.UUID        `json:"bed_allocation_id"`
	BillType        string            `json:"bill_type"`
	Subtotal        float64           `json:"subtotal" validate:"gte=0"`
	DiscountAmount  float64           `json:"discount_amount" validate:"gte=0"`
	TaxAmount       float64           `json:"tax_amount" validate:"gte=0"`
	TotalAmount     float64           `json:"total_amount" validate:"gte=0"`
	Items           []billItemRequest `json:"items" validate:"required,min=1,dive"`
}

type paymentSplitRequest struct {
	Method    string  `json:"method" validate:"required"`
	Amount    float64 `json:"amount" validate:"gte=0"`
	Reference *string `json:"reference"`
}

type recordPaymentsRequest struct {
	Splits []paymentSplitRequest `json:"splits" validate:"required,min=1,dive"`
}

type returnLineRequest struct {
	BillingItemID uuid.UUID `json:"billing_item_id" validate:"required"`
	Quantity      float64   `json:"qty" validate:"gt=0"`
	BatchNo       *string   `json:"batch_no"`
	Reason        string    `json:"reason"`
	Restock       bool      `json:"restock"`
}

type createReturnRequest struct {
	RefundMode string              `json:"refund_mode" validate:"required"`
	Lines      []returnLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// -- Handlers --

func (h *Handler) CreateBill(c echo.Context) error {
	var req createBillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	in := CreateBillInput{
		PatientID:       req.PatientID,
		EncounterID:     req.EncounterID,
		BedAllocationID: req.BedAllocationID,
		BillType:        req.BillType,
		Subtotal:        req.Subtotal,
		DiscountAmount:  req.DiscountAmount,
		TaxAmount:       req.TaxAmount,
		TotalAmount:     req.TotalAmount,
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, BillItemInput{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitAmount:  item.UnitAmount,
			Category:    item.Category,
			RefID:       item.RefID,
		})
	}

	bill, err := h.svc.CreateBill(c.Request().Context(), in)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.count("bill", "create")
	return c.JSON(http.StatusCreated, bill)
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// Fall back to bill-number lookup so receipts can deep-link either way.
		bill, noErr := h.svc.GetBillByNumber(c.Request().Context(), c.Param("id"))
		if noErr != nil {
			return echo.NewHTTPError(http.StatusNotFound, "bill not found")
		}
		return c.JSON(http.StatusOK, bill)
	}
	bill, err := h.svc.GetBill(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "bill not found")
	}
	return c.JSON(http.StatusOK, bill)
}

func (h *Handler) ListBills(c echo.Context) error {
	pg := pagination.FromContext(c)
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		pid, err := uuid.Parse(patientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListBillsByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	items, total, err := h.svc.SearchBills(c.Request().Context(), db.ExtractFilters(c), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBillItems(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.GetBillItems(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RecordPayments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req recordPaymentsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	splits := make([]PaymentSplitInput, 0, len(req.Splits))
	for _, sp := range req.Splits {
		splits = append(splits, PaymentSplitInput{
			Method:    sp.Method,
			Amount:    sp.Amount,
			Reference: sp.Reference,
		})
	}

	actor := auth.UserIDFromContext(c.Request().Context())
	bill, err := h.svc.RecordPayments(c.Request().Context(), id, actor, splits)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingActor):
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		case errors.Is(err, ErrBillNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrPaymentSumMismatch):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	h.count("payment", "record")
	return c.JSON(http.StatusOK, bill)
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	payments, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, payments)
}

func (h *Handler) CreateReturn(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req createReturnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	in := CreateReturnInput{RefundMode: req.RefundMode}
	for _, line := range req.Lines {
		in.Lines = append(in.Lines, ReturnLineInput{
			BillingItemID: line.BillingItemID,
			Quantity:      line.Quantity,
			BatchNo:       line.BatchNo,
			Reason:        line.Reason,
			Restock:       line.Restock,
		})
	}

	result, err := h.svc.CreateSalesReturn(c.Request().Context(), id, in)
	if err != nil {
		switch {
		case errors.Is(err, ErrBillNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrReturnQtyExceeded):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	h.count("return", "create")
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) ListReturns(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	returns, err := h.svc.ListReturnsByBill(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, returns)
}

func (h *Handler) GetReturn(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ret, err := h.svc.GetSalesReturn(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "sales return not found")
	}
	return c.JSON(http.StatusOK, ret)
}
