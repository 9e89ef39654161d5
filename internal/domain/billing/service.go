package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
)

// Sentinel errors for the billing error taxonomy. Handlers map these to HTTP
// statuses; services wrap them with diagnostic context.
var (
	ErrBillNotFound       = errors.New("bill not found")
	ErrMissingActor       = errors.New("recording actor is required")
	ErrPaymentSumMismatch = errors.New("payment splits do not sum to the bill total")
	ErrReturnQtyExceeded  = errors.New("return quantity exceeds billed quantity")
)

type Service struct {
	bills    BillRepository
	payments PaymentRepository
	returns  ReturnRepository
	refCodes RefCodeRepository
	tx       TxRunner

	billPrefix   string
	returnPrefix string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewService wires the billing core. tx may be nil, in which case multi-step
// writes degrade to compensating deletes instead of transactions.
func NewService(bills BillRepository, payments PaymentRepository, returns ReturnRepository,
	refCodes RefCodeRepository, tx TxRunner, billPrefix, returnPrefix string, logger zerolog.Logger) *Service {
	return &Service{
		bills:        bills,
		payments:     payments,
		returns:      returns,
		refCodes:     refCodes,
		tx:           tx,
		billPrefix:   billPrefix,
		returnPrefix: returnPrefix,
		logger:       logger,
		now:          time.Now,
	}
}

// -- Bill creation --

type BillItemInput struct {
	Description string
	Quantity    float64
	UnitAmount  float64
	Category    string
	RefID       *uuid.UUID
}

type CreateBillInput struct {
	PatientID       uuid.UUID
	EncounterID     *uuid.UUID
	BedAllocationID *uuid.UUID
	BillType        string
	Subtotal        float64
	DiscountAmount  float64
	TaxAmount       float64
	TotalAmount     float64
	Items           []BillItemInput
}

// CreateBill creates a bill header plus its line items so that either both
// persist or neither does. The header starts in status pending with nothing
// paid.
func (s *Service) CreateBill(ctx context.Context, in CreateBillInput) (*Bill, error) {
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("at least one line item is required")
	}
	if in.BillType == "" {
		in.BillType = "consultation"
	}
	if !validBillTypes[in.BillType] {
		return nil, fmt.Errorf("invalid bill_type: %s", in.BillType)
	}

	items := make([]*BillItem, 0, len(in.Items))
	var lineSum float64
	for _, li := range in.Items {
		qty := li.Quantity
		if qty <= 0 {
			qty = 1
		}
		item := &BillItem{
			RefID:       li.RefID,
			Description: li.Description,
			Quantity:    qty,
			UnitAmount:  li.UnitAmount,
			TotalAmount: qty * li.UnitAmount,
		}
		lineSum += item.TotalAmount

		category := li.Category
		if !validLineTypes[category] {
			category = "service"
		}
		lineTypeID, err := s.refCodes.LineTypeID(ctx, category)
		if err != nil {
			return nil, fmt.Errorf("resolve line type %q: %w", category, err)
		}
		item.LineTypeID = lineTypeID
		items = append(items, item)
	}

	if !amountsEqual(lineSum, in.Subtotal) {
		return nil, fmt.Errorf("line item totals (%.2f) do not match subtotal (%.2f)", lineSum, in.Subtotal)
	}
	if !amountsEqual(in.Subtotal-in.DiscountAmount+in.TaxAmount, in.TotalAmount) {
		return nil, fmt.Errorf("total_amount (%.2f) does not equal subtotal - discount + tax (%.2f)",
			in.TotalAmount, in.Subtotal-in.DiscountAmount+in.TaxAmount)
	}

	bill := &Bill{
		PatientID:       in.PatientID,
		EncounterID:     in.EncounterID,
		BedAllocationID: in.BedAllocationID,
		BillType:        in.BillType,
		Subtotal:        in.Subtotal,
		DiscountAmount:  in.DiscountAmount,
		TaxAmount:       in.TaxAmount,
		TotalAmount:     in.TotalAmount,
		AmountPaid:      0,
		BalanceDue:      in.TotalAmount,
		PaymentStatus:   StatusPending,
	}

	// Bill numbers are allocated read-then-write; the unique index on
	// bill_no is authoritative, so regenerate and retry on a conflict.
	var err error
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		bill.BillNo = nextNumber(ctx, s.bills.LatestNumber, s.billPrefix, s.now(), s.logger)
		err = s.persistBill(ctx, bill, items)
		if err == nil {
			return bill, nil
		}
		if !db.IsUniqueViolation(err) {
			return nil, err
		}
		s.logger.Warn().Str("bill_no", bill.BillNo).Msg("bill number conflict, regenerating")
	}
	return nil, fmt.Errorf("allocate bill number after %d attempts: %w", maxNumberAttempts, err)
}

// persistBill writes the header and items atomically. With a TxRunner both
// inserts share one transaction; without one, a failed item insert triggers a
// compensating delete of the header.
func (s *Service) persistBill(ctx context.Context, bill *Bill, items []*BillItem) error {
	if s.tx != nil {
		return s.tx.WithinTx(ctx, func(txCtx context.Context) error {
			if err := s.bills.Create(txCtx, bill); err != nil {
				return fmt.Errorf("create bill header: %w", err)
			}
			for _, item := range items {
				item.BillingID = bill.ID
			}
			if err := s.bills.AddItems(txCtx, items); err != nil {
				return fmt.Errorf("create bill items: %w", err)
			}
			return nil
		})
	}

	if err := s.bills.Create(ctx, bill); err != nil {
		return fmt.Errorf("create bill header: %w", err)
	}
	for _, item := range items {
		item.BillingID = bill.ID
	}
	if err := s.bills.AddItems(ctx, items); err != nil {
		if delErr := s.bills.Delete(ctx, bill.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("bill_no", bill.BillNo).
				Msg("compensating header delete failed")
		}
		return fmt.Errorf("create bill items: %w", err)
	}
	return nil
}

// -- Payment reconciliation --

type PaymentSplitInput struct {
	Method    string
	Amount    float64
	Reference *string
}

// RecordPayments validates the submitted splits against the bill total and
// records them as the authoritative payment breakdown, replacing any prior
// splits, then recomputes the bill's paid/balance/status/method fields. The
// whole sequence runs in one transaction when a TxRunner is available.
func (s *Service) RecordPayments(ctx context.Context, billID uuid.UUID, actorID string, splits []PaymentSplitInput) (*Bill, error) {
	if actorID == "" {
		return nil, ErrMissingActor
	}

	bill, err := s.bills.GetByID(ctx, billID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBillNotFound
		}
		return nil, fmt.Errorf("load bill: %w", err)
	}

	// Zero-amount splits are empty form rows, not payments.
	now := s.now()
	var rows []*Payment
	var paid float64
	for _, sp := range splits {
		if sp.Amount == 0 {
			continue
		}
		if sp.Amount < 0 {
			return nil, fmt.Errorf("payment amount must not be negative")
		}
		if !validPaymentMethods[sp.Method] {
			return nil, fmt.Errorf("invalid payment method: %s", sp.Method)
		}
		rows = append(rows, &Payment{
			Amount:     sp.Amount,
			Method:     sp.Method,
			Reference:  sp.Reference,
			PaidAt:     now,
			ReceivedBy: actorID,
		})
		paid += sp.Amount
	}

	if !amountsEqual(paid, bill.TotalAmount) {
		return nil, fmt.Errorf("%w: splits sum %.2f, bill total %.2f",
			ErrPaymentSumMismatch, paid, bill.TotalAmount)
	}

	balance := bill.TotalAmount - paid
	if balance < 0 {
		balance = 0
	}
	status := derivePaymentStatus(paid, bill.TotalAmount)
	method := summaryMethod(rows)

	apply := func(txCtx context.Context) error {
		if err := s.payments.ReplaceForBill(txCtx, billID, rows); err != nil {
			return fmt.Errorf("replace payments: %w", err)
		}
		if err := s.bills.UpdatePaymentState(txCtx, billID, paid, balance, status, method); err != nil {
			return fmt.Errorf("update bill payment state: %w", err)
		}
		return nil
	}
	if s.tx != nil {
		err = s.tx.WithinTx(ctx, apply)
	} else {
		err = apply(ctx)
	}
	if err != nil {
		return nil, err
	}

	bill.AmountPaid = paid
	bill.BalanceDue = balance
	bill.PaymentStatus = status
	bill.PaymentMethod = method
	bill.UpdatedAt = now
	return bill, nil
}

// -- Sales returns --

type ReturnLineInput struct {
	BillingItemID uuid.UUID
	Quantity      float64
	BatchNo       *string
	Reason        string
	Restock       bool
}

type CreateReturnInput struct {
	RefundMode string
	Lines      []ReturnLineInput
}

// ReturnResult carries the persisted return and the adjusted bill state,
// including the amount physically owed back to the customer.
type ReturnResult struct {
	Return    *SalesReturn `json:"return"`
	Bill      *Bill        `json:"bill"`
	RefundDue float64      `json:"refund_due"`
}

// CreateSalesReturn computes the refund for the selected lines, persists a
// return header plus line items, and adjusts the original bill's
// total/paid/balance. Return quantities are validated against the originally
// billed quantities here, not just in the caller.
func (s *Service) CreateSalesReturn(ctx context.Context, billID uuid.UUID, in CreateReturnInput) (*ReturnResult, error) {
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("at least one return line is required")
	}

	bill, err := s.bills.GetByID(ctx, billID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBillNotFound
		}
		return nil, fmt.Errorf("load bill: %w", err)
	}

	billed, err := s.bills.GetItems(ctx, billID)
	if err != nil {
		return nil, fmt.Errorf("load bill items: %w", err)
	}
	byID := make(map[uuid.UUID]*BillItem, len(billed))
	for _, item := range billed {
		byID[item.ID] = item
	}

	var (
		returnAmount float64
		items        []*SalesReturnItem
		reasons      []string
	)
	for _, line := range in.Lines {
		item, ok := byID[line.BillingItemID]
		if !ok {
			return nil, fmt.Errorf("billing item %s does not belong to bill %s", line.BillingItemID, billID)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("return quantity must be positive")
		}
		if line.Quantity > item.Quantity+amountTolerance {
			return nil, fmt.Errorf("%w: item %q billed %.2f, returning %.2f",
				ErrReturnQtyExceeded, item.Description, item.Quantity, line.Quantity)
		}

		restock := RestockDisposed
		if line.Restock {
			restock = RestockPending
		}
		var reason *string
		if line.Reason != "" {
			r := line.Reason
			reason = &r
			reasons = append(reasons, r)
		}

		lineTotal := item.UnitAmount * line.Quantity
		returnAmount += lineTotal
		items = append(items, &SalesReturnItem{
			BillingItemID: item.ID,
			Description:   item.Description,
			BatchNo:       line.BatchNo,
			Quantity:      line.Quantity,
			UnitPrice:     item.UnitAmount,
			TotalAmount:   lineTotal,
			Reason:        reason,
			RestockStatus: restock,
		})
	}

	newTotal := bill.TotalAmount - returnAmount
	if newTotal < 0 {
		newTotal = 0
	}
	refundDue := bill.AmountPaid - newTotal
	if refundDue < 0 {
		refundDue = 0
	}
	newPaid := bill.AmountPaid
	if newPaid > newTotal {
		newPaid = newTotal
	}
	newBalance := newTotal - newPaid
	if newBalance < 0 {
		newBalance = 0
	}

	now := s.now()
	ret := &SalesReturn{
		BillingID:    billID,
		ReturnDate:   now,
		RefundMode:   in.RefundMode,
		RefundAmount: returnAmount,
	}
	if joined := dedupReasons(reasons); joined != "" {
		ret.Reason = &joined
	}

	persist := func(txCtx context.Context) error {
		if err := s.returns.Create(txCtx, ret, items); err != nil {
			return fmt.Errorf("create sales return: %w", err)
		}
		if err := s.bills.UpdateAmounts(txCtx, billID, newTotal, newPaid, newBalance); err != nil {
			return fmt.Errorf("adjust bill amounts: %w", err)
		}
		return nil
	}

	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		ret.ReturnNo = nextNumber(ctx, s.returns.LatestNumber, s.returnPrefix, now, s.logger)
		if s.tx != nil {
			err = s.tx.WithinTx(ctx, persist)
		} else {
			err = persist(ctx)
		}
		if err == nil {
			break
		}
		if !db.IsUniqueViolation(err) {
			return nil, err
		}
		s.logger.Warn().Str("return_no", ret.ReturnNo).Msg("return number conflict, regenerating")
	}
	if err != nil {
		return nil, fmt.Errorf("allocate return number after %d attempts: %w", maxNumberAttempts, err)
	}

	ret.Items = items
	bill.TotalAmount = newTotal
	bill.AmountPaid = newPaid
	bill.BalanceDue = newBalance
	bill.UpdatedAt = now
	return &ReturnResult{Return: ret, Bill: bill, RefundDue: refundDue}, nil
}

// -- Reads --

func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.GetByID(ctx, id)
}

func (s *Service) GetBillByNumber(ctx context.Context, billNo string) (*Bill, error) {
	return s.bills.GetByNumber(ctx, billNo)
}

func (s *Service) GetBillItems(ctx context.Context, billID uuid.UUID) ([]*BillItem, error) {
	return s.bills.GetItems(ctx, billID)
}

func (s *Service) ListPayments(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	return s.payments.ListByBill(ctx, billID)
}

func (s *Service) ListBillsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	return s.bills.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) SearchBills(ctx context.Context, params map[string]string, limit, offset int) ([]*Bill, int, error) {
	return s.bills.Search(ctx, params, limit, offset)
}

func (s *Service) GetSalesReturn(ctx context.Context, id uuid.UUID) (*SalesReturn, error) {
	ret, err := s.returns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.returns.GetItems(ctx, id)
	if err != nil {
		return nil, err
	}
	ret.Items = items
	return ret, nil
}

func (s *Service) ListReturnsByBill(ctx context.Context, billID uuid.UUID) ([]*SalesReturn, error) {
	return s.returns.ListByBill(ctx, billID)
}
