// Package billing implements the hospital billing core: bill numbering, bill
// creation with line items, payment reconciliation and sales returns.
package billing

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payment statuses for a bill header.
const (
	StatusPending   = "pending"
	StatusPartial   = "partial"
	StatusPaid      = "paid"
	StatusOverdue   = "overdue"
	StatusCancelled = "cancelled"
)

// MethodSplit is the summary payment method recorded on a bill header when it
// was settled with more than one payment split.
const MethodSplit = "split"

// Restock dispositions for returned items.
const (
	RestockPending  = "pending"
	RestockDisposed = "disposed"
)

// amountTolerance is the rounding tolerance for monetary comparisons.
const amountTolerance = 0.01

var validBillTypes = map[string]bool{
	"consultation": true, "lab": true, "radiology": true, "pharmacy": true,
	"ipd": true, "outpatient": true, "scan": true, "other": true,
}

var validPaymentMethods = map[string]bool{
	"cash": true, "card": true, "upi": true, "gpay": true, "ghpay": true,
	"insurance": true, "credit": true, "others": true,
}

// validLineTypes is the ref_code vocabulary for billing line categories.
// Unknown categories fall back to "service".
var validLineTypes = map[string]bool{
	"lab": true, "medicine": true, "procedure": true, "stay": true, "service": true,
}

// Bill maps to the billing table (bill header).
type Bill struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	BillNo          string     `db:"bill_no" json:"bill_no"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterID     *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	BedAllocationID *uuid.UUID `db:"bed_allocation_id" json:"bed_allocation_id,omitempty"`
	BillType        string     `db:"bill_type" json:"bill_type"`
	Subtotal        float64    `db:"subtotal" json:"subtotal"`
	DiscountAmount  float64    `db:"discount_amount" json:"discount_amount"`
	TaxAmount       float64    `db:"tax_amount" json:"tax_amount"`
	TotalAmount     float64    `db:"total_amount" json:"total_amount"`
	AmountPaid      float64    `db:"amount_paid" json:"amount_paid"`
	BalanceDue      float64    `db:"balance_due" json:"balance_due"`
	PaymentStatus   string     `db:"payment_status" json:"payment_status"`
	PaymentMethod   *string    `db:"payment_method" json:"payment_method,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// BillItem maps to the billing_item table (line items).
type BillItem struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	BillingID   uuid.UUID  `db:"billing_id" json:"billing_id"`
	LineTypeID  uuid.UUID  `db:"line_type_id" json:"line_type_id"`
	RefID       *uuid.UUID `db:"ref_id" json:"ref_id,omitempty"`
	Description string     `db:"description" json:"description"`
	Quantity    float64    `db:"qty" json:"qty"`
	UnitAmount  float64    `db:"unit_amount" json:"unit_amount"`
	TotalAmount float64    `db:"total_amount" json:"total_amount"`
}

// Payment maps to the billing_payments table (one payment-method split).
type Payment struct {
	ID         uuid.UUID `db:"id" json:"id"`
	BillingID  uuid.UUID `db:"billing_id" json:"billing_id"`
	Amount     float64   `db:"amount" json:"amount"`
	Method     string    `db:"method" json:"method"`
	Reference  *string   `db:"reference" json:"reference,omitempty"`
	PaidAt     time.Time `db:"paid_at" json:"paid_at"`
	ReceivedBy string    `db:"received_by" json:"received_by"`
}

// SalesReturn maps to the sales_return table.
type SalesReturn struct {
	ID           uuid.UUID          `db:"id" json:"id"`
	ReturnNo     string             `db:"return_no" json:"return_no"`
	BillingID    uuid.UUID          `db:"billing_id" json:"billing_id"`
	ReturnDate   time.Time          `db:"return_date" json:"return_date"`
	RefundMode   string             `db:"refund_mode" json:"refund_mode"`
	RefundAmount float64            `db:"refund_amount" json:"refund_amount"`
	Reason       *string            `db:"reason" json:"reason,omitempty"`
	CreatedAt    time.Time          `db:"created_at" json:"created_at"`
	Items        []*SalesReturnItem `db:"-" json:"items,omitempty"`
}

// SalesReturnItem maps to the sales_return_items table.
type SalesReturnItem struct {
	ID            uuid.UUID `db:"id" json:"id"`
	SalesReturnID uuid.UUID `db:"sales_return_id" json:"sales_return_id"`
	BillingItemID uuid.UUID `db:"billing_item_id" json:"billing_item_id"`
	Description   string    `db:"description" json:"description"`
	BatchNo       *string   `db:"batch_no" json:"batch_no,omitempty"`
	Quantity      float64   `db:"qty" json:"qty"`
	UnitPrice     float64   `db:"unit_price" json:"unit_price"`
	TotalAmount   float64   `db:"total_amount" json:"total_amount"`
	Reason        *string   `db:"reason" json:"reason,omitempty"`
	RestockStatus string    `db:"restock_status" json:"restock_status"`
}

// amountsEqual reports whether two monetary amounts are equal within the
// rounding tolerance.
func amountsEqual(a, b float64) bool {
	return math.Abs(a-b) <= amountTolerance
}

// derivePaymentStatus maps paid/total amounts to a bill payment status.
// Balance is clamped at zero, so paid >= total always derives "paid".
func derivePaymentStatus(paid, total float64) string {
	switch {
	case paid <= 0:
		return StatusPending
	case total-paid > amountTolerance:
		return StatusPartial
	default:
		return StatusPaid
	}
}

// summaryMethod derives the header's payment method from the recorded splits:
// the single method when one split, the "split" sentinel when several, nil
// when none.
func summaryMethod(splits []*Payment) *string {
	switch len(splits) {
	case 0:
		return nil
	case 1:
		m := splits[0].Method
		return &m
	default:
		m := MethodSplit
		return &m
	}
}

// dedupReasons joins distinct non-empty reasons in first-seen order.
func dedupReasons(reasons []string) string {
	seen := map[string]bool{}
	var out []string
	for _, r := range reasons {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return strings.Join(out, ", ")
}
