package billing

import (
	"context"

	"github.com/google/uuid"
)

type BillRepository interface {
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	GetByNumber(ctx context.Context, billNo string) (*Bill, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// LatestNumber returns the greatest bill number matching the LIKE
	// pattern, or "" when no bill matches.
	LatestNumber(ctx context.Context, pattern string) (string, error)
	UpdatePaymentState(ctx context.Context, id uuid.UUID, paid, balance float64, status string, method *string) error
	UpdateAmounts(ctx context.Context, id uuid.UUID, total, paid, balance float64) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Bill, int, error)
	// Items
	AddItems(ctx context.Context, items []*BillItem) error
	GetItems(ctx context.Context, billID uuid.UUID) ([]*BillItem, error)
}

// PaymentRepository isolates the replace semantics of payment recording: a
// submission is authoritative for how a bill was paid, not an incremental
// ledger entry. Swapping in an append-only ledger implementation does not
// touch callers.
type PaymentRepository interface {
	ReplaceForBill(ctx context.Context, billID uuid.UUID, payments []*Payment) error
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error)
}

type ReturnRepository interface {
	Create(ctx context.Context, ret *SalesReturn, items []*SalesReturnItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*SalesReturn, error)
	GetItems(ctx context.Context, returnID uuid.UUID) ([]*SalesReturnItem, error)
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*SalesReturn, error)
	LatestNumber(ctx context.Context, pattern string) (string, error)
}

// RefCodeRepository resolves categorical vocabulary codes to their row IDs.
type RefCodeRepository interface {
	LineTypeID(ctx context.Context, code string) (uuid.UUID, error)
}

// TxRunner executes a function inside a single database transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
