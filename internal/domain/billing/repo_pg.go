package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Bill Repository ===========

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

func (r *billRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const billCols = `id, bill_no, patient_id, encounter_id, bed_allocation_id, bill_type,
	subtotal, discount_amount, tax_amount, total_amount, amount_paid, balance_due,
	payment_status, payment_method, created_at, updated_at`

func (r *billRepoPG) scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.BillNo, &b.PatientID, &b.EncounterID, &b.BedAllocationID, &b.BillType,
		&b.Subtotal, &b.DiscountAmount, &b.TaxAmount, &b.TotalAmount, &b.AmountPaid, &b.BalanceDue,
		&b.PaymentStatus, &b.PaymentMethod, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	b.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO billing (id, bill_no, patient_id, encounter_id, bed_allocation_id, bill_type,
			subtotal, discount_amount, tax_amount, total_amount, amount_paid, balance_due,
			payment_status, payment_method)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		b.ID, b.BillNo, b.PatientID, b.EncounterID, b.BedAllocationID, b.BillType,
		b.Subtotal, b.DiscountAmount, b.TaxAmount, b.TotalAmount, b.AmountPaid, b.BalanceDue,
		b.PaymentStatus, b.PaymentMethod).Scan(&b.CreatedAt, &b.UpdatedAt)
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return r.scanBill(r.conn(ctx).QueryRow(ctx, `SELECT `+billCols+` FROM billing WHERE id = $1`, id))
}

func (r *billRepoPG) GetByNumber(ctx context.Context, billNo string) (*Bill, error) {
	return r.scanBill(r.conn(ctx).QueryRow(ctx, `SELECT `+billCols+` FROM billing WHERE bill_no = $1`, billNo))
}

func (r *billRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM billing WHERE id = $1`, id)
	return err
}

func (r *billRepoPG) LatestNumber(ctx context.Context, pattern string) (string, error) {
	var billNo string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT bill_no FROM billing WHERE bill_no LIKE $1 ORDER BY bill_no DESC LIMIT 1`,
		pattern).Scan(&billNo)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return billNo, err
}

func (r *billRepoPG) UpdatePaymentState(ctx context.Context, id uuid.UUID, paid, balance float64, status string, method *string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE billing SET amount_paid=$2, balance_due=$3, payment_status=$4, payment_method=$5, updated_at=NOW()
		WHERE id = $1`,
		id, paid, balance, status, method)
	return err
}

func (r *billRepoPG) UpdateAmounts(ctx context.Context, id uuid.UUID, total, paid, balance float64) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE billing SET total_amount=$2, amount_paid=$3, balance_due=$4, updated_at=NOW()
		WHERE id = $1`,
		id, total, paid, balance)
	return err
}

func (r *billRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM billing WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+billCols+` FROM billing WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Bill
	for rows.Next() {
		b, err := r.scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, nil
}

var billFilters = map[string]db.FilterConfig{
	"patient_id": {Type: db.FilterExact, Column: "patient_id"},
	"status":     {Type: db.FilterExact, Column: "payment_status"},
	"bill_type":  {Type: db.FilterExact, Column: "bill_type"},
	"bill_no":    {Type: db.FilterString, Column: "bill_no"},
	"date":       {Type: db.FilterDate, Column: "created_at"},
}

func (r *billRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Bill, int, error) {
	qb := db.NewSearchQuery("billing", billCols)
	qb.ApplyParams(params, billFilters)
	qb.OrderBy("created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Bill
	for rows.Next() {
		b, err := r.scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, nil
}

const billItemCols = `id, billing_id, line_type_id, ref_id, description, qty, unit_amount, total_amount`

func (r *billRepoPG) AddItems(ctx context.Context, items []*BillItem) error {
	for _, item := range items {
		item.ID = uuid.New()
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO billing_item (id, billing_id, line_type_id, ref_id, description, qty, unit_amount, total_amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			item.ID, item.BillingID, item.LineTypeID, item.RefID, item.Description,
			item.Quantity, item.UnitAmount, item.TotalAmount)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *billRepoPG) GetItems(ctx context.Context, billID uuid.UUID) ([]*BillItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+billItemCols+` FROM billing_item WHERE billing_id = $1 ORDER BY description`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BillItem
	for rows.Next() {
		var item BillItem
		if err := rows.Scan(&item.ID, &item.BillingID, &item.LineTypeID, &item.RefID,
			&item.Description, &item.Quantity, &item.UnitAmount, &item.TotalAmount); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// ReplaceForBill deletes all existing splits for the bill and inserts the
// given set. Run inside a transaction so a crash cannot leave the bill with
// payments deleted but the new breakdown missing.
func (r *paymentRepoPG) ReplaceForBill(ctx context.Context, billID uuid.UUID, payments []*Payment) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM billing_payments WHERE billing_id = $1`, billID); err != nil {
		return err
	}
	for _, p := range payments {
		p.ID = uuid.New()
		p.BillingID = billID
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO billing_payments (id, billing_id, amount, method, reference, paid_at, received_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			p.ID, p.BillingID, p.Amount, p.Method, p.Reference, p.PaidAt, p.ReceivedBy)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *paymentRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, billing_id, amount, method, reference, paid_at, received_by
		FROM billing_payments WHERE billing_id = $1 ORDER BY paid_at`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.BillingID, &p.Amount, &p.Method, &p.Reference, &p.PaidAt, &p.ReceivedBy); err != nil {
			return nil, err
		}
		payments = append(payments, &p)
	}
	return payments, nil
}

// =========== Return Repository ===========

type returnRepoPG struct{ pool *pgxpool.Pool }

func NewReturnRepoPG(pool *pgxpool.Pool) ReturnRepository { return &returnRepoPG{pool: pool} }

func (r *returnRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const returnCols = `id, return_no, billing_id, return_date, refund_mode, refund_amount, reason, created_at`

func (r *returnRepoPG) scanReturn(row pgx.Row) (*SalesReturn, error) {
	var ret SalesReturn
	err := row.Scan(&ret.ID, &ret.ReturnNo, &ret.BillingID, &ret.ReturnDate,
		&ret.RefundMode, &ret.RefundAmount, &ret.Reason, &ret.CreatedAt)
	return &ret, err
}

func (r *returnRepoPG) Create(ctx context.Context, ret *SalesReturn, items []*SalesReturnItem) error {
	ret.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sales_return (id, return_no, billing_id, return_date, refund_mode, refund_amount, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		ret.ID, ret.ReturnNo, ret.BillingID, ret.ReturnDate, ret.RefundMode, ret.RefundAmount, ret.Reason).
		Scan(&ret.CreatedAt)
	if err != nil {
		return err
	}
	for _, item := range items {
		item.ID = uuid.New()
		item.SalesReturnID = ret.ID
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO sales_return_items (id, sales_return_id, billing_item_id, description, batch_no,
				qty, unit_price, total_amount, reason, restock_status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			item.ID, item.SalesReturnID, item.BillingItemID, item.Description, item.BatchNo,
			item.Quantity, item.UnitPrice, item.TotalAmount, item.Reason, item.RestockStatus)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *returnRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*SalesReturn, error) {
	return r.scanReturn(r.conn(ctx).QueryRow(ctx, `SELECT `+returnCols+` FROM sales_return WHERE id = $1`, id))
}

func (r *returnRepoPG) GetItems(ctx context.Context, returnID uuid.UUID) ([]*SalesReturnItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, sales_return_id, billing_item_id, description, batch_no,
			qty, unit_price, total_amount, reason, restock_status
		FROM sales_return_items WHERE sales_return_id = $1 ORDER BY description`, returnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SalesReturnItem
	for rows.Next() {
		var item SalesReturnItem
		if err := rows.Scan(&item.ID, &item.SalesReturnID, &item.BillingItemID, &item.Description, &item.BatchNo,
			&item.Quantity, &item.UnitPrice, &item.TotalAmount, &item.Reason, &item.RestockStatus); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, nil
}

func (r *returnRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*SalesReturn, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+returnCols+` FROM sales_return WHERE billing_id = $1 ORDER BY created_at DESC`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var returns []*SalesReturn
	for rows.Next() {
		ret, err := r.scanReturn(rows)
		if err != nil {
			return nil, err
		}
		returns = append(returns, ret)
	}
	return returns, nil
}

func (r *returnRepoPG) LatestNumber(ctx context.Context, pattern string) (string, error) {
	var returnNo string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT return_no FROM sales_return WHERE return_no LIKE $1 ORDER BY return_no DESC LIMIT 1`,
		pattern).Scan(&returnNo)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return returnNo, err
}

// =========== RefCode Repository ===========

type refCodeRepoPG struct{ pool *pgxpool.Pool }

func NewRefCodeRepoPG(pool *pgxpool.Pool) RefCodeRepository { return &refCodeRepoPG{pool: pool} }

func (r *refCodeRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *refCodeRepoPG) LineTypeID(ctx context.Context, code string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id FROM ref_code WHERE domain = 'billing_line' AND code = $1`, code).Scan(&id)
	return id, err
}
