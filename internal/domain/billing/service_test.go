package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// -- In-memory repository fakes --

type mockBillRepo struct {
	bills  map[uuid.UUID]*Bill
	items  map[uuid.UUID][]*BillItem
	latest string

	createErrs  []error
	addItemsErr error
	latestErr   error
	deleted     []uuid.UUID
	creates     int
}

func newMockBillRepo() *mockBillRepo {
	return &mockBillRepo{
		bills: make(map[uuid.UUID]*Bill),
		items: make(map[uuid.UUID][]*BillItem),
	}
}

func (m *mockBillRepo) Create(ctx context.Context, b *Bill) error {
	m.creates++
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return err
		}
	}
	b.ID = uuid.New()
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	m.bills[b.ID] = b
	return nil
}

func (m *mockBillRepo) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	b, ok := m.bills[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *b
	return &cp, nil
}

func (m *mockBillRepo) GetByNumber(ctx context.Context, billNo string) (*Bill, error) {
	for _, b := range m.bills {
		if b.BillNo == billNo {
			cp := *b
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockBillRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.deleted = append(m.deleted, id)
	delete(m.bills, id)
	return nil
}

func (m *mockBillRepo) LatestNumber(ctx context.Context, pattern string) (string, error) {
	if m.latestErr != nil {
		return "", m.latestErr
	}
	return m.latest, nil
}

func (m *mockBillRepo) UpdatePaymentState(ctx context.Context, id uuid.UUID, paid, balance float64, status string, method *string) error {
	b, ok := m.bills[id]
	if !ok {
		return pgx.ErrNoRows
	}
	b.AmountPaid = paid
	b.BalanceDue = balance
	b.PaymentStatus = status
	b.PaymentMethod = method
	return nil
}

func (m *mockBillRepo) UpdateAmounts(ctx context.Context, id uuid.UUID, total, paid, balance float64) error {
	b, ok := m.bills[id]
	if !ok {
		return pgx.ErrNoRows
	}
	b.TotalAmount = total
	b.AmountPaid = paid
	b.BalanceDue = balance
	return nil
}

func (m *mockBillRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	var out []*Bill
	for _, b := range m.bills {
		if b.PatientID == patientID {
			out = append(out, b)
		}
	}
	return out, len(out), nil
}

func (m *mockBillRepo) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Bill, int, error) {
	var out []*Bill
	for _, b := range m.bills {
		out = append(out, b)
	}
	return out, len(out), nil
}

func (m *mockBillRepo) AddItems(ctx context.Context, items []*BillItem) error {
	if m.addItemsErr != nil {
		return m.addItemsErr
	}
	for _, item := range items {
		item.ID = uuid.New()
		m.items[item.BillingID] = append(m.items[item.BillingID], item)
	}
	return nil
}

func (m *mockBillRepo) GetItems(ctx context.Context, billID uuid.UUID) ([]*BillItem, error) {
	return m.items[billID], nil
}

type mockPaymentRepo struct {
	payments   map[uuid.UUID][]*Payment
	replaceErr error
	replaces   int
}

func newMockPaymentRepo() *mockPaymentRepo {
	return &mockPaymentRepo{payments: make(map[uuid.UUID][]*Payment)}
}

func (m *mockPaymentRepo) ReplaceForBill(ctx context.Context, billID uuid.UUID, payments []*Payment) error {
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.replaces++
	for _, p := range payments {
		p.ID = uuid.New()
		p.BillingID = billID
	}
	m.payments[billID] = payments
	return nil
}

func (m *mockPaymentRepo) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	return m.payments[billID], nil
}

type mockReturnRepo struct {
	returns map[uuid.UUID]*SalesReturn
	items   map[uuid.UUID][]*SalesReturnItem
	latest  string

	createErrs []error
	creates    int
}

func newMockReturnRepo() *mockReturnRepo {
	return &mockReturnRepo{
		returns: make(map[uuid.UUID]*SalesReturn),
		items:   make(map[uuid.UUID][]*SalesReturnItem),
	}
}

func (m *mockReturnRepo) Create(ctx context.Context, ret *SalesReturn, items []*SalesReturnItem) error {
	m.creates++
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return err
		}
	}
	ret.ID = uuid.New()
	ret.CreatedAt = time.Now()
	for _, item := range items {
		item.ID = uuid.New()
		item.SalesReturnID = ret.ID
	}
	m.returns[ret.ID] = ret
	m.items[ret.ID] = items
	return nil
}

func (m *mockReturnRepo) GetByID(ctx context.Context, id uuid.UUID) (*SalesReturn, error) {
	ret, ok := m.returns[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return ret, nil
}

func (m *mockReturnRepo) GetItems(ctx context.Context, returnID uuid.UUID) ([]*SalesReturnItem, error) {
	return m.items[returnID], nil
}

func (m *mockReturnRepo) ListByBill(ctx context.Context, billID uuid.UUID) ([]*SalesReturn, error) {
	var out []*SalesReturn
	for _, ret := range m.returns {
		if ret.BillingID == billID {
			out = append(out, ret)
		}
	}
	return out, nil
}

func (m *mockReturnRepo) LatestNumber(ctx context.Context, pattern string) (string, error) {
	return m.latest, nil
}

type mockRefCodeRepo struct {
	ids map[string]uuid.UUID
}

func newMockRefCodeRepo() *mockRefCodeRepo {
	ids := make(map[string]uuid.UUID)
	for code := range validLineTypes {
		ids[code] = uuid.New()
	}
	return &mockRefCodeRepo{ids: ids}
}

func (m *mockRefCodeRepo) LineTypeID(ctx context.Context, code string) (uuid.UUID, error) {
	id, ok := m.ids[code]
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown line type %q", code)
	}
	return id, nil
}

type mockTxRunner struct{ calls int }

func (m *mockTxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

type testEnv struct {
	svc      *Service
	bills    *mockBillRepo
	payments *mockPaymentRepo
	returns  *mockReturnRepo
	tx       *mockTxRunner
}

func newTestEnv(t *testing.T, withTx bool) *testEnv {
	t.Helper()
	env := &testEnv{
		bills:    newMockBillRepo(),
		payments: newMockPaymentRepo(),
		returns:  newMockReturnRepo(),
	}
	var tx TxRunner
	if withTx {
		env.tx = &mockTxRunner{}
		tx = env.tx
	}
	env.svc = NewService(env.bills, env.payments, env.returns, newMockRefCodeRepo(), tx, "OP", "SR", zerolog.Nop())
	env.svc.now = func() time.Time {
		return time.Date(2026, time.March, 2, 10, 30, 0, 0, time.UTC)
	}
	return env
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", ConstraintName: "billing_bill_no_key"}
}

// -- Bill creation --

func consultationInput(patientID uuid.UUID) CreateBillInput {
	return CreateBillInput{
		PatientID: patientID,
		Subtotal:  800,
		TaxAmount: 40,
		// total = subtotal - discount + tax
		TotalAmount: 840,
		Items: []BillItemInput{
			{Description: "Consultation", Quantity: 1, UnitAmount: 500, Category: "service"},
			{Description: "CBC panel", Quantity: 1, UnitAmount: 300, Category: "lab"},
		},
	}
}

func TestCreateBill(t *testing.T) {
	env := newTestEnv(t, true)
	patientID := uuid.New()

	bill, err := env.svc.CreateBill(context.Background(), consultationInput(patientID))
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}

	if bill.BillNo != "OP2603-0001" {
		t.Errorf("bill_no = %q, want OP2603-0001", bill.BillNo)
	}
	if bill.BillType != "consultation" {
		t.Errorf("bill_type = %q, want consultation (default)", bill.BillType)
	}
	if bill.PaymentStatus != StatusPending {
		t.Errorf("payment_status = %q, want pending", bill.PaymentStatus)
	}
	if bill.AmountPaid != 0 || bill.BalanceDue != 840 {
		t.Errorf("paid/balance = %v/%v, want 0/840", bill.AmountPaid, bill.BalanceDue)
	}

	items, _ := env.bills.GetItems(context.Background(), bill.ID)
	if len(items) != 2 {
		t.Fatalf("persisted %d items, want 2", len(items))
	}
	if items[0].TotalAmount != 500 || items[1].TotalAmount != 300 {
		t.Errorf("item totals = %v/%v, want 500/300", items[0].TotalAmount, items[1].TotalAmount)
	}
	if env.tx.calls != 1 {
		t.Errorf("transaction used %d times, want 1", env.tx.calls)
	}
}

func TestCreateBillSequentialNumbers(t *testing.T) {
	env := newTestEnv(t, true)
	patientID := uuid.New()

	first, err := env.svc.CreateBill(context.Background(), consultationInput(patientID))
	if err != nil {
		t.Fatalf("first CreateBill: %v", err)
	}
	env.bills.latest = first.BillNo

	second, err := env.svc.CreateBill(context.Background(), consultationInput(patientID))
	if err != nil {
		t.Fatalf("second CreateBill: %v", err)
	}
	if second.BillNo != "OP2603-0002" {
		t.Errorf("second bill_no = %q, want OP2603-0002", second.BillNo)
	}
}

func TestCreateBillDefaultsQuantity(t *testing.T) {
	env := newTestEnv(t, true)

	in := CreateBillInput{
		PatientID:   uuid.New(),
		Subtotal:    500,
		TotalAmount: 500,
		Items: []BillItemInput{
			{Description: "Consultation", Quantity: 0, UnitAmount: 500},
		},
	}
	bill, err := env.svc.CreateBill(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}

	items, _ := env.bills.GetItems(context.Background(), bill.ID)
	if items[0].Quantity != 1 {
		t.Errorf("qty = %v, want default 1", items[0].Quantity)
	}
	if items[0].TotalAmount != 500 {
		t.Errorf("item total = %v, want 500", items[0].TotalAmount)
	}
}

func TestCreateBillUnknownCategoryFallsBackToService(t *testing.T) {
	env := newTestEnv(t, true)
	refCodes := newMockRefCodeRepo()
	env.svc.refCodes = refCodes

	in := CreateBillInput{
		PatientID:   uuid.New(),
		Subtotal:    100,
		TotalAmount: 100,
		Items: []BillItemInput{
			{Description: "Gift shop", Quantity: 1, UnitAmount: 100, Category: "souvenirs"},
		},
	}
	bill, err := env.svc.CreateBill(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}

	items, _ := env.bills.GetItems(context.Background(), bill.ID)
	if items[0].LineTypeID != refCodes.ids["service"] {
		t.Error("unknown category should resolve to the service line type")
	}
}

func TestCreateBillValidation(t *testing.T) {
	env := newTestEnv(t, true)
	patientID := uuid.New()

	tests := []struct {
		name   string
		mutate func(*CreateBillInput)
	}{
		{"missing patient", func(in *CreateBillInput) { in.PatientID = uuid.Nil }},
		{"no items", func(in *CreateBillInput) { in.Items = nil }},
		{"invalid bill type", func(in *CreateBillInput) { in.BillType = "catering" }},
		{"subtotal mismatch", func(in *CreateBillInput) { in.Subtotal = 900 }},
		{"total mismatch", func(in *CreateBillInput) { in.TotalAmount = 999 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := consultationInput(patientID)
			tt.mutate(&in)
			if _, err := env.svc.CreateBill(context.Background(), in); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
	if len(env.bills.bills) != 0 {
		t.Errorf("%d bills persisted by rejected inputs, want 0", len(env.bills.bills))
	}
}

func TestCreateBillCompensatesWithoutTx(t *testing.T) {
	env := newTestEnv(t, false)
	env.bills.addItemsErr = fmt.Errorf("insert failed")

	_, err := env.svc.CreateBill(context.Background(), consultationInput(uuid.New()))
	if err == nil {
		t.Fatal("expected error from failing item insert")
	}
	if len(env.bills.deleted) != 1 {
		t.Fatalf("compensating delete ran %d times, want 1", len(env.bills.deleted))
	}
	if len(env.bills.bills) != 0 {
		t.Error("orphaned bill header left behind after failed item insert")
	}
}

func TestCreateBillRetriesOnNumberConflict(t *testing.T) {
	env := newTestEnv(t, true)
	env.bills.createErrs = []error{uniqueViolation()}

	bill, err := env.svc.CreateBill(context.Background(), consultationInput(uuid.New()))
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}
	if env.bills.creates != 2 {
		t.Errorf("create attempted %d times, want 2", env.bills.creates)
	}
	if bill.ID == uuid.Nil {
		t.Error("bill not persisted after retry")
	}
}

func TestCreateBillGivesUpAfterRepeatedConflicts(t *testing.T) {
	env := newTestEnv(t, true)
	env.bills.createErrs = []error{uniqueViolation(), uniqueViolation(), uniqueViolation()}

	_, err := env.svc.CreateBill(context.Background(), consultationInput(uuid.New()))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if env.bills.creates != maxNumberAttempts {
		t.Errorf("create attempted %d times, want %d", env.bills.creates, maxNumberAttempts)
	}
}

func TestCreateBillNumberFallbackOnLookupFailure(t *testing.T) {
	env := newTestEnv(t, true)
	env.bills.latestErr = fmt.Errorf("connection reset")

	bill, err := env.svc.CreateBill(context.Background(), consultationInput(uuid.New()))
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}
	if len(bill.BillNo) != len("OP2603-0000") {
		t.Errorf("fallback bill_no %q should keep the standard shape", bill.BillNo)
	}
}

// -- Payment reconciliation --

func createTestBill(t *testing.T, env *testEnv) *Bill {
	t.Helper()
	bill, err := env.svc.CreateBill(context.Background(), consultationInput(uuid.New()))
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}
	return bill
}

func TestRecordPaymentsFull(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	got, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-1",
		[]PaymentSplitInput{{Method: "cash", Amount: 840}})
	if err != nil {
		t.Fatalf("RecordPayments: %v", err)
	}

	if got.AmountPaid != 840 || got.BalanceDue != 0 {
		t.Errorf("paid/balance = %v/%v, want 840/0", got.AmountPaid, got.BalanceDue)
	}
	if got.PaymentStatus != StatusPaid {
		t.Errorf("payment_status = %q, want paid", got.PaymentStatus)
	}
	if got.PaymentMethod == nil || *got.PaymentMethod != "cash" {
		t.Errorf("payment_method = %v, want cash", got.PaymentMethod)
	}

	rows, _ := env.payments.ListByBill(context.Background(), bill.ID)
	if len(rows) != 1 || rows[0].ReceivedBy != "cashier-1" {
		t.Errorf("persisted payments = %+v, want one row received by cashier-1", rows)
	}
}

func TestRecordPaymentsSplit(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	got, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-1",
		[]PaymentSplitInput{
			{Method: "cash", Amount: 500},
			{Method: "upi", Amount: 340},
		})
	if err != nil {
		t.Fatalf("RecordPayments: %v", err)
	}
	if got.PaymentMethod == nil || *got.PaymentMethod != MethodSplit {
		t.Errorf("payment_method = %v, want %q", got.PaymentMethod, MethodSplit)
	}
	if got.PaymentStatus != StatusPaid {
		t.Errorf("payment_status = %q, want paid", got.PaymentStatus)
	}
}

func TestRecordPaymentsDropsZeroSplits(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	got, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-1",
		[]PaymentSplitInput{
			{Method: "cash", Amount: 840},
			{Method: "card", Amount: 0},
		})
	if err != nil {
		t.Fatalf("RecordPayments: %v", err)
	}

	rows, _ := env.payments.ListByBill(context.Background(), bill.ID)
	if len(rows) != 1 {
		t.Fatalf("persisted %d payments, want 1 (zero split dropped)", len(rows))
	}
	if got.PaymentMethod == nil || *got.PaymentMethod != "cash" {
		t.Errorf("payment_method = %v, want cash, not split", got.PaymentMethod)
	}
}

func TestRecordPaymentsReplacesPriorSplits(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	if _, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-1",
		[]PaymentSplitInput{{Method: "cash", Amount: 840}}); err != nil {
		t.Fatalf("first RecordPayments: %v", err)
	}
	got, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-2",
		[]PaymentSplitInput{
			{Method: "card", Amount: 600},
			{Method: "cash", Amount: 240},
		})
	if err != nil {
		t.Fatalf("second RecordPayments: %v", err)
	}

	rows, _ := env.payments.ListByBill(context.Background(), bill.ID)
	if len(rows) != 2 {
		t.Fatalf("persisted %d payments, want 2 (submission replaces prior splits)", len(rows))
	}
	for _, row := range rows {
		if row.ReceivedBy != "cashier-2" {
			t.Errorf("payment received_by = %q, want cashier-2", row.ReceivedBy)
		}
	}
	if got.PaymentMethod == nil || *got.PaymentMethod != MethodSplit {
		t.Errorf("payment_method = %v, want %q", got.PaymentMethod, MethodSplit)
	}
}

func TestRecordPaymentsRejectsSumMismatch(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	_, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-1",
		[]PaymentSplitInput{{Method: "cash", Amount: 500}})
	if !errors.Is(err, ErrPaymentSumMismatch) {
		t.Fatalf("err = %v, want ErrPaymentSumMismatch", err)
	}

	// A rejected submission must leave the bill untouched.
	stored, _ := env.bills.GetByID(context.Background(), bill.ID)
	if stored.AmountPaid != 0 || stored.PaymentStatus != StatusPending {
		t.Errorf("bill mutated by rejected submission: paid=%v status=%q", stored.AmountPaid, stored.PaymentStatus)
	}
	if rows, _ := env.payments.ListByBill(context.Background(), bill.ID); len(rows) != 0 {
		t.Errorf("persisted %d payments from rejected submission, want 0", len(rows))
	}
}

func TestRecordPaymentsToleratesRoundingNoise(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	_, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-1",
		[]PaymentSplitInput{{Method: "cash", Amount: 839.995}})
	if err != nil {
		t.Fatalf("sum within tolerance rejected: %v", err)
	}
}

func TestRecordPaymentsRequiresActor(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	_, err := env.svc.RecordPayments(context.Background(), bill.ID, "",
		[]PaymentSplitInput{{Method: "cash", Amount: 840}})
	if !errors.Is(err, ErrMissingActor) {
		t.Fatalf("err = %v, want ErrMissingActor", err)
	}
}

func TestRecordPaymentsUnknownBill(t *testing.T) {
	env := newTestEnv(t, true)

	_, err := env.svc.RecordPayments(context.Background(), uuid.New(), "cashier-1",
		[]PaymentSplitInput{{Method: "cash", Amount: 840}})
	if !errors.Is(err, ErrBillNotFound) {
		t.Fatalf("err = %v, want ErrBillNotFound", err)
	}
}

func TestRecordPaymentsRejectsBadSplits(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	if _, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-1",
		[]PaymentSplitInput{{Method: "cash", Amount: -10}, {Method: "cash", Amount: 850}}); err == nil {
		t.Error("negative split accepted")
	}
	if _, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-1",
		[]PaymentSplitInput{{Method: "barter", Amount: 840}}); err == nil {
		t.Error("unknown payment method accepted")
	}
}

// -- Sales returns --

func TestCreateSalesReturn(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)
	if _, err := env.svc.RecordPayments(context.Background(), bill.ID, "cashier-1",
		[]PaymentSplitInput{{Method: "cash", Amount: 840}}); err != nil {
		t.Fatalf("RecordPayments: %v", err)
	}

	items, _ := env.bills.GetItems(context.Background(), bill.ID)
	var labItem *BillItem
	for _, item := range items {
		if item.Description == "CBC panel" {
			labItem = item
		}
	}
	if labItem == nil {
		t.Fatal("lab item not found")
	}

	result, err := env.svc.CreateSalesReturn(context.Background(), bill.ID, CreateReturnInput{
		RefundMode: "cash",
		Lines: []ReturnLineInput{
			{BillingItemID: labItem.ID, Quantity: 1, Reason: "duplicate order", Restock: true},
		},
	})
	if err != nil {
		t.Fatalf("CreateSalesReturn: %v", err)
	}

	if result.Return.ReturnNo != "SR2603-0001" {
		t.Errorf("return_no = %q, want SR2603-0001", result.Return.ReturnNo)
	}
	if result.Return.RefundAmount != 300 {
		t.Errorf("refund_amount = %v, want 300", result.Return.RefundAmount)
	}
	if result.RefundDue != 300 {
		t.Errorf("refund_due = %v, want 300", result.RefundDue)
	}
	if result.Bill.TotalAmount != 540 || result.Bill.AmountPaid != 540 || result.Bill.BalanceDue != 0 {
		t.Errorf("bill total/paid/balance = %v/%v/%v, want 540/540/0",
			result.Bill.TotalAmount, result.Bill.AmountPaid, result.Bill.BalanceDue)
	}

	if len(result.Return.Items) != 1 {
		t.Fatalf("return has %d items, want 1", len(result.Return.Items))
	}
	line := result.Return.Items[0]
	if line.RestockStatus != RestockPending {
		t.Errorf("restock_status = %q, want pending", line.RestockStatus)
	}
	if result.Return.Reason == nil || *result.Return.Reason != "duplicate order" {
		t.Errorf("header reason = %v, want duplicate order", result.Return.Reason)
	}

	stored, _ := env.bills.GetByID(context.Background(), bill.ID)
	if stored.TotalAmount != 540 || stored.AmountPaid != 540 || stored.BalanceDue != 0 {
		t.Errorf("persisted bill total/paid/balance = %v/%v/%v, want 540/540/0",
			stored.TotalAmount, stored.AmountPaid, stored.BalanceDue)
	}
}

func TestCreateSalesReturnUnpaidBill(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	items, _ := env.bills.GetItems(context.Background(), bill.ID)
	result, err := env.svc.CreateSalesReturn(context.Background(), bill.ID, CreateReturnInput{
		RefundMode: "cash",
		Lines:      []ReturnLineInput{{BillingItemID: items[1].ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateSalesReturn: %v", err)
	}

	// Nothing was paid, so nothing is owed back; the balance just shrinks.
	if result.RefundDue != 0 {
		t.Errorf("refund_due = %v, want 0", result.RefundDue)
	}
	if result.Bill.TotalAmount != 540 || result.Bill.AmountPaid != 0 || result.Bill.BalanceDue != 540 {
		t.Errorf("bill total/paid/balance = %v/%v/%v, want 540/0/540",
			result.Bill.TotalAmount, result.Bill.AmountPaid, result.Bill.BalanceDue)
	}
}

func TestCreateSalesReturnRejectsExcessQuantity(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	items, _ := env.bills.GetItems(context.Background(), bill.ID)
	_, err := env.svc.CreateSalesReturn(context.Background(), bill.ID, CreateReturnInput{
		RefundMode: "cash",
		Lines:      []ReturnLineInput{{BillingItemID: items[0].ID, Quantity: 3}},
	})
	if !errors.Is(err, ErrReturnQtyExceeded) {
		t.Fatalf("err = %v, want ErrReturnQtyExceeded", err)
	}
	if env.returns.creates != 0 {
		t.Error("rejected return was persisted")
	}
}

func TestCreateSalesReturnRejectsForeignItem(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	_, err := env.svc.CreateSalesReturn(context.Background(), bill.ID, CreateReturnInput{
		RefundMode: "cash",
		Lines:      []ReturnLineInput{{BillingItemID: uuid.New(), Quantity: 1}},
	})
	if err == nil {
		t.Fatal("return line for an item from another bill was accepted")
	}
}

func TestCreateSalesReturnDedupesReasons(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)

	items, _ := env.bills.GetItems(context.Background(), bill.ID)
	result, err := env.svc.CreateSalesReturn(context.Background(), bill.ID, CreateReturnInput{
		RefundMode: "cash",
		Lines: []ReturnLineInput{
			{BillingItemID: items[0].ID, Quantity: 1, Reason: "damaged"},
			{BillingItemID: items[1].ID, Quantity: 1, Reason: "damaged"},
		},
	})
	if err != nil {
		t.Fatalf("CreateSalesReturn: %v", err)
	}
	if result.Return.Reason == nil || *result.Return.Reason != "damaged" {
		t.Errorf("header reason = %v, want deduplicated damaged", result.Return.Reason)
	}
	if result.Bill.TotalAmount != 40 {
		t.Errorf("full return should leave only the tax: total = %v, want 40", result.Bill.TotalAmount)
	}
}

func TestCreateSalesReturnClampsNegativeTotal(t *testing.T) {
	env := newTestEnv(t, true)

	// A discounted bill where the line value exceeds the final total.
	in := CreateBillInput{
		PatientID:      uuid.New(),
		Subtotal:       500,
		DiscountAmount: 450,
		TotalAmount:    50,
		Items: []BillItemInput{
			{Description: "Dressing kit", Quantity: 1, UnitAmount: 500, Category: "medicine"},
		},
	}
	bill, err := env.svc.CreateBill(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}

	items, _ := env.bills.GetItems(context.Background(), bill.ID)
	result, err := env.svc.CreateSalesReturn(context.Background(), bill.ID, CreateReturnInput{
		RefundMode: "cash",
		Lines:      []ReturnLineInput{{BillingItemID: items[0].ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateSalesReturn: %v", err)
	}
	if result.Bill.TotalAmount != 0 || result.Bill.BalanceDue != 0 {
		t.Errorf("total/balance = %v/%v, want clamped to 0/0", result.Bill.TotalAmount, result.Bill.BalanceDue)
	}
}

func TestCreateSalesReturnRetriesOnNumberConflict(t *testing.T) {
	env := newTestEnv(t, true)
	bill := createTestBill(t, env)
	env.returns.createErrs = []error{uniqueViolation()}

	items, _ := env.bills.GetItems(context.Background(), bill.ID)
	_, err := env.svc.CreateSalesReturn(context.Background(), bill.ID, CreateReturnInput{
		RefundMode: "cash",
		Lines:      []ReturnLineInput{{BillingItemID: items[1].ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateSalesReturn: %v", err)
	}
	if env.returns.creates != 2 {
		t.Errorf("create attempted %d times, want 2", env.returns.creates)
	}
}

func TestCreateSalesReturnUnknownBill(t *testing.T) {
	env := newTestEnv(t, true)

	_, err := env.svc.CreateSalesReturn(context.Background(), uuid.New(), CreateReturnInput{
		RefundMode: "cash",
		Lines:      []ReturnLineInput{{BillingItemID: uuid.New(), Quantity: 1}},
	})
	if !errors.Is(err, ErrBillNotFound) {
		t.Fatalf("err = %v, want ErrBillNotFound", err)
	}
}
