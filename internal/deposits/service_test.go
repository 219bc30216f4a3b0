package deposits

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pos/internal/catalog"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/internal/stock"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type auditRecorder struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditRecorder) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type eventCounter struct {
	mu          sync.Mutex
	transitions map[string]int
	movements   map[string]int
}

func (c *eventCounter) ObserveTransition(ev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions[ev]++
}

func (c *eventCounter) ObserveMovement(movementType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.movements[movementType]++
}

func (c *eventCounter) transition(ev string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitions[ev]
}

func (c *eventCounter) movement(movementType stock.MovementType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.movements[string(movementType)]
}

type fixture struct {
	repo   *memoryRepo
	svc    *Service
	audit  *auditRecorder
	idem   *memoryIdempotency
	events *eventCounter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   newMemoryRepo(),
		audit:  &auditRecorder{},
		idem:   &memoryIdempotency{keys: map[string]bool{}},
		events: &eventCounter{transitions: map[string]int{}, movements: map[string]int{}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.repo, f.audit, f.idem, f.events, logger, ServiceConfig{ExpiryGrace: 48 * time.Hour})
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func ptr[T any](v T) *T { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullDec(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(s), Valid: true}
}

func requireMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func catalogItem(productID, qty int64, price string) ItemInput {
	return ItemInput{ProductID: ptr(productID), Quantity: qty, UnitPrice: dec(price)}
}

func cash(amount string) *PaymentInput {
	return &PaymentInput{Amount: dec(amount), Method: PaymentCash}
}

func (f *fixture) create(t *testing.T, in CreateOrderInput) *Order {
	t.Helper()
	if in.CustomerID == nil && in.CustomerName == "" {
		in.CustomerName = "Walk-in"
	}
	order, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	return order
}

func (f *fixture) position(productID int64) stock.Position {
	return f.repo.snapshot().ledger.Position(productID)
}

// paidOrder creates a single-line order paid in full.
func (f *fixture) paidOrder(t *testing.T, productID int64, price string) *Order {
	t.Helper()
	return f.create(t, CreateOrderInput{
		Items:          []ItemInput{catalogItem(productID, 1, price)},
		InitialPayment: cash(price),
	})
}

// ============================================================================
// CREATE
// ============================================================================

func TestCreateReservesCatalogItemsOnly(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "RING-1", Name: "Ring", UnitPrice: dec("250")}, 5)

	order := f.create(t, CreateOrderInput{
		CustomerName: "A. Customer",
		Items: []ItemInput{
			catalogItem(1, 2, "250"),
			{IsCustomOrder: true, Name: "Engraved band", Quantity: 1, UnitPrice: dec("120")},
		},
		ActorID: 4,
	})

	require.Equal(t, StatusActive, order.Status)
	require.Contains(t, order.Reference, "DO-20260310-")
	requireMoney(t, "620", order.TotalAmount)
	requireMoney(t, "620", order.BalanceDue)
	require.Len(t, order.Items, 2)
	require.NotNil(t, order.Items[0].ReservationID)
	require.Nil(t, order.Items[1].ReservationID)

	pos := f.position(1)
	require.Equal(t, int64(5), pos.OnHand)
	require.Equal(t, int64(2), pos.Reserved)
	require.Equal(t, int64(3), pos.Available)
	require.Equal(t, 1, f.repo.snapshot().ledger.Count(1, stock.MovementReserve))
	require.Equal(t, []string{"deposits:create"}, f.audit.actions())
}

func TestCreateWithInsufficientStockWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 5)
	f.repo.addProduct(catalog.Product{ID: 2, SKU: "B"}, 0)

	_, err := f.svc.Create(context.Background(), CreateOrderInput{
		CustomerName:   "A. Customer",
		Items:          []ItemInput{catalogItem(2, 1, "10"), catalogItem(1, 1, "10")},
		InitialPayment: cash("5"),
		IdempotencyKey: "create-1",
	})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	var short *stock.InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, int64(2), short.ProductID)
	require.Zero(t, short.Available)

	snap := f.repo.snapshot()
	require.Empty(t, snap.orders)
	require.Empty(t, snap.items)
	require.Empty(t, snap.payments)
	require.Zero(t, snap.ledger.Count(1, stock.MovementReserve))
	require.Equal(t, int64(5), f.position(1).Available)
	require.Empty(t, f.idem.keys)
}

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name  string
		input CreateOrderInput
		field string
	}{
		{"no items", CreateOrderInput{CustomerName: "x"}, "items"},
		{"walk-in without name", CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "10")}}, "customer_name"},
		{"zero quantity", CreateOrderInput{CustomerName: "x", Items: []ItemInput{catalogItem(1, 0, "10")}}, "items[0].quantity"},
		{"catalog item without product", CreateOrderInput{CustomerName: "x", Items: []ItemInput{{Quantity: 1, UnitPrice: dec("10")}}}, "items[0].product_id"},
		{"custom item with product", CreateOrderInput{CustomerName: "x", Items: []ItemInput{{IsCustomOrder: true, Name: "n", ProductID: ptr(int64(1)), Quantity: 1}}}, "items[0].product_id"},
		{"custom item without name", CreateOrderInput{CustomerName: "x", Items: []ItemInput{{IsCustomOrder: true, Quantity: 1}}}, "items[0].name"},
		{"negative price", CreateOrderInput{CustomerName: "x", Items: []ItemInput{catalogItem(1, 1, "-1")}}, "items[0].unit_price"},
		{"allowance above total", CreateOrderInput{
			CustomerName:  "x",
			Items:         []ItemInput{catalogItem(1, 1, "100")},
			PartExchanges: []PartExchangeInput{{ProductName: "Old watch", Allowance: dec("100.01")}},
		}, "part_exchanges"},
		{"unknown payment method", CreateOrderInput{
			CustomerName:   "x",
			Items:          []ItemInput{catalogItem(1, 1, "100")},
			InitialPayment: &PaymentInput{Amount: dec("10"), Method: "cheque"},
		}, "initial_payment.method"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 5)
			_, err := f.svc.Create(context.Background(), tc.input)
			require.ErrorIs(t, err, shared.ErrValidation)
			var verr *shared.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Contains(t, verr.Fields, tc.field)
			require.Empty(t, f.repo.snapshot().orders)
		})
	}
}

func TestCreateRejectsInitialPaymentAboveNetTotal(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 5)

	_, err := f.svc.Create(context.Background(), CreateOrderInput{
		CustomerName:   "x",
		Items:          []ItemInput{catalogItem(1, 1, "500")},
		PartExchanges:  []PartExchangeInput{{ProductName: "Old watch", Allowance: dec("100")}},
		InitialPayment: cash("450"),
	})
	var over *OverpaymentError
	require.ErrorAs(t, err, &over)
	requireMoney(t, "400", over.BalanceDue)
	require.Empty(t, f.repo.snapshot().orders)
	require.Equal(t, int64(5), f.position(1).Available)
}

func TestConcurrentReservationsForLastUnit(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "LAST"}, 1)

	errs := make([]error, 2)
	var g errgroup.Group
	for i := range errs {
		i := i
		g.Go(func() error {
			_, errs[i] = f.svc.Create(context.Background(), CreateOrderInput{
				CustomerName: fmt.Sprintf("customer %d", i),
				Items:        []ItemInput{catalogItem(1, 1, "99")},
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, stock.ErrInsufficientStock)
	}
	require.Equal(t, 1, succeeded)
	require.Zero(t, f.position(1).Available)
}

func TestConcurrentPaymentsCannotOverpay(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "500")}})

	errs := make([]error, 2)
	var g errgroup.Group
	for i := range errs {
		i := i
		g.Go(func() error {
			_, errs[i] = f.svc.RecordPayment(context.Background(), order.ID, *cash("300"))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrOverpayment)
	}
	require.Equal(t, 1, succeeded)

	got, err := f.svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, got.Payments, 1)
	requireMoney(t, "300", got.AmountPaid)
	requireMoney(t, "200", got.BalanceDue)
}

// ============================================================================
// PAYMENTS
// ============================================================================

func TestRecordPaymentRejectsOverpayment(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "500")}, InitialPayment: cash("200")})
	ctx := context.Background()

	_, err := f.svc.RecordPayment(ctx, order.ID, *cash("400"))
	require.ErrorIs(t, err, ErrOverpayment)
	var over *OverpaymentError
	require.ErrorAs(t, err, &over)
	require.Equal(t, "300.00", over.CurrentValues()["balance_due"])
	require.Equal(t, "200.00", over.CurrentValues()["amount_paid"])

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, got.Payments, 1)
	requireMoney(t, "200", got.AmountPaid)

	paid, err := f.svc.RecordPayment(ctx, order.ID, *cash("300"))
	require.NoError(t, err)
	requireMoney(t, "0", paid.BalanceDue)
	requireMoney(t, "500", paid.AmountPaid)
}

func TestAdjustmentPaymentCorrectsLedger(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "500")}, InitialPayment: cash("200")})
	ctx := context.Background()

	corrected, err := f.svc.RecordPayment(ctx, order.ID, PaymentInput{Amount: dec("-50"), Method: PaymentAdjustment, Notes: "keyed 250 instead of 200"})
	require.NoError(t, err)
	requireMoney(t, "150", corrected.AmountPaid)
	requireMoney(t, "350", corrected.BalanceDue)

	_, err = f.svc.RecordPayment(ctx, order.ID, PaymentInput{Amount: dec("-150.01"), Method: PaymentAdjustment})
	require.ErrorIs(t, err, ErrOverpayment)

	_, err = f.svc.RecordPayment(ctx, order.ID, PaymentInput{Amount: dec("-10"), Method: PaymentCash})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.RecordPayment(ctx, order.ID, PaymentInput{Amount: decimal.Zero, Method: PaymentCard})
	require.ErrorIs(t, err, shared.ErrValidation)

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, got.AmountPaid.Equal(SumPayments(got.Payments)))
	require.True(t, got.AmountPaid.LessThanOrEqual(got.NetTotal()))
}

func TestRecordPaymentHonoursIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "500")}})
	ctx := context.Background()

	in := *cash("100")
	in.IdempotencyKey = "till-7-0001"
	_, err := f.svc.RecordPayment(ctx, order.ID, in)
	require.NoError(t, err)
	_, err = f.svc.RecordPayment(ctx, order.ID, in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	over := *cash("1000")
	over.IdempotencyKey = "till-7-0002"
	_, err = f.svc.RecordPayment(ctx, order.ID, over)
	require.ErrorIs(t, err, ErrOverpayment)
	require.NotContains(t, f.idem.keys, shared.IdempotencyKey(shared.IdempotencyModulePayments, fmt.Sprint(order.ID), "till-7-0002"))

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, got.Payments, 1)
}

func TestRecordPaymentRequiresActiveOrder(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "500")}})
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, order.ID, TerminateInput{})
	require.NoError(t, err)

	_, err = f.svc.RecordPayment(ctx, order.ID, *cash("10"))
	require.ErrorIs(t, err, ErrInvalidState)
	var state *InvalidStateError
	require.ErrorAs(t, err, &state)
	require.Equal(t, StatusCancelled, state.Status)

	_, err = f.svc.RecordPayment(ctx, 999, *cash("10"))
	require.ErrorIs(t, err, shared.ErrNotFound)
}

// ============================================================================
// TERMINATION
// ============================================================================

func TestCancelReleasesEveryReservation(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 5)
	f.repo.addProduct(catalog.Product{ID: 2, SKU: "B"}, 3)
	ctx := context.Background()

	order := f.create(t, CreateOrderInput{
		Items: []ItemInput{
			catalogItem(2, 1, "10"),
			catalogItem(1, 2, "10"),
			catalogItem(1, 1, "10"),
			{IsCustomOrder: true, Name: "Resize", Quantity: 1, UnitPrice: dec("15")},
		},
		InitialPayment: cash("20"),
	})
	require.Equal(t, int64(2), f.position(1).Available)
	require.Equal(t, int64(2), f.position(2).Available)

	cancelled, err := f.svc.Cancel(ctx, order.ID, TerminateInput{Reason: "customer changed mind", ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "[Cancelled] customer changed mind", cancelled.Notes)
	require.Equal(t, fixedNow, *cancelled.CancelledAt)
	requireMoney(t, "20", cancelled.AmountPaid)

	snap := f.repo.snapshot()
	require.Equal(t, 2, snap.ledger.Count(1, stock.MovementRelease))
	require.Equal(t, 1, snap.ledger.Count(2, stock.MovementRelease))
	require.Equal(t, int64(5), f.position(1).Available)
	require.Equal(t, int64(3), f.position(2).Available)

	movements, err := snap.ledger.ProductMovements(ctx, 1)
	require.NoError(t, err)
	require.True(t, stock.Reconcile(1, movements).Clean())
	require.Equal(t, 1, f.events.transition("cancel"))
	require.Equal(t, 3, f.events.movement(stock.MovementReserve))
	require.Equal(t, 3, f.events.movement(stock.MovementRelease))
}

func TestVoidAndExpireAppendMarkers(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 5)
	ctx := context.Background()

	first := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "10")}, Notes: "gift wrap"})
	voided, err := f.svc.Void(ctx, first.ID, TerminateInput{Reason: "keyed twice"})
	require.NoError(t, err)
	require.Equal(t, StatusVoided, voided.Status)
	require.Equal(t, "gift wrap\n[Voided] keyed twice", voided.Notes)
	require.NotNil(t, voided.VoidedAt)

	second := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "10")}})
	expired, err := f.svc.Expire(ctx, second.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, expired.Status)
	require.Equal(t, "[Expired]", expired.Notes)
	require.NotNil(t, expired.ExpiredAt)

	require.Equal(t, int64(5), f.position(1).Available)
}

func TestTerminalOrdersRejectEveryTransition(t *testing.T) {
	ctx := context.Background()
	terminate := map[Status]func(*Service, int64) error{
		StatusCancelled: func(s *Service, id int64) error { _, err := s.Cancel(ctx, id, TerminateInput{}); return err },
		StatusVoided:    func(s *Service, id int64) error { _, err := s.Void(ctx, id, TerminateInput{}); return err },
		StatusExpired:   func(s *Service, id int64) error { _, err := s.Expire(ctx, id, 0); return err },
		StatusCompleted: func(s *Service, id int64) error { _, err := s.Complete(ctx, id, 0); return err },
	}
	for status, end := range terminate {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 5)
			order := f.paidOrder(t, 1, "10")
			require.NoError(t, end(f.svc, order.ID))

			before := len(f.repo.snapshot().ledger.Movements)
			for _, again := range terminate {
				err := again(f.svc, order.ID)
				require.ErrorIs(t, err, ErrInvalidState)
				var state *InvalidStateError
				require.ErrorAs(t, err, &state)
				require.Equal(t, status, state.Status)
			}
			require.Len(t, f.repo.snapshot().ledger.Movements, before)
		})
	}
}

func TestExpireOverdueExpiresOnlyOverdueActiveOrders(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 10)
	ctx := context.Background()

	overdue := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "10")}, ExpectedPickupAt: ptr(fixedNow.Add(-72 * time.Hour))})
	withinGrace := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "10")}, ExpectedPickupAt: ptr(fixedNow.Add(-24 * time.Hour))})
	noPickup := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "10")}})
	cancelled := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "10")}, ExpectedPickupAt: ptr(fixedNow.Add(-96 * time.Hour))})
	_, err := f.svc.Cancel(ctx, cancelled.ID, TerminateInput{})
	require.NoError(t, err)

	summary, err := f.svc.ExpireOverdue(ctx, fixedNow)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Candidates)
	require.Equal(t, []int64{overdue.ID}, summary.Expired)
	require.Empty(t, summary.Failed)
	require.Equal(t, fixedNow.Add(-48*time.Hour), summary.Cutoff)

	for id, want := range map[int64]Status{overdue.ID: StatusExpired, withinGrace.ID: StatusActive, noPickup.ID: StatusActive, cancelled.ID: StatusCancelled} {
		got, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got.Status, "order %d", id)
	}
	require.Equal(t, int64(8), f.position(1).Available)
	require.Equal(t, 1, f.events.transition("expire"))
}

// ============================================================================
// COMPLETION
// ============================================================================

func TestCompleteRejectsOutstandingBalanceByOneCent(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "500")}, InitialPayment: cash("499.99")})
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, order.ID, 1)
	require.ErrorIs(t, err, ErrOutstandingBalance)
	var due *OutstandingBalanceError
	require.ErrorAs(t, err, &due)
	require.Equal(t, "0.01", due.CurrentValues()["balance_due"])

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	snap := f.repo.snapshot()
	require.Empty(t, snap.sales.Sales)
	require.Zero(t, snap.ledger.Count(1, stock.MovementRelease))
}

func TestCompleteCatalogItemReleasesAndSells(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A", UnitPrice: dec("500"), UnitCost: nullDec("300")}, 3)
	ctx := context.Background()

	order := f.create(t, CreateOrderInput{
		Items:          []ItemInput{{ProductID: ptr(int64(1)), Quantity: 1, UnitPrice: dec("500"), UnitCost: nullDec("300")}},
		InitialPayment: cash("500"),
	})
	requireMoney(t, "0", order.BalanceDue)

	result, err := f.svc.Complete(ctx, order.ID, 8)
	require.NoError(t, err)
	requireMoney(t, "500", result.Sale.Total)
	require.Equal(t, fmt.Sprintf("DS-20260310-%06d", order.ID), result.Sale.DocNumber)
	require.Len(t, result.Movements, 2)
	require.Equal(t, stock.MovementRelease, result.Movements[0].Type)
	require.Equal(t, stock.MovementSale, result.Movements[1].Type)
	require.Equal(t, int64(-1), result.Movements[1].Quantity)
	require.Equal(t, result.Sale.ID, *result.Movements[1].SaleID)
	require.Empty(t, result.Settlements)
	require.Empty(t, result.Products)
	require.Len(t, result.Sale.Items, 1)
	requireMoney(t, "300", result.Sale.Items[0].UnitCost.Decimal)

	require.Equal(t, StatusCompleted, result.Order.Status)
	require.Equal(t, result.Sale.ID, *result.Order.SaleID)

	pos := f.position(1)
	require.Equal(t, int64(2), pos.OnHand)
	require.Zero(t, pos.Reserved)
	require.Equal(t, int64(2), pos.Available)
	require.Equal(t, 1, f.events.transition("complete"))
	require.Equal(t, 1, f.events.movement(stock.MovementReserve))
	require.Equal(t, 1, f.events.movement(stock.MovementRelease))
	require.Equal(t, 1, f.events.movement(stock.MovementSale))
	require.Contains(t, f.audit.actions(), "deposits:complete")
}

func TestCompleteConsignedItemCreatesSettlement(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{
		ID: 1, SKU: "CONS-1", UnitPrice: dec("500"), UnitCost: nullDec("300"),
		IsConsignment: true, ConsignmentSupplierID: ptr(int64(77)),
	}, 1)
	order := f.paidOrder(t, 1, "500")

	result, err := f.svc.Complete(context.Background(), order.ID, 1)
	require.NoError(t, err)
	require.Len(t, result.Settlements, 1)
	st := result.Settlements[0]
	requireMoney(t, "300", st.PayoutAmount)
	requireMoney(t, "200", st.ShopShare)
	require.Equal(t, int64(77), st.SupplierID)
	require.Equal(t, sales.SettlementPending, st.Status)
	require.Equal(t, result.Sale.Items[0].ID, st.SaleItemID)
	require.Equal(t, result.Sale.ID, st.SaleID)
	require.Len(t, f.repo.snapshot().sales.Settlements, 1)
}

func TestCompleteConsignedItemFallsBackToLineCost(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "CONS-2", IsConsignment: true, ConsignmentSupplierID: ptr(int64(5))}, 2)
	order := f.create(t, CreateOrderInput{
		Items:          []ItemInput{{ProductID: ptr(int64(1)), Quantity: 2, UnitPrice: dec("250"), UnitCost: nullDec("140")}},
		InitialPayment: cash("500"),
	})

	result, err := f.svc.Complete(context.Background(), order.ID, 1)
	require.NoError(t, err)
	require.Len(t, result.Settlements, 1)
	requireMoney(t, "280", result.Settlements[0].PayoutAmount)
	requireMoney(t, "220", result.Settlements[0].ShopShare)
	require.Equal(t, int64(2), result.Settlements[0].Quantity)
	requireMoney(t, "140", result.Sale.Items[0].UnitCost.Decimal)
}

func TestCompleteConsignedItemRecordsPayoutCostOnSaleLine(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{
		ID: 1, SKU: "CONS-3", UnitPrice: dec("500"), UnitCost: nullDec("300"),
		IsConsignment: true, ConsignmentSupplierID: ptr(int64(8)),
	}, 1)
	order := f.create(t, CreateOrderInput{
		Items:          []ItemInput{{ProductID: ptr(int64(1)), Quantity: 1, UnitPrice: dec("500"), UnitCost: nullDec("250")}},
		InitialPayment: cash("500"),
	})

	result, err := f.svc.Complete(context.Background(), order.ID, 1)
	require.NoError(t, err)
	require.Len(t, result.Settlements, 1)
	requireMoney(t, "300", result.Settlements[0].PayoutAmount)
	requireMoney(t, "300", result.Sale.Items[0].UnitCost.Decimal)
	requireMoney(t, "200", result.Settlements[0].ShopShare)
}

func TestCompleteWithoutConsignmentAttributionWritesNothing(t *testing.T) {
	cases := map[string]catalog.Product{
		"no supplier": {ID: 1, SKU: "C", IsConsignment: true, UnitCost: nullDec("300")},
		"no cost":     {ID: 1, SKU: "C", IsConsignment: true, ConsignmentSupplierID: ptr(int64(9))},
	}
	for name, product := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.repo.addProduct(product, 1)
			order := f.paidOrder(t, 1, "500")
			before := f.repo.snapshot()

			_, err := f.svc.Complete(context.Background(), order.ID, 1)
			require.ErrorIs(t, err, ErrMissingAttribution)
			var missing *MissingAttributionError
			require.ErrorAs(t, err, &missing)
			require.Equal(t, int64(1), missing.ProductID)

			after := f.repo.snapshot()
			require.Equal(t, StatusActive, after.orders[order.ID].Status)
			require.Empty(t, after.sales.Sales)
			require.Len(t, after.products, len(before.products))
			require.Len(t, after.ledger.Movements, len(before.ledger.Movements))
		})
	}
}

func TestCompleteTradeInMaterializesProduct(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A", UnitPrice: dec("500")}, 1)
	ctx := context.Background()

	order := f.create(t, CreateOrderInput{
		Items:          []ItemInput{catalogItem(1, 1, "500")},
		PartExchanges:  []PartExchangeInput{{ProductName: "Old watch", SerialNumber: "SN-1", Allowance: dec("100")}},
		InitialPayment: cash("400"),
	})
	requireMoney(t, "0", order.BalanceDue)

	result, err := f.svc.Complete(ctx, order.ID, 1)
	require.NoError(t, err)
	require.Len(t, result.Products, 1)
	px := result.Products[0]
	require.Equal(t, fmt.Sprintf("PX-%d-1", order.ID), px.SKU)
	require.Equal(t, catalog.SourcePartExchange, px.Source)
	require.Equal(t, "SN-1", px.SerialNumber)
	requireMoney(t, "100", px.UnitCost.Decimal)
	requireMoney(t, "0", px.UnitPrice)

	snap := f.repo.snapshot()
	require.Equal(t, 1, snap.ledger.Count(px.ID, stock.MovementPurchase))
	require.Equal(t, int64(1), snap.ledger.Position(px.ID).OnHand)

	requireMoney(t, "100", result.Sale.PartExchangeTotal)
	requireMoney(t, "400", result.Sale.Total)
	require.Len(t, result.Sale.PartExchanges, 1)
	require.Equal(t, px.ID, result.Sale.PartExchanges[0].ProductID)

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, px.ID, *got.PartExchanges[0].ProductID)
}

func TestCompleteCustomItemReceivesThenSells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, CreateOrderInput{
		Items:          []ItemInput{{IsCustomOrder: true, Name: "Custom pendant", Category: "pendants", Quantity: 1, UnitPrice: dec("800")}},
		InitialPayment: cash("800"),
	})
	_, err := f.svc.SetItemCost(ctx, order.ID, order.Items[0].ID, SetItemCostInput{UnitCost: nullDec("350")})
	require.NoError(t, err)

	result, err := f.svc.Complete(ctx, order.ID, 1)
	require.NoError(t, err)
	require.Len(t, result.Products, 1)
	product := result.Products[0]
	require.Equal(t, fmt.Sprintf("DEP-%d-1", order.ID), product.SKU)
	require.Equal(t, catalog.SourceCustomOrder, product.Source)
	requireMoney(t, "350", product.UnitCost.Decimal)
	requireMoney(t, "800", product.UnitPrice)

	require.Len(t, result.Movements, 2)
	require.Equal(t, stock.MovementPurchase, result.Movements[0].Type)
	require.Equal(t, stock.MovementSale, result.Movements[1].Type)
	require.Equal(t, product.ID, result.Movements[1].ProductID)
	require.Zero(t, f.position(product.ID).OnHand)
	require.Equal(t, product.ID, *result.Order.Items[0].ProductID)
	requireMoney(t, "350", result.Sale.Items[0].UnitCost.Decimal)
}

func TestCompleteFailureLeavesOrderActiveAndRetryable(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{
		ID: 1, SKU: "CONS", UnitCost: nullDec("60"),
		IsConsignment: true, ConsignmentSupplierID: ptr(int64(3)),
	}, 1)
	order := f.create(t, CreateOrderInput{
		Items:          []ItemInput{catalogItem(1, 1, "100"), {IsCustomOrder: true, Name: "Box", Quantity: 1, UnitPrice: dec("5")}},
		InitialPayment: cash("105"),
	})
	before := f.repo.snapshot()
	f.repo.failSettlement = true

	_, err := f.svc.Complete(context.Background(), order.ID, 1)
	require.ErrorIs(t, err, errInjected)

	after := f.repo.snapshot()
	require.Equal(t, StatusActive, after.orders[order.ID].Status)
	require.Empty(t, after.sales.Sales)
	require.Len(t, after.products, len(before.products))
	require.Len(t, after.ledger.Movements, len(before.ledger.Movements))
	require.Equal(t, int64(1), f.position(1).Reserved)

	f.repo.failSettlement = false
	result, err := f.svc.Complete(context.Background(), order.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Order.Status)
	require.Len(t, result.Settlements, 1)
}

// ============================================================================
// EDITS AND READS
// ============================================================================

func TestUpdateDetails(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "10")}})
	ctx := context.Background()

	pickup := fixedNow.Add(72 * time.Hour)
	updated, err := f.svc.UpdateDetails(ctx, order.ID, UpdateDetailsInput{Notes: ptr("call first"), ExpectedPickupAt: &pickup})
	require.NoError(t, err)
	require.Equal(t, "call first", updated.Notes)
	require.Equal(t, pickup, *updated.ExpectedPickupAt)

	_, err = f.svc.UpdateDetails(ctx, order.ID, UpdateDetailsInput{})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Cancel(ctx, order.ID, TerminateInput{Reason: "no show"})
	require.NoError(t, err)

	_, err = f.svc.UpdateDetails(ctx, order.ID, UpdateDetailsInput{ClearPickup: true})
	require.ErrorIs(t, err, ErrInvalidState)

	annotated, err := f.svc.UpdateDetails(ctx, order.ID, UpdateDetailsInput{Notes: ptr("refunded at till 2")})
	require.NoError(t, err)
	require.Equal(t, "refunded at till 2", annotated.Notes)
	require.Equal(t, StatusCancelled, annotated.Status)
}

func TestSetItemCostRules(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 1)
	order := f.create(t, CreateOrderInput{Items: []ItemInput{
		catalogItem(1, 1, "10"),
		{IsCustomOrder: true, Name: "Chain", Quantity: 1, UnitPrice: dec("30")},
	}})
	ctx := context.Background()
	cost := SetItemCostInput{UnitCost: nullDec("12.345")}

	_, err := f.svc.SetItemCost(ctx, order.ID, order.Items[0].ID, cost)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.SetItemCost(ctx, order.ID, 424242, cost)
	require.ErrorIs(t, err, ErrItemNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.SetItemCost(ctx, order.ID, order.Items[1].ID, SetItemCostInput{UnitCost: nullDec("-1")})
	require.ErrorIs(t, err, shared.ErrValidation)

	updated, err := f.svc.SetItemCost(ctx, order.ID, order.Items[1].ID, cost)
	require.NoError(t, err)
	requireMoney(t, "12.35", updated.Items[1].UnitCost.Decimal)
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(catalog.Product{ID: 1, SKU: "A"}, 5)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, f.create(t, CreateOrderInput{Items: []ItemInput{catalogItem(1, 1, "10")}}).ID)
	}
	_, err := f.svc.Cancel(ctx, ids[0], TerminateInput{})
	require.NoError(t, err)

	active, total, err := f.svc.List(ctx, ListFilter{Status: StatusActive, Page: 1, PerPage: 20})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, active, 2)
	require.Equal(t, ids[2], active[0].ID)

	_, _, err = f.svc.List(ctx, ListFilter{Status: "pending"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Get(ctx, 31337)
	require.True(t, errors.Is(err, ErrOrderNotFound))
}
