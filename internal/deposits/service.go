package deposits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/catalog"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/internal/stock"
)

// TxRepository is the transaction-scoped storage a deposit operation works against.
// It embeds the ledger, catalog and sale writers so every write of an operation
// shares one transaction.
type TxRepository interface {
	stock.TxLedger
	catalog.TxCatalog
	sales.TxWriter

	InsertOrder(ctx context.Context, o Order) (Order, error)
	InsertItem(ctx context.Context, it Item) (Item, error)
	InsertPartExchange(ctx context.Context, px PartExchange) (PartExchange, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	// GetOrderForUpdate loads the order with its children and locks the order row.
	GetOrderForUpdate(ctx context.Context, id int64) (*Order, error)
	UpdateStatus(ctx context.Context, id int64, change StatusChange) error
	UpdateDetails(ctx context.Context, id int64, notes string, pickup *time.Time, at time.Time) error
	SetItemCost(ctx context.Context, itemID int64, cost decimal.NullDecimal) error
	SetItemProduct(ctx context.Context, itemID, productID int64) error
	SetPartExchangeProduct(ctx context.Context, pxID, productID int64) error
}

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error)
	OverdueOrderIDs(ctx context.Context, cutoff time.Time) ([]int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against replayed creates and payments.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Observer receives committed lifecycle events and the stock movements they wrote.
type Observer interface {
	ObserveTransition(event string)
	ObserveMovement(movementType string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// ExpiryGrace is how long past the expected pickup date an order stays active.
	ExpiryGrace time.Duration
}

// Service orchestrates the deposit order lifecycle.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	observer    Observer
	logger      *slog.Logger
	cfg         ServiceConfig
	now         func() time.Time
}

// NewService builds Service. audit, idem and observer may be nil.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, observer Observer, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		observer:    observer,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ============================================================================
// READS
// ============================================================================

// Get returns an order with its items, part exchanges and payments.
func (s *Service) Get(ctx context.Context, id int64) (*Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// List returns orders matching filter and the total match count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, shared.NewValidationError("status", "must be one of [active completed cancelled voided expired]")
	}
	return s.repo.ListOrders(ctx, filter)
}

// ============================================================================
// CREATE
// ============================================================================

// Create opens an order, reserving stock for every catalog line and recording the
// optional initial payment, as one atomic unit.
func (s *Service) Create(ctx context.Context, input CreateOrderInput) (*Order, error) {
	input.normalize()
	if err := input.validate(); err != nil {
		return nil, err
	}
	key := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = shared.IdempotencyKey(shared.IdempotencyModuleDeposits, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, shared.IdempotencyModuleDeposits); err != nil {
			return nil, err
		}
	}

	now := s.now()
	var order *Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = s.create(ctx, tx, input, now)
		return err
	})
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		return nil, err
	}

	reserved := make([]stock.MovementType, 0, len(order.Items))
	for _, it := range order.Items {
		if it.Reserved() {
			reserved = append(reserved, stock.MovementReserve)
		}
	}
	s.observe("", reserved...)
	s.record(ctx, input.ActorID, "deposits:create", order.ID, map[string]any{
		"reference":   order.Reference,
		"total":       order.TotalAmount.String(),
		"amount_paid": order.AmountPaid.String(),
	})
	return order, nil
}

func (s *Service) create(ctx context.Context, tx TxRepository, input CreateOrderInput, now time.Time) (*Order, error) {
	items := make([]Item, len(input.Items))
	for i, in := range input.Items {
		items[i] = Item{
			ProductID:     in.ProductID,
			IsCustomOrder: in.IsCustomOrder,
			Name:          in.Name,
			Category:      in.Category,
			Description:   in.Description,
			Quantity:      in.Quantity,
			UnitPrice:     in.UnitPrice,
			UnitCost:      in.UnitCost,
			LineOrder:     i + 1,
		}
	}
	pxs := make([]PartExchange, len(input.PartExchanges))
	for i, in := range input.PartExchanges {
		pxs[i] = PartExchange{
			ProductName:  in.ProductName,
			Category:     in.Category,
			Description:  in.Description,
			SerialNumber: in.SerialNumber,
			Allowance:    in.Allowance,
		}
	}

	inserted, err := tx.InsertOrder(ctx, Order{
		Reference:         newReference(now),
		CustomerID:        input.CustomerID,
		CustomerName:      input.CustomerName,
		Status:            StatusActive,
		TotalAmount:       sumItems(items),
		PartExchangeTotal: sumAllowances(pxs),
		ExpectedPickupAt:  input.ExpectedPickupAt,
		Notes:             input.Notes,
		LocationID:        input.LocationID,
		CreatedBy:         input.ActorID,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, err
	}
	order := &inserted

	batch := uuid.New()
	for _, idx := range reservationOrder(items) {
		it := &items[idx]
		m, err := stock.Reserve(ctx, tx, stock.ReserveInput{
			ProductID:      *it.ProductID,
			Quantity:       it.Quantity,
			DepositOrderID: order.ID,
			BatchID:        batch,
			ActorID:        input.ActorID,
			At:             now,
		})
		if err != nil {
			return nil, err
		}
		reservationID := m.ID
		it.ReservationID = &reservationID
	}

	for _, it := range items {
		it.OrderID = order.ID
		saved, err := tx.InsertItem(ctx, it)
		if err != nil {
			return nil, err
		}
		order.Items = append(order.Items, saved)
	}
	for _, px := range pxs {
		px.OrderID = order.ID
		saved, err := tx.InsertPartExchange(ctx, px)
		if err != nil {
			return nil, err
		}
		order.PartExchanges = append(order.PartExchanges, saved)
	}

	order.Payments = []Payment{}
	order.derive()
	if input.InitialPayment != nil {
		payment := *input.InitialPayment
		payment.ActorID = input.ActorID
		if _, err := appendPayment(ctx, tx, order, payment, now); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// reservationOrder returns indexes of catalog lines sorted by product id so that
// product row locks are always taken in the same order.
func reservationOrder(items []Item) []int {
	var idx []int
	for i, it := range items {
		if !it.IsCustomOrder && it.ProductID != nil {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return *items[idx[a]].ProductID < *items[idx[b]].ProductID
	})
	return idx
}

func newReference(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("DO-%s-%s", at.UTC().Format("20060102"), suffix)
}

// ============================================================================
// PAYMENTS
// ============================================================================

// RecordPayment appends a payment after checking it against the locked balance.
func (s *Service) RecordPayment(ctx context.Context, orderID int64, input PaymentInput) (*Order, error) {
	input.Amount = roundMoney(input.Amount)
	if err := input.validate(); err != nil {
		return nil, err
	}
	key := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = shared.IdempotencyKey(shared.IdempotencyModulePayments, strconv.FormatInt(orderID, 10), input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, shared.IdempotencyModulePayments); err != nil {
			return nil, err
		}
	}

	var (
		order   *Order
		payment Payment
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		payment, err = appendPayment(ctx, tx, order, input, s.now())
		return err
	})
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		return nil, err
	}

	s.record(ctx, input.ActorID, "deposits:payment", orderID, map[string]any{
		"payment_id":  payment.ID,
		"amount":      payment.Amount.String(),
		"method":      string(payment.Method),
		"balance_due": order.BalanceDue.String(),
	})
	return order, nil
}

// ============================================================================
// TERMINATION
// ============================================================================

// Cancel ends an active order at the customer's request and releases its stock.
func (s *Service) Cancel(ctx context.Context, orderID int64, input TerminateInput) (*Order, error) {
	if err := shared.Validate(input); err != nil {
		return nil, err
	}
	return s.terminate(ctx, orderID, EventCancel, "[Cancelled]", input.Reason, input.ActorID)
}

// Void ends an active order entered in error and releases its stock.
func (s *Service) Void(ctx context.Context, orderID int64, input TerminateInput) (*Order, error) {
	if err := shared.Validate(input); err != nil {
		return nil, err
	}
	return s.terminate(ctx, orderID, EventVoid, "[Voided]", input.Reason, input.ActorID)
}

// Expire ends an abandoned active order and releases its stock.
func (s *Service) Expire(ctx context.Context, orderID, actorID int64) (*Order, error) {
	return s.terminate(ctx, orderID, EventExpire, "[Expired]", "", actorID)
}

func (s *Service) terminate(ctx context.Context, orderID int64, ev Event, marker, reason string, actorID int64) (*Order, error) {
	var (
		order    *Order
		released int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		to, err := Transition(order.ID, order.Status, ev)
		if err != nil {
			return err
		}
		now := s.now()
		released, err = releaseReservations(ctx, tx, order, actorID, now, "deposit "+string(ev))
		if err != nil {
			return err
		}
		notes := appendNote(order.Notes, marker, reason)
		if err := tx.UpdateStatus(ctx, order.ID, StatusChange{Status: to, Notes: notes, At: now}); err != nil {
			return err
		}
		order.Status, order.Notes, order.UpdatedAt = to, notes, now
		stamp(order, to, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	releases := make([]stock.MovementType, released)
	for i := range releases {
		releases[i] = stock.MovementRelease
	}
	s.observe(ev, releases...)
	s.record(ctx, actorID, "deposits:"+string(ev), orderID, map[string]any{
		"reason":      reason,
		"released":    released,
		"amount_paid": order.AmountPaid.String(),
	})
	return order, nil
}

// releaseReservations appends one release per reserved line, in product id order.
func releaseReservations(ctx context.Context, tx TxRepository, order *Order, actorID int64, at time.Time, note string) (int, error) {
	idx := reservationOrder(order.Items)
	batch := uuid.New()
	n := 0
	for _, i := range idx {
		it := order.Items[i]
		if !it.Reserved() {
			continue
		}
		if _, err := stock.Release(ctx, tx, stock.ReleaseInput{
			ProductID:      *it.ProductID,
			ReservationID:  *it.ReservationID,
			DepositOrderID: order.ID,
			BatchID:        batch,
			Note:           note,
			ActorID:        actorID,
			At:             at,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func appendNote(notes, marker, reason string) string {
	entry := marker
	if reason = strings.TrimSpace(reason); reason != "" {
		entry += " " + reason
	}
	if notes == "" {
		return entry
	}
	return notes + "\n" + entry
}

func stamp(order *Order, status Status, at time.Time) {
	switch status {
	case StatusCompleted:
		order.CompletedAt = &at
	case StatusCancelled:
		order.CancelledAt = &at
	case StatusVoided:
		order.VoidedAt = &at
	case StatusExpired:
		order.ExpiredAt = &at
	}
}

// ExpireOverdue expires every active order whose expected pickup date plus the
// configured grace lies before asOf. Each order is expired in its own transaction.
func (s *Service) ExpireOverdue(ctx context.Context, asOf time.Time) (ExpirySummary, error) {
	summary := ExpirySummary{AsOf: asOf.UTC(), Cutoff: asOf.UTC().Add(-s.cfg.ExpiryGrace), Failed: map[int64]string{}}
	ids, err := s.repo.OverdueOrderIDs(ctx, summary.Cutoff)
	if err != nil {
		return summary, fmt.Errorf("deposits: overdue orders: %w", err)
	}
	summary.Candidates = len(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		_, err := s.Expire(ctx, id, 0)
		switch {
		case err == nil:
			summary.Expired = append(summary.Expired, id)
		case errors.Is(err, ErrInvalidState):
			summary.Skipped = append(summary.Skipped, id)
		default:
			s.logger.Error("expire deposit order", slog.Int64("order_id", id), slog.Any("error", err))
			summary.Failed[id] = err.Error()
		}
	}
	if len(summary.Expired) > 0 || len(summary.Failed) > 0 {
		s.logger.Info("deposit expiry sweep",
			slog.Time("cutoff", summary.Cutoff),
			slog.Int("expired", len(summary.Expired)),
			slog.Int("failed", len(summary.Failed)))
	}
	return summary, nil
}

// ============================================================================
// COMPLETION
// ============================================================================

// Complete converts a fully paid active order into a sale. Nothing is written when
// any check fails, and the status flip is the final write of the transaction.
func (s *Service) Complete(ctx context.Context, orderID, actorID int64) (*CompletionResult, error) {
	var result *CompletionResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := Transition(order.ID, order.Status, EventComplete); err != nil {
			return err
		}
		if due := order.Outstanding(); due.IsPositive() {
			return &OutstandingBalanceError{OrderID: order.ID, AmountPaid: order.AmountPaid, BalanceDue: due}
		}
		products, err := lockCatalogProducts(ctx, tx, order.Items)
		if err != nil {
			return err
		}
		plan, err := buildPlan(order, products, actorID, s.now())
		if err != nil {
			return err
		}
		result, err = commitPlan(ctx, tx, plan)
		return err
	})
	if err != nil {
		return nil, err
	}

	written := make([]stock.MovementType, 0, len(result.Movements))
	for _, m := range result.Movements {
		written = append(written, m.Type)
	}
	s.observe(EventComplete, written...)
	s.record(ctx, actorID, "deposits:complete", orderID, map[string]any{
		"sale_id":     result.Sale.ID,
		"doc_number":  result.Sale.DocNumber,
		"settlements": len(result.Settlements),
		"products":    len(result.Products),
	})
	return result, nil
}

// ============================================================================
// EDITS
// ============================================================================

// UpdateDetails edits notes on any order and the expected pickup date on active ones.
func (s *Service) UpdateDetails(ctx context.Context, orderID int64, input UpdateDetailsInput) (*Order, error) {
	if err := shared.Validate(input); err != nil {
		return nil, err
	}
	if input.Notes == nil && input.ExpectedPickupAt == nil && !input.ClearPickup {
		return nil, shared.NewValidationError("notes", "nothing to update")
	}
	var order *Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		pickupChange := input.ExpectedPickupAt != nil || input.ClearPickup
		if pickupChange && order.Status != StatusActive {
			return &InvalidStateError{OrderID: order.ID, Status: order.Status, Operation: "reschedule pickup of"}
		}
		if input.Notes != nil {
			order.Notes = strings.TrimSpace(*input.Notes)
		}
		switch {
		case input.ClearPickup:
			order.ExpectedPickupAt = nil
		case input.ExpectedPickupAt != nil:
			pickup := input.ExpectedPickupAt.UTC()
			order.ExpectedPickupAt = &pickup
		}
		order.UpdatedAt = s.now()
		return tx.UpdateDetails(ctx, order.ID, order.Notes, order.ExpectedPickupAt, order.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, input.ActorID, "deposits:update", orderID, map[string]any{
		"notes_changed":  input.Notes != nil,
		"pickup_changed": input.ExpectedPickupAt != nil || input.ClearPickup,
	})
	return order, nil
}

// SetItemCost records the cost of a custom line while the order is active.
func (s *Service) SetItemCost(ctx context.Context, orderID, itemID int64, input SetItemCostInput) (*Order, error) {
	cost := input.UnitCost
	if cost.Valid {
		if cost.Decimal.IsNegative() {
			return nil, shared.NewValidationError("unit_cost", "must not be negative")
		}
		cost.Decimal = roundMoney(cost.Decimal)
	}
	var order *Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != StatusActive {
			return &InvalidStateError{OrderID: order.ID, Status: order.Status, Operation: "set item cost on"}
		}
		for i := range order.Items {
			if order.Items[i].ID != itemID {
				continue
			}
			if !order.Items[i].IsCustomOrder {
				return shared.NewValidationError("item_id", "cost can only be recorded on custom items")
			}
			if err := tx.SetItemCost(ctx, itemID, cost); err != nil {
				return err
			}
			order.Items[i].UnitCost = cost
			return nil
		}
		return fmt.Errorf("%w: id %d on order %d", ErrItemNotFound, itemID, orderID)
	})
	if err != nil {
		return nil, err
	}
	meta := map[string]any{"item_id": itemID, "unit_cost": nil}
	if cost.Valid {
		meta["unit_cost"] = cost.Decimal.String()
	}
	s.record(ctx, input.ActorID, "deposits:item_cost", orderID, meta)
	return order, nil
}

// observe reports a committed event, when ev is set, and the movements it wrote.
func (s *Service) observe(ev Event, movements ...stock.MovementType) {
	if s.observer == nil {
		return
	}
	if ev != "" {
		s.observer.ObserveTransition(string(ev))
	}
	for _, m := range movements {
		s.observer.ObserveMovement(string(m))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, orderID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "deposit_order",
		EntityID: strconv.FormatInt(orderID, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Error("deposits audit", slog.String("action", action), slog.Any("error", err))
	}
}
