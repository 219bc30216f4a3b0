package deposits

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a deposit order.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusVoided    Status = "voided"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled, StatusVoided, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Event drives a lifecycle transition.
type Event string

const (
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
	EventVoid     Event = "void"
	EventExpire   Event = "expire"
)

// transitions is the only source of legal lifecycle moves.
var transitions = map[Status]map[Event]Status{
	StatusActive: {
		EventComplete: StatusCompleted,
		EventCancel:   StatusCancelled,
		EventVoid:     StatusVoided,
		EventExpire:   StatusExpired,
	},
}

// Transition returns the status reached from `from` on ev.
func Transition(orderID int64, from Status, ev Event) (Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", &InvalidStateError{OrderID: orderID, Status: from, Operation: string(ev)}
}

// PaymentMethod identifies how a payment was tendered.
type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentCard         PaymentMethod = "card"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentAdjustment   PaymentMethod = "adjustment"
	PaymentOther        PaymentMethod = "other"
)

// Order is a deposit order with its owned children.
type Order struct {
	ID                int64           `json:"id"`
	Reference         string          `json:"reference"`
	CustomerID        *int64          `json:"customer_id,omitempty"`
	CustomerName      string          `json:"customer_name,omitempty"`
	Status            Status          `json:"status"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	PartExchangeTotal decimal.Decimal `json:"part_exchange_total"`
	AmountPaid        decimal.Decimal `json:"amount_paid"`
	BalanceDue        decimal.Decimal `json:"balance_due"`
	ExpectedPickupAt  *time.Time      `json:"expected_pickup_at,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	LocationID        *int64          `json:"location_id,omitempty"`
	CreatedBy         int64           `json:"created_by,omitempty"`
	SaleID            *int64          `json:"sale_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	VoidedAt          *time.Time      `json:"voided_at,omitempty"`
	ExpiredAt         *time.Time      `json:"expired_at,omitempty"`
	Items             []Item          `json:"items,omitempty"`
	PartExchanges     []PartExchange  `json:"part_exchanges,omitempty"`
	Payments          []Payment       `json:"payments,omitempty"`
}

// NetTotal is the payable amount after trade-in allowances.
func (o Order) NetTotal() decimal.Decimal {
	return o.TotalAmount.Sub(o.PartExchangeTotal)
}

// Outstanding is the unpaid remainder, never negative.
func (o Order) Outstanding() decimal.Decimal {
	due := o.NetTotal().Sub(o.AmountPaid)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

// derive refreshes the amounts computed from the payment ledger.
func (o *Order) derive() {
	if o.Payments != nil {
		o.AmountPaid = SumPayments(o.Payments)
	}
	o.BalanceDue = o.Outstanding()
}

// Item is one line of a deposit order.
type Item struct {
	ID            int64               `json:"id"`
	OrderID       int64               `json:"deposit_order_id"`
	ProductID     *int64              `json:"product_id,omitempty"`
	IsCustomOrder bool                `json:"is_custom_order"`
	Name          string              `json:"name,omitempty"`
	Category      string              `json:"category,omitempty"`
	Description   string              `json:"description,omitempty"`
	Quantity      int64               `json:"quantity"`
	UnitPrice     decimal.Decimal     `json:"unit_price"`
	UnitCost      decimal.NullDecimal `json:"unit_cost"`
	ReservationID *int64              `json:"reservation_id,omitempty"`
	LineOrder     int                 `json:"line_order"`
}

// LineTotal is unit price times quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// Reserved reports whether the line holds a stock reservation.
func (i Item) Reserved() bool {
	return !i.IsCustomOrder && i.ProductID != nil && i.ReservationID != nil
}

// PartExchange is a customer trade-in credited against the order.
type PartExchange struct {
	ID           int64           `json:"id"`
	OrderID      int64           `json:"deposit_order_id"`
	ProductName  string          `json:"product_name"`
	Category     string          `json:"category,omitempty"`
	Description  string          `json:"description,omitempty"`
	SerialNumber string          `json:"serial_number,omitempty"`
	Allowance    decimal.Decimal `json:"allowance"`
	ProductID    *int64          `json:"product_id,omitempty"`
}

// Payment is an immutable payment ledger entry.
type Payment struct {
	ID         int64           `json:"id"`
	OrderID    int64           `json:"deposit_order_id"`
	Amount     decimal.Decimal `json:"amount"`
	Method     PaymentMethod   `json:"method"`
	Notes      string          `json:"notes,omitempty"`
	RecordedBy int64           `json:"recorded_by,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// StatusChange is the row update applied by a lifecycle transition.
type StatusChange struct {
	Status Status
	Notes  string
	At     time.Time
	SaleID *int64
}

func sumItems(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal())
	}
	return total
}

func sumAllowances(pxs []PartExchange) decimal.Decimal {
	total := decimal.Zero
	for _, px := range pxs {
		total = total.Add(px.Allowance)
	}
	return total
}
