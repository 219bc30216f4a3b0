package deposits

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/catalog"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/internal/stock"
)

// CreateOrderInput opens a deposit order. CustomerName is required for walk-in
// orders without a CustomerID.
type CreateOrderInput struct {
	CustomerID       *int64              `json:"customer_id" validate:"omitempty,gt=0"`
	CustomerName     string              `json:"customer_name" validate:"max=200"`
	Items            []ItemInput         `json:"items" validate:"required,min=1,dive"`
	PartExchanges    []PartExchangeInput `json:"part_exchanges" validate:"dive"`
	InitialPayment   *PaymentInput       `json:"initial_payment"`
	ExpectedPickupAt *time.Time          `json:"expected_pickup_at"`
	Notes            string              `json:"notes" validate:"max=2000"`
	LocationID       *int64              `json:"location_id" validate:"omitempty,gt=0"`
	IdempotencyKey   string              `json:"-"`
	ActorID          int64               `json:"-"`
}

// ItemInput is either a catalog line (ProductID) or a custom line (IsCustomOrder).
type ItemInput struct {
	ProductID     *int64              `json:"product_id" validate:"omitempty,gt=0"`
	IsCustomOrder bool                `json:"is_custom_order"`
	Name          string              `json:"name" validate:"max=200"`
	Category      string              `json:"category" validate:"max=100"`
	Description   string              `json:"description" validate:"max=2000"`
	Quantity      int64               `json:"quantity" validate:"gt=0"`
	UnitPrice     decimal.Decimal     `json:"unit_price"`
	UnitCost      decimal.NullDecimal `json:"unit_cost"`
}

// PartExchangeInput describes a trade-in accepted against the order.
type PartExchangeInput struct {
	ProductName  string          `json:"product_name" validate:"required,max=200"`
	Category     string          `json:"category" validate:"max=100"`
	Description  string          `json:"description" validate:"max=2000"`
	SerialNumber string          `json:"serial_number" validate:"max=100"`
	Allowance    decimal.Decimal `json:"allowance"`
}

// PaymentInput appends to the payment ledger. Negative amounts are accepted only
// with the adjustment method.
type PaymentInput struct {
	Amount         decimal.Decimal `json:"amount"`
	Method         PaymentMethod   `json:"method" validate:"required,oneof=cash card bank_transfer adjustment other"`
	Notes          string          `json:"notes" validate:"max=500"`
	IdempotencyKey string          `json:"-"`
	ActorID        int64           `json:"-"`
}

// TerminateInput carries the optional reason for cancel and void.
type TerminateInput struct {
	Reason  string `json:"reason" validate:"max=500"`
	ActorID int64  `json:"-"`
}

// UpdateDetailsInput edits notes and the expected pickup date. Nil fields are left unchanged.
type UpdateDetailsInput struct {
	Notes            *string    `json:"notes" validate:"omitempty,max=2000"`
	ExpectedPickupAt *time.Time `json:"expected_pickup_at"`
	ClearPickup      bool       `json:"clear_expected_pickup"`
	ActorID          int64      `json:"-"`
}

// SetItemCostInput records the cost of a custom line before completion.
type SetItemCostInput struct {
	UnitCost decimal.NullDecimal `json:"unit_cost"`
	ActorID  int64               `json:"-"`
}

// ListFilter narrows order listings.
type ListFilter struct {
	Status     Status
	CustomerID int64
	Page       int
	PerPage    int
}

// ExpirySummary reports one overdue sweep.
type ExpirySummary struct {
	AsOf       time.Time        `json:"as_of"`
	Cutoff     time.Time        `json:"cutoff"`
	Candidates int              `json:"candidates"`
	Expired    []int64          `json:"expired"`
	Skipped    []int64          `json:"skipped"`
	Failed     map[int64]string `json:"failed"`
}

// CompletionResult is everything produced by completing an order.
type CompletionResult struct {
	Order       *Order                        `json:"order"`
	Sale        sales.Sale                    `json:"sale"`
	Settlements []sales.ConsignmentSettlement `json:"settlements"`
	Products    []catalog.Product             `json:"products"`
	Movements   []stock.Movement              `json:"movements"`
}

func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// normalize rounds money to cents and trims free text.
func (in *CreateOrderInput) normalize() {
	in.CustomerName = strings.TrimSpace(in.CustomerName)
	for i := range in.Items {
		it := &in.Items[i]
		it.Name = strings.TrimSpace(it.Name)
		it.UnitPrice = roundMoney(it.UnitPrice)
		if it.UnitCost.Valid {
			it.UnitCost.Decimal = roundMoney(it.UnitCost.Decimal)
		}
	}
	for i := range in.PartExchanges {
		px := &in.PartExchanges[i]
		px.ProductName = strings.TrimSpace(px.ProductName)
		px.Allowance = roundMoney(px.Allowance)
	}
	if in.InitialPayment != nil {
		in.InitialPayment.Amount = roundMoney(in.InitialPayment.Amount)
	}
}

// validate applies tag validation followed by the rules tags cannot express.
func (in CreateOrderInput) validate() error {
	if err := shared.Validate(in); err != nil {
		return err
	}
	verr := &shared.ValidationError{}
	if in.CustomerID == nil && in.CustomerName == "" {
		verr.Add("customer_name", "is required for walk-in orders")
	}
	itemTotal := decimal.Zero
	for i, it := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		switch {
		case it.IsCustomOrder && it.ProductID != nil:
			verr.Add(field+".product_id", "must be empty for custom items")
		case it.IsCustomOrder && it.Name == "":
			verr.Add(field+".name", "is required for custom items")
		case !it.IsCustomOrder && it.ProductID == nil:
			verr.Add(field+".product_id", "is required for catalog items")
		}
		if it.UnitPrice.IsNegative() {
			verr.Add(field+".unit_price", "must not be negative")
		}
		if it.UnitCost.Valid && it.UnitCost.Decimal.IsNegative() {
			verr.Add(field+".unit_cost", "must not be negative")
		}
		itemTotal = itemTotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)))
	}
	allowances := decimal.Zero
	for i, px := range in.PartExchanges {
		if px.Allowance.IsNegative() {
			verr.Add(fmt.Sprintf("part_exchanges[%d].allowance", i), "must not be negative")
		}
		allowances = allowances.Add(px.Allowance)
	}
	if allowances.GreaterThan(itemTotal) {
		verr.Add("part_exchanges", fmt.Sprintf("allowance total %s exceeds item total %s", money(allowances), money(itemTotal)))
	}
	if in.InitialPayment != nil {
		var perr *shared.ValidationError
		if err := in.InitialPayment.validate(); errors.As(err, &perr) {
			for k, v := range perr.Fields {
				verr.Add("initial_payment."+k, v)
			}
		} else if err != nil {
			return err
		}
		if in.InitialPayment.Amount.IsNegative() {
			verr.Add("initial_payment.amount", "must be greater than 0")
		}
	}
	if !verr.Empty() {
		return verr
	}
	return nil
}

func (in PaymentInput) validate() error {
	if err := shared.Validate(in); err != nil {
		return err
	}
	switch {
	case in.Amount.IsZero():
		return shared.NewValidationError("amount", "must not be 0")
	case in.Amount.IsNegative() && in.Method != PaymentAdjustment:
		return shared.NewValidationError("amount", "must be greater than 0 unless method is adjustment")
	}
	return nil
}
