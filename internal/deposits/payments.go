package deposits

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SumPayments reduces a payment ledger to the amount paid.
func SumPayments(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

// checkPayment evaluates a payment against the locked order. A positive amount may
// not exceed the balance due; a negative adjustment may not take back more than
// was paid.
func checkPayment(order *Order, amount decimal.Decimal) error {
	if order.Status != StatusActive {
		return &InvalidStateError{OrderID: order.ID, Status: order.Status, Operation: "record payment on"}
	}
	if amount.GreaterThan(order.Outstanding()) {
		return &OverpaymentError{OrderID: order.ID, Amount: amount, AmountPaid: order.AmountPaid, BalanceDue: order.Outstanding()}
	}
	if amount.IsNegative() && amount.Abs().GreaterThan(order.AmountPaid) {
		return &OverpaymentError{OrderID: order.ID, Amount: amount, AmountPaid: order.AmountPaid, BalanceDue: order.Outstanding()}
	}
	return nil
}

// appendPayment checks and writes one ledger entry, then refreshes the order totals.
func appendPayment(ctx context.Context, tx TxRepository, order *Order, in PaymentInput, at time.Time) (Payment, error) {
	if err := checkPayment(order, in.Amount); err != nil {
		return Payment{}, err
	}
	payment, err := tx.InsertPayment(ctx, Payment{
		OrderID:    order.ID,
		Amount:     in.Amount,
		Method:     in.Method,
		Notes:      in.Notes,
		RecordedBy: in.ActorID,
		RecordedAt: at,
	})
	if err != nil {
		return Payment{}, err
	}
	order.Payments = append(order.Payments, payment)
	order.AmountPaid = order.AmountPaid.Add(payment.Amount)
	order.BalanceDue = order.Outstanding()
	return payment, nil
}
