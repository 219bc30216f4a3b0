package stock

import (
	"fmt"
	"sort"
)

// AnomalyKind classifies a ledger inconsistency found by reconciliation.
type AnomalyKind string

const (
	AnomalyDoubleRelease    AnomalyKind = "double_release"
	AnomalyUnmatchedRelease AnomalyKind = "unmatched_release"
	AnomalyOverRelease      AnomalyKind = "over_release"
	AnomalyExceedsReceived  AnomalyKind = "available_exceeds_received"
	AnomalyNegativePosition AnomalyKind = "negative_position"
)

// Anomaly describes one inconsistency.
type Anomaly struct {
	Kind       AnomalyKind `json:"kind"`
	MovementID int64       `json:"movement_id,omitempty"`
	OrderID    int64       `json:"deposit_order_id,omitempty"`
	Detail     string      `json:"detail"`
}

// ReconcileReport summarises the ledger of one product.
type ReconcileReport struct {
	ProductID int64     `json:"product_id"`
	Position  Position  `json:"position"`
	Received  int64     `json:"received"`
	Anomalies []Anomaly `json:"anomalies"`
}

// Clean reports whether no anomalies were found.
func (r ReconcileReport) Clean() bool { return len(r.Anomalies) == 0 }

// Reconcile inspects a product's full movement history for double releases and
// releases that return more than was ever reserved or received.
func Reconcile(productID int64, movements []Movement) ReconcileReport {
	report := ReconcileReport{ProductID: productID, Position: Summarize(productID, movements)}

	reserves := make(map[int64]Movement)
	reservedByOrder := make(map[int64]int64)
	releasedByOrder := make(map[int64]int64)
	releasesOf := make(map[int64][]int64)
	for _, m := range movements {
		if m.ProductID != productID {
			continue
		}
		switch m.Type {
		case MovementPurchase, MovementReturn:
			report.Received += m.Quantity
		case MovementAdjustment:
			if m.Quantity > 0 {
				report.Received += m.Quantity
			}
		case MovementReserve:
			reserves[m.ID] = m
			if m.DepositOrderID != nil {
				reservedByOrder[*m.DepositOrderID] += -m.Quantity
			}
		case MovementRelease:
			if m.DepositOrderID != nil {
				releasedByOrder[*m.DepositOrderID] += m.Quantity
			}
			if m.ResolvesMovementID == nil {
				report.Anomalies = append(report.Anomalies, Anomaly{
					Kind: AnomalyUnmatchedRelease, MovementID: m.ID,
					Detail: "release does not reference a reservation",
				})
				continue
			}
			releasesOf[*m.ResolvesMovementID] = append(releasesOf[*m.ResolvesMovementID], m.ID)
		}
	}

	for reservationID, releases := range releasesOf {
		if _, ok := reserves[reservationID]; !ok {
			for _, id := range releases {
				report.Anomalies = append(report.Anomalies, Anomaly{
					Kind: AnomalyUnmatchedRelease, MovementID: id,
					Detail: fmt.Sprintf("reservation %d not found for product", reservationID),
				})
			}
			continue
		}
		for _, id := range releases[1:] {
			report.Anomalies = append(report.Anomalies, Anomaly{
				Kind: AnomalyDoubleRelease, MovementID: id,
				Detail: fmt.Sprintf("reservation %d released %d times", reservationID, len(releases)),
			})
		}
	}
	for orderID, released := range releasedByOrder {
		if reserved := reservedByOrder[orderID]; released > reserved {
			report.Anomalies = append(report.Anomalies, Anomaly{
				Kind: AnomalyOverRelease, OrderID: orderID,
				Detail: fmt.Sprintf("released %d units against %d reserved", released, reserved),
			})
		}
	}
	if report.Position.Available > report.Received {
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:   AnomalyExceedsReceived,
			Detail: fmt.Sprintf("available %d exceeds %d ever received", report.Position.Available, report.Received),
		})
	}
	if report.Position.OnHand < 0 || report.Position.Available < 0 {
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:   AnomalyNegativePosition,
			Detail: fmt.Sprintf("on_hand %d, available %d", report.Position.OnHand, report.Position.Available),
		})
	}
	sortAnomalies(report.Anomalies)
	return report
}

func sortAnomalies(anomalies []Anomaly) {
	sort.Slice(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.MovementID != b.MovementID {
			return a.MovementID < b.MovementID
		}
		return a.OrderID < b.OrderID
	})
}
