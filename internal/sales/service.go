package sales

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// RepositoryPort abstracts sale reads and settlement updates.
type RepositoryPort interface {
	GetSale(ctx context.Context, id int64) (Sale, error)
	ListSettlements(ctx context.Context, filter SettlementFilter) ([]ConsignmentSettlement, error)
	MarkSettlementPaid(ctx context.Context, id int64, at time.Time) (ConsignmentSettlement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service exposes finalized sales and consignment payouts.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// GetSale returns a sale with its lines.
func (s *Service) GetSale(ctx context.Context, id int64) (Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// ListSettlements returns settlements matching filter.
func (s *Service) ListSettlements(ctx context.Context, filter SettlementFilter) ([]ConsignmentSettlement, error) {
	if filter.Status != "" && filter.Status != SettlementPending && filter.Status != SettlementPaid {
		return nil, shared.NewValidationError("status", "must be one of [pending paid]")
	}
	return s.repo.ListSettlements(ctx, filter)
}

// MarkSettlementPaid records that the consignor payout was made.
func (s *Service) MarkSettlementPaid(ctx context.Context, id, actorID int64) (ConsignmentSettlement, error) {
	st, err := s.repo.MarkSettlementPaid(ctx, id, s.now())
	if err != nil {
		return ConsignmentSettlement{}, err
	}
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "sales:settlement_paid",
			Entity:   "consignment_settlement",
			EntityID: strconv.FormatInt(id, 10),
			Meta: map[string]any{
				"supplier_id":   st.SupplierID,
				"payout_amount": st.PayoutAmount.StringFixed(2),
			},
		})
		if err != nil {
			s.logger.Error("sales audit", slog.Int64("settlement_id", id), slog.Any("error", err))
		}
	}
	return st, nil
}
