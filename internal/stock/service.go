package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// RepositoryPort abstracts ledger persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxLedger) error) error
	Movements(ctx context.Context, productID int64) ([]Movement, error)
	ProductIDs(ctx context.Context) ([]int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against replayed stock postings.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MovementObserver receives committed movement types.
type MovementObserver interface {
	ObserveMovement(movementType string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeAdjustments bool
}

// Service exposes stock positions and manual intake outside the deposit workflow.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	observer    MovementObserver
	logger      *slog.Logger
	cfg         ServiceConfig
}

// NewService builds Service. audit, idem and observer may be nil.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, observer MovementObserver, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, observer: observer, logger: logger, cfg: cfg}
}

const idempotencyModule = "stock"

// Position derives on-hand, reserved and available for a product.
func (s *Service) Position(ctx context.Context, productID int64) (Position, error) {
	movements, err := s.repo.Movements(ctx, productID)
	if err != nil {
		return Position{}, err
	}
	return Summarize(productID, movements), nil
}

// Available returns units free to reserve or sell.
func (s *Service) Available(ctx context.Context, productID int64) (int64, error) {
	pos, err := s.Position(ctx, productID)
	return pos.Available, err
}

// OnHand returns physical units, reserved or not.
func (s *Service) OnHand(ctx context.Context, productID int64) (int64, error) {
	pos, err := s.Position(ctx, productID)
	return pos.OnHand, err
}

// History returns up to limit movements, newest first.
func (s *Service) History(ctx context.Context, productID int64, limit int) ([]Movement, error) {
	movements, err := s.repo.Movements(ctx, productID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(movements) {
		limit = len(movements)
	}
	out := make([]Movement, 0, limit)
	for i := len(movements) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, movements[i])
	}
	return out, nil
}

// ReceiveInput posts a purchase or customer return.
type ReceiveInput struct {
	ProductID      int64        `json:"-"`
	Quantity       int64        `json:"quantity" validate:"gt=0"`
	Type           MovementType `json:"type" validate:"omitempty,oneof=purchase return"`
	Note           string       `json:"note" validate:"max=500"`
	IdempotencyKey string       `json:"-"`
	ActorID        int64        `json:"-"`
}

// Receive appends a positive intake movement.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (Movement, error) {
	if err := shared.Validate(input); err != nil {
		return Movement{}, err
	}
	if input.Type == "" {
		input.Type = MovementPurchase
	}
	return s.post(ctx, input.IdempotencyKey, MovementInput{
		ProductID: input.ProductID,
		Quantity:  input.Quantity,
		Type:      input.Type,
		Note:      input.Note,
		ActorID:   input.ActorID,
	})
}

// AdjustInput posts a signed stock correction.
type AdjustInput struct {
	ProductID      int64  `json:"-"`
	Quantity       int64  `json:"quantity" validate:"ne=0"`
	Reason         string `json:"reason" validate:"required,max=500"`
	IdempotencyKey string `json:"-"`
	ActorID        int64  `json:"-"`
}

// Adjust appends an adjustment movement.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (Movement, error) {
	if err := shared.Validate(input); err != nil {
		return Movement{}, err
	}
	return s.post(ctx, input.IdempotencyKey, MovementInput{
		ProductID:     input.ProductID,
		Quantity:      input.Quantity,
		Type:          MovementAdjustment,
		Note:          input.Reason,
		ActorID:       input.ActorID,
		AllowNegative: s.cfg.AllowNegativeAdjustments,
	})
}

func (s *Service) post(ctx context.Context, clientKey string, in MovementInput) (Movement, error) {
	if in.ProductID <= 0 {
		return Movement{}, shared.NewValidationError("product_id", "is required")
	}
	key := ""
	if clientKey != "" && s.idempotency != nil {
		key = shared.IdempotencyKey(idempotencyModule, strconv.FormatInt(in.ProductID, 10), clientKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			return Movement{}, err
		}
	}
	in.BatchID = uuid.New()
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxLedger) error {
		var err error
		movement, err = RecordMovement(ctx, tx, in)
		return err
	})
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Movement{}, err
	}
	if s.observer != nil {
		s.observer.ObserveMovement(string(movement.Type))
	}
	s.record(ctx, in.ActorID, fmt.Sprintf("stock:%s", movement.Type), movement.ProductID, map[string]any{
		"movement_id": movement.ID,
		"quantity":    movement.Quantity,
		"note":        movement.Note,
	})
	return movement, nil
}

// Reconcile checks one product's ledger for double releases and over-release.
func (s *Service) Reconcile(ctx context.Context, productID int64) (ReconcileReport, error) {
	movements, err := s.repo.Movements(ctx, productID)
	if err != nil {
		return ReconcileReport{}, err
	}
	return Reconcile(productID, movements), nil
}

// ReconcileAll reconciles every product with ledger history and returns the reports
// that contain anomalies.
func (s *Service) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	ids, err := s.repo.ProductIDs(ctx)
	if err != nil {
		return nil, err
	}
	var dirty []ReconcileReport
	for _, id := range ids {
		report, err := s.Reconcile(ctx, id)
		if errors.Is(err, ErrProductNotFound) {
			continue
		}
		if err != nil {
			return dirty, fmt.Errorf("stock: reconcile product %d: %w", id, err)
		}
		if !report.Clean() {
			s.logger.Warn("stock ledger anomalies", slog.Int64("product_id", id), slog.Int("count", len(report.Anomalies)))
			dirty = append(dirty, report)
		}
	}
	return dirty, nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, productID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "product",
		EntityID: strconv.FormatInt(productID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Error("stock audit", slog.String("action", action), slog.Any("error", err))
	}
}
