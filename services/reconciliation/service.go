package reconciliation

import (
	"context"
	"errors"
	"time"

	"nova-core/pkg/db/option"
	"nova-core/pkg/errutil"
	"nova-core/pkg/repository"
	"nova-core/pkg/sequence"
	"nova-core/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Service reconciles payouts stuck in unknown after a processor call
// timed out. Resolution is idempotent: the compensating credit is keyed
// on the payout id, so a crash between the credit and the status flip
// cannot double-refund.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	seq       sequence.Generator
	ledger    *ledger.Service
	processor ProcessorClient

	payouts repository.Repository[ExternalPayout]
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Seq       sequence.Generator `optional:"true"`
	Ledger    *ledger.Service
	Processor ProcessorClient
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		seq:       p.Seq,
		ledger:    p.Ledger,
		processor: p.Processor,

		payouts: repository.ProvideStore[ExternalPayout](p.DB),
	}
}

type RecordPayoutRequest struct {
	HolderType        ledger.HolderType
	HolderID          string
	Amount            int64
	ExternalReference string
	Status            PayoutStatus
}

// RecordPayout registers a transfer handed to the processor. Callers that
// timed out waiting for the processor record it as unknown.
func (s *Service) RecordPayout(ctx context.Context, req RecordPayoutRequest) (*ExternalPayout, error) {
	if req.HolderID == "" || req.ExternalReference == "" {
		return nil, errutil.BadRequest("holder_id and external_reference are required")
	}
	if req.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0")
	}

	status := req.Status
	if status == "" {
		status = PayoutPending
	}

	payout := &ExternalPayout{
		ID:                s.node.Generate().String(),
		HolderType:        req.HolderType,
		HolderID:          req.HolderID,
		Amount:            req.Amount,
		Status:            status,
		ExternalReference: req.ExternalReference,
	}
	if s.seq != nil {
		if code, err := s.seq.NextPayoutCode(ctx); err == nil {
			payout.PayoutCode = code
		}
	}

	if err := s.payouts.Create(ctx, payout); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.payouts.FindOne(ctx, &ExternalPayout{ExternalReference: req.ExternalReference})
		}
		return nil, err
	}
	return payout, nil
}

// MarkUnknown flags a pending payout whose processor call timed out.
func (s *Service) MarkUnknown(ctx context.Context, payoutID string) error {
	res := s.db.WithContext(ctx).
		Model(&ExternalPayout{}).
		Where("id = ? AND status = ?", payoutID, PayoutPending).
		Updates(map[string]any{"status": PayoutUnknown, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("payout is not pending")
	}
	return nil
}

// ResolveUnknown asks the processor what happened to one unknown payout
// and settles the record accordingly. Still-pending transfers are left
// untouched for the next sweep.
func (s *Service) ResolveUnknown(ctx context.Context, payoutID string) (*ExternalPayout, error) {
	payout, err := s.payouts.FindOne(ctx, &ExternalPayout{ID: payoutID})
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, errutil.NotFound("payout not found")
	}
	if payout.Status == PayoutSucceeded || payout.Status == PayoutFailed {
		return payout, nil
	}

	state, err := s.processor.TransferStatus(ctx, payout.ExternalReference)
	if err != nil {
		zap.L().Warn("processor lookup failed",
			zap.String("payout_id", payout.ID),
			zap.Error(err),
		)
		return nil, errutil.Retryable("processor lookup failed", errutil.WithErr(err))
	}

	switch state {
	case TransferSucceeded:
		return s.settlePayout(ctx, payout, map[string]any{
			"status":        PayoutSucceeded,
			"reconciled_at": time.Now(),
			"updated_at":    time.Now(),
		})

	case TransferFailed, TransferNotFound:
		return s.refundPayout(ctx, payout, state)

	default:
		zap.L().Info("payout still pending at processor",
			zap.String("payout_id", payout.ID),
			zap.String("external_reference", payout.ExternalReference),
		)
		return payout, nil
	}
}

// refundPayout credits the held amount back to the holder and closes the
// payout as failed. The ledger idempotency key pins the credit to the
// payout, so re-running after a partial failure replays instead of
// double-crediting.
func (s *Service) refundPayout(ctx context.Context, payout *ExternalPayout, state TransferState) (*ExternalPayout, error) {
	creditType := ledger.TypeDriverEarn
	if payout.HolderType == ledger.HolderMerchant {
		creditType = ledger.TypeMerchantTopup
	}

	entry, err := s.ledger.Grant(ctx, ledger.GrantRequest{
		HolderType:     payout.HolderType,
		HolderID:       payout.HolderID,
		Amount:         payout.Amount,
		Type:           creditType,
		IdempotencyKey: "payout-reversal:" + payout.ID,
		Metadata: ledger.PayoutReversalMetadata{
			Schema:            ledger.SchemaPayoutReversal,
			PayoutID:          payout.ID,
			ExternalReference: payout.ExternalReference,
		},
	})
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":                  PayoutFailed,
		"reversal_transaction_id": entry.ID,
		"failure_reason":          string(state),
		"no_transfer_confirmed":   state == TransferNotFound,
		"reconciled_at":           time.Now(),
		"updated_at":              time.Now(),
	}

	resolved, err := s.settlePayout(ctx, payout, updates)
	if err != nil {
		return nil, err
	}

	zap.L().Info("payout refunded",
		zap.String("payout_id", payout.ID),
		zap.String("holder_id", payout.HolderID),
		zap.Int64("amount", payout.Amount),
		zap.String("reversal_transaction_id", entry.ID),
	)
	return resolved, nil
}

func (s *Service) settlePayout(ctx context.Context, payout *ExternalPayout, updates map[string]any) (*ExternalPayout, error) {
	res := s.db.WithContext(ctx).
		Model(&ExternalPayout{}).
		Where("id = ? AND status IN ?", payout.ID, []PayoutStatus{PayoutPending, PayoutUnknown}).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// A concurrent resolver settled it first.
		return s.payouts.FindOne(ctx, &ExternalPayout{ID: payout.ID})
	}
	return s.payouts.FindOne(ctx, &ExternalPayout{ID: payout.ID})
}

// SweepUnknown resolves every unknown payout, a few at a time. Lookup
// errors are logged and left for the next sweep rather than aborting the
// batch.
func (s *Service) SweepUnknown(ctx context.Context) (int, error) {
	unknowns, err := s.payouts.Find(ctx, &ExternalPayout{Status: PayoutUnknown}, option.WithLimit(200))
	if err != nil {
		return 0, err
	}
	if len(unknowns) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	resolved := make(chan struct{}, len(unknowns))
	for _, payout := range unknowns {
		g.Go(func() error {
			p, err := s.ResolveUnknown(gctx, payout.ID)
			if err != nil {
				zap.L().Warn("failed to resolve payout",
					zap.String("payout_id", payout.ID),
					zap.Error(err),
				)
				return nil
			}
			if p.Status == PayoutSucceeded || p.Status == PayoutFailed {
				resolved <- struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(resolved)

	n := len(resolved)
	zap.L().Info("reconciliation sweep finished",
		zap.Int("unknown", len(unknowns)),
		zap.Int("resolved", n),
	)
	return n, nil
}
