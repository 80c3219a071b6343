package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"nova-core/pkg/errutil"
	"nova-core/services/ledger"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service handles the merchant-facing money movement: point redemptions at
// the till and the settlement credits that follow confirmed purchases.
type Service struct {
	ledger *ledger.Service
}

type ServiceParams struct {
	fx.In

	Ledger *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{ledger: p.Ledger}
}

type RedeemPurchaseRequest struct {
	DriverID       string
	MerchantID     string
	Amount         int64
	IdempotencyKey string
	PurchaseRef    string
}

// RedeemPurchase burns driver points against a merchant purchase. The
// merchant must be registered and active; the actual debit/credit pair is
// the ledger's atomic redemption.
func (s *Service) RedeemPurchase(ctx context.Context, req RedeemPurchaseRequest) (*ledger.RedemptionPair, error) {
	if req.DriverID == "" || req.MerchantID == "" {
		return nil, errutil.BadRequest("driver_id and merchant_id are required")
	}
	if req.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0")
	}
	if req.IdempotencyKey == "" {
		return nil, errutil.BadRequest("idempotency_key is required")
	}

	merchant, err := s.ledger.Holder(ctx, ledger.HolderMerchant, req.MerchantID)
	if err != nil {
		return nil, err
	}
	if merchant.Status != ledger.HolderActive {
		return nil, errutil.UnprocessableEntity("merchant is not active")
	}

	pair, err := s.ledger.Redeem(ctx, ledger.RedeemRequest{
		DriverID:       req.DriverID,
		MerchantID:     req.MerchantID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("purchase redeemed",
		zap.String("driver_id", req.DriverID),
		zap.String("merchant_id", req.MerchantID),
		zap.Int64("amount", req.Amount),
		zap.String("purchase_ref", req.PurchaseRef),
	)
	return pair, nil
}

// NetAmount applies the processor fee in basis points to a gross amount,
// rounding the fee down so the merchant never loses a point to rounding.
func NetAmount(gross, feeBps int64) int64 {
	return gross - gross*feeBps/10000
}

// SettleConfirmedPurchase credits the merchant with the purchase amount
// net of processor fees. The external reference keys the ledger entry, so
// replays of the same settlement are no-ops.
func (s *Service) SettleConfirmedPurchase(ctx context.Context, event ConfirmedPurchaseEvent) (*ledger.Transaction, error) {
	if event.MerchantID == "" || event.ExternalReference == "" {
		return nil, errutil.BadRequest("merchant_id and external_reference are required")
	}
	if event.GrossAmount <= 0 {
		return nil, errutil.BadRequest("gross_amount must be > 0")
	}
	if event.FeeBps < 0 || event.FeeBps > 10000 {
		return nil, errutil.BadRequest("fee_bps out of range")
	}

	net := NetAmount(event.GrossAmount, event.FeeBps)
	entry, err := s.ledger.Grant(ctx, ledger.GrantRequest{
		HolderType:     ledger.HolderMerchant,
		HolderID:       event.MerchantID,
		Amount:         net,
		Type:           ledger.TypeMerchantTopup,
		IdempotencyKey: event.ExternalReference,
		Metadata: ledger.TopUpMetadata{
			Schema:            ledger.SchemaTopUp,
			ExternalReference: event.ExternalReference,
			GrossAmount:       event.GrossAmount,
			FeeBps:            event.FeeBps,
		},
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("merchant settlement credited",
		zap.String("merchant_id", event.MerchantID),
		zap.Int64("gross_amount", event.GrossAmount),
		zap.Int64("net_amount", net),
		zap.String("external_reference", event.ExternalReference),
	)
	return entry, nil
}

// HandleConfirmedPurchase is the asynq handler for processor settlement
// webhooks relayed through the task queue.
func (s *Service) HandleConfirmedPurchase(ctx context.Context, t *asynq.Task) error {
	var event ConfirmedPurchaseEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("unmarshal confirmed purchase: %v: %w", err, asynq.SkipRetry)
	}

	if _, err := s.SettleConfirmedPurchase(ctx, event); err != nil {
		if errutil.HasStatus(err, errutil.StatusBadRequest) {
			return fmt.Errorf("settle confirmed purchase: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}
