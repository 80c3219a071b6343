package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"nova-core/pkg/db/option"
	"nova-core/pkg/errutil"
	"nova-core/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service is the ledger engine. It is the only writer of cached holder
// balances and the append-only transaction log; every mutation happens in
// one storage transaction so a partial grant or redemption is never
// persisted. Idempotency rests on the unique index over idempotency_key,
// not on a check-then-act read.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	holders      repository.Repository[BalanceHolder]
	transactions repository.Repository[Transaction]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		holders:      repository.ProvideStore[BalanceHolder](p.DB),
		transactions: repository.ProvideStore[Transaction](p.DB),
	}
}

type GrantRequest struct {
	HolderType     HolderType
	HolderID       string
	Amount         int64
	Type           TransactionType
	IdempotencyKey string
	CounterpartyID string
	Metadata       any
}

type RedeemRequest struct {
	DriverID       string
	MerchantID     string
	Amount         int64
	IdempotencyKey string
}

type RedemptionPair struct {
	Debit  *Transaction
	Credit *Transaction
}

type ReverseRequest struct {
	OriginalTransactionID string
	GrantID               string
	Reason                string
	IdempotencyKey        string
}

// RegisterHolder creates the balance row for a driver or merchant. Safe to
// call again for an existing holder: the existing row is returned unchanged.
func (s *Service) RegisterHolder(ctx context.Context, holderType HolderType, holderID string) (*BalanceHolder, error) {
	if holderType != HolderDriver && holderType != HolderMerchant {
		return nil, errutil.BadRequest("unsupported holder type")
	}
	if holderID == "" {
		return nil, errutil.BadRequest("holder_id is required")
	}

	holder := &BalanceHolder{
		ID:         s.node.Generate().String(),
		HolderType: holderType,
		HolderID:   holderID,
		Status:     HolderActive,
		Balance:    0,
	}
	if err := s.holders.Create(ctx, holder); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.holders.FindOne(ctx, &BalanceHolder{HolderType: holderType, HolderID: holderID})
		}
		return nil, err
	}
	return holder, nil
}

func (s *Service) Holder(ctx context.Context, holderType HolderType, holderID string) (*BalanceHolder, error) {
	holder, err := s.holders.FindOne(ctx, &BalanceHolder{HolderType: holderType, HolderID: holderID})
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, errutil.NotFound("holder not found")
	}
	return holder, nil
}

// Balance returns the cached balance. The cache equals the transaction sum
// by construction; the audit job re-asserts that instead of recomputing
// the sum on every read.
func (s *Service) Balance(ctx context.Context, holderType HolderType, holderID string) (int64, error) {
	holder, err := s.Holder(ctx, holderType, holderID)
	if err != nil {
		return 0, err
	}
	return holder.Balance, nil
}

// Grant credits a holder and appends the matching transaction. Replaying
// the same idempotency key returns the original transaction with no
// mutation, enforced by the storage-level unique index even under
// concurrent identical requests.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*Transaction, error) {
	opts := traceFields(ctx)

	if req.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0")
	}
	if req.IdempotencyKey == "" {
		return nil, errutil.BadRequest("idempotency_key is required")
	}
	if !req.Type.Valid() || req.Type == TypeDriverRedeem || req.Type == TypeClawback {
		return nil, errutil.BadRequest("unsupported grant type")
	}
	if !req.Type.AllowedFor(req.HolderType) {
		return nil, errutil.BadRequest("transaction type not allowed for holder type")
	}

	var entry *Transaction
	err := s.withRetry(func() error {
		var innerErr error
		entry, innerErr = s.processGrant(ctx, req)
		return innerErr
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, findErr := s.transactions.FindOne(ctx, &Transaction{IdempotencyKey: req.IdempotencyKey})
			if findErr != nil {
				return nil, findErr
			}
			if existing == nil {
				return nil, errutil.Internal("idempotency replay lookup failed")
			}
			zap.L().With(opts...).Info("grant replayed by idempotency key",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("transaction_id", existing.ID),
			)
			return existing, nil
		}
		zap.L().With(opts...).Error("failed to process grant", zap.Error(err))
		return nil, err
	}
	return entry, nil
}

func (s *Service) processGrant(ctx context.Context, req GrantRequest) (*Transaction, error) {
	var entry *Transaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var innerErr error
		entry, innerErr = s.GrantInTx(ctx, tx, req)
		return innerErr
	})
	return entry, err
}

// GrantInTx performs the grant inside a caller-owned storage transaction.
// Callers composing a grant with other writes (the campaign controller)
// use this so the whole unit commits or rolls back together. No replay
// handling here: a duplicate idempotency key surfaces as
// gorm.ErrDuplicatedKey and aborts the caller's transaction.
func (s *Service) GrantInTx(ctx context.Context, tx *gorm.DB, req GrantRequest) (*Transaction, error) {
	tx = tx.Scopes(option.LockingUpdate)

	holder, err := s.holders.WithTrx(tx).FindOne(ctx, &BalanceHolder{
		HolderType: req.HolderType, HolderID: req.HolderID,
	}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, errutil.NotFound("holder not found")
	}

	code, err := GenerateTransactionCode()
	if err != nil {
		return nil, err
	}

	entry, err := s.appendEntry(ctx, tx, &Transaction{
		ID:              s.node.Generate().String(),
		HolderType:      req.HolderType,
		HolderID:        req.HolderID,
		Type:            req.Type,
		Amount:          req.Amount,
		TransactionCode: code,
		CounterpartyID:  req.CounterpartyID,
		IdempotencyKey:  req.IdempotencyKey,
		Metadata:        MarshalMetadata(req.Metadata),
	})
	if err != nil {
		return nil, err
	}

	if err := s.holders.WithTrx(tx).Update(ctx, holder.ID, map[string]any{
		"balance":    gorm.Expr("balance + ?", req.Amount),
		"updated_at": time.Now(),
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// Redeem debits the driver and credits the merchant as one atomic pair.
// The driver balance guard is part of the decrement itself, so of two
// concurrent redemptions that would overdraw, at most one succeeds.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*RedemptionPair, error) {
	opts := traceFields(ctx)

	if req.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0")
	}
	if req.IdempotencyKey == "" {
		return nil, errutil.BadRequest("idempotency_key is required")
	}

	if pair, err := s.findPair(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if pair != nil {
		zap.L().With(opts...).Info("redeem replayed by idempotency key",
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		return pair, nil
	}

	var pair *RedemptionPair
	err := s.withRetry(func() error {
		var innerErr error
		pair, innerErr = s.processRedeem(ctx, req)
		return innerErr
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.findPair(ctx, req.IdempotencyKey)
		}
		zap.L().With(opts...).Error("failed to process redeem", zap.Error(err))
		return nil, err
	}
	return pair, nil
}

func (s *Service) processRedeem(ctx context.Context, req RedeemRequest) (*RedemptionPair, error) {
	var pair *RedemptionPair
	err := s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		holdersTx := s.holders.WithTrx(tx)

		driver, err := holdersTx.FindOne(ctx, &BalanceHolder{HolderType: HolderDriver, HolderID: req.DriverID})
		if err != nil {
			return err
		}
		if driver == nil {
			return errutil.NotFound("driver not found")
		}

		merchant, err := holdersTx.FindOne(ctx, &BalanceHolder{HolderType: HolderMerchant, HolderID: req.MerchantID})
		if err != nil {
			return err
		}
		if merchant == nil {
			return errutil.NotFound("merchant not found")
		}

		// Guard and decrement in the same write. RowsAffected tells us
		// whether the balance was still sufficient at mutation time.
		res := tx.WithContext(ctx).Model(&BalanceHolder{}).
			Where("holder_type = ? AND holder_id = ? AND balance >= ?", HolderDriver, req.DriverID, req.Amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", req.Amount),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.InsufficientBalance("driver balance below redemption amount")
		}

		code, err := GenerateTransactionCode()
		if err != nil {
			return err
		}

		meta := RedemptionMetadata{
			Schema:     SchemaRedemption,
			DriverID:   req.DriverID,
			MerchantID: req.MerchantID,
		}

		debit, err := s.appendEntry(ctx, tx, &Transaction{
			ID:              s.node.Generate().String(),
			HolderType:      HolderDriver,
			HolderID:        req.DriverID,
			Type:            TypeDriverRedeem,
			Amount:          -req.Amount,
			TransactionCode: code,
			CounterpartyID:  req.MerchantID,
			IdempotencyKey:  req.IdempotencyKey,
			Metadata:        MarshalMetadata(meta),
		})
		if err != nil {
			return err
		}

		credit, err := s.appendEntry(ctx, tx, &Transaction{
			ID:              s.node.Generate().String(),
			HolderType:      HolderMerchant,
			HolderID:        req.MerchantID,
			Type:            TypeMerchantEarn,
			Amount:          req.Amount,
			TransactionCode: code,
			CounterpartyID:  req.DriverID,
			IdempotencyKey:  req.IdempotencyKey + ":credit",
			Metadata:        MarshalMetadata(meta),
		})
		if err != nil {
			return err
		}

		if err := holdersTx.Update(ctx, merchant.ID, map[string]any{
			"balance":    gorm.Expr("balance + ?", req.Amount),
			"updated_at": time.Now(),
		}); err != nil {
			return err
		}

		pair = &RedemptionPair{Debit: debit, Credit: credit}
		return nil
	})
	return pair, err
}

// Reverse appends a compensating clawback debit for a previously granted
// credit. The original transaction is never touched; the reversal may take
// the holder balance negative when the credit was already spent.
func (s *Service) Reverse(ctx context.Context, req ReverseRequest) (*Transaction, error) {
	opts := traceFields(ctx)

	if req.IdempotencyKey == "" {
		return nil, errutil.BadRequest("idempotency_key is required")
	}

	original, err := s.transactions.FindOne(ctx, &Transaction{ID: req.OriginalTransactionID})
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, errutil.NotFound("original transaction not found")
	}
	if original.Amount <= 0 {
		return nil, errutil.BadRequest("only credit transactions can be reversed")
	}

	var entry *Transaction
	err = s.withRetry(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var innerErr error
			entry, innerErr = s.ReverseInTx(ctx, tx, req)
			return innerErr
		})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.transactions.FindOne(ctx, &Transaction{IdempotencyKey: req.IdempotencyKey})
		}
		zap.L().With(opts...).Error("failed to process reversal", zap.Error(err))
		return nil, err
	}
	return entry, nil
}

// ReverseInTx is the caller-owned-transaction variant of Reverse, used by
// the campaign controller so the compensating debit commits together with
// the grant status flip and the budget restore.
func (s *Service) ReverseInTx(ctx context.Context, tx *gorm.DB, req ReverseRequest) (*Transaction, error) {
	tx = tx.Scopes(option.LockingUpdate)

	original, err := s.transactions.WithTrx(tx).FindOne(ctx, &Transaction{ID: req.OriginalTransactionID})
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, errutil.NotFound("original transaction not found")
	}
	if original.Amount <= 0 {
		return nil, errutil.BadRequest("only credit transactions can be reversed")
	}

	holder, err := s.holders.WithTrx(tx).FindOne(ctx, &BalanceHolder{
		HolderType: original.HolderType, HolderID: original.HolderID,
	}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, errutil.NotFound("holder not found")
	}

	entry, err := s.appendEntry(ctx, tx, &Transaction{
		ID:              s.node.Generate().String(),
		HolderType:      original.HolderType,
		HolderID:        original.HolderID,
		Type:            TypeClawback,
		Amount:          -original.Amount,
		TransactionCode: original.TransactionCode,
		CounterpartyID:  original.CounterpartyID,
		IdempotencyKey:  req.IdempotencyKey,
		Metadata: MarshalMetadata(ClawbackMetadata{
			Schema:                SchemaClawback,
			GrantID:               req.GrantID,
			OriginalTransactionID: original.ID,
			Reason:                req.Reason,
		}),
	})
	if err != nil {
		return nil, err
	}

	if err := s.holders.WithTrx(tx).Update(ctx, holder.ID, map[string]any{
		"balance":    gorm.Expr("balance - ?", original.Amount),
		"updated_at": time.Now(),
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) Transactions(ctx context.Context, holderType HolderType, holderID string) ([]*Transaction, error) {
	return s.transactions.Find(ctx, &Transaction{HolderType: holderType, HolderID: holderID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "asc",
			Allow:   map[string]bool{"id": true},
		}),
	)
}

// appendEntry chains the new entry onto the holder's last one and inserts
// it. Must run inside a locked storage transaction.
func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, entry *Transaction) (*Transaction, error) {
	last, err := s.lastEntry(ctx, tx, entry.HolderType, entry.HolderID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := s.transactions.WithTrx(tx).Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) lastEntry(ctx context.Context, tx *gorm.DB, holderType HolderType, holderID string) (*Transaction, error) {
	return s.transactions.WithTrx(tx).FindOne(ctx, &Transaction{
		HolderType: holderType, HolderID: holderID,
	}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "id",
		OrderBy: "desc",
		Allow:   map[string]bool{"id": true},
	}), option.WithLockingUpdate())
}

func (s *Service) findPair(ctx context.Context, idempotencyKey string) (*RedemptionPair, error) {
	debit, err := s.transactions.FindOne(ctx, &Transaction{IdempotencyKey: idempotencyKey})
	if err != nil || debit == nil {
		return nil, err
	}
	credit, err := s.transactions.FindOne(ctx, &Transaction{IdempotencyKey: idempotencyKey + ":credit"})
	if err != nil {
		return nil, err
	}
	return &RedemptionPair{Debit: debit, Credit: credit}, nil
}

func (s *Service) withRetry(fn func() error) error {
	err := fn()
	if err == nil || !isTransientConflict(err) {
		return err
	}

	zap.L().Warn("storage conflict, retrying once", zap.Error(err))
	if err = fn(); err != nil && isTransientConflict(err) {
		return errutil.Retryable("storage conflict", errutil.WithErr(err))
	}
	return err
}

func isTransientConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "lock timeout")
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
