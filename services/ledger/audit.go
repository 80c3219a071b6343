package ledger

import (
	"context"

	"nova-core/pkg/db/option"
	"nova-core/pkg/errutil"

	"go.uber.org/zap"
)

// AuditReport is the result of checking one holder: the cached balance
// must equal the sum of ledger amounts, and the hash chain must be intact.
type AuditReport struct {
	HolderType    HolderType
	HolderID      string
	CachedBalance int64
	LedgerSum     int64
	Balanced      bool
	ChainValid    bool
}

func (r *AuditReport) OK() bool {
	return r.Balanced && r.ChainValid
}

func (s *Service) VerifyHolder(ctx context.Context, holderType HolderType, holderID string) (*AuditReport, error) {
	holder, err := s.holders.FindOne(ctx, &BalanceHolder{HolderType: holderType, HolderID: holderID})
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, errutil.NotFound("holder not found")
	}

	entries, err := s.Transactions(ctx, holderType, holderID)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		HolderType:    holderType,
		HolderID:      holderID,
		CachedBalance: holder.Balance,
		ChainValid:    true,
	}

	var lastHash string
	for _, entry := range entries {
		report.LedgerSum += entry.Amount
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			report.ChainValid = false
		}
		lastHash = entry.Hash
	}
	report.Balanced = report.CachedBalance == report.LedgerSum

	return report, nil
}

// AuditAll verifies every holder and logs each violation. Run by the
// background worker on a daily schedule.
func (s *Service) AuditAll(ctx context.Context) ([]*AuditReport, error) {
	holders, err := s.holders.Find(ctx, &BalanceHolder{}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "id",
		OrderBy: "asc",
		Allow:   map[string]bool{"id": true},
	}))
	if err != nil {
		return nil, err
	}

	violations := make([]*AuditReport, 0)
	for _, holder := range holders {
		report, err := s.VerifyHolder(ctx, holder.HolderType, holder.HolderID)
		if err != nil {
			return nil, err
		}
		if !report.OK() {
			zap.L().Error("ledger audit violation",
				zap.String("holder_type", string(report.HolderType)),
				zap.String("holder_id", report.HolderID),
				zap.Int64("cached_balance", report.CachedBalance),
				zap.Int64("ledger_sum", report.LedgerSum),
				zap.Bool("chain_valid", report.ChainValid),
			)
			violations = append(violations, report)
		}
	}

	return violations, nil
}
