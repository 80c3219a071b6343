package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyHolderBalanced(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterHolder(ctx, HolderDriver, "drv-1")
	require.NoError(t, err)
	_, err = svc.RegisterHolder(ctx, HolderMerchant, "mer-1")
	require.NoError(t, err)

	_, err = svc.Grant(ctx, GrantRequest{
		HolderType: HolderDriver, HolderID: "drv-1",
		Amount: 500, Type: TypeDriverEarn, IdempotencyKey: "seed",
	})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemRequest{
		DriverID: "drv-1", MerchantID: "mer-1",
		Amount: 200, IdempotencyKey: "pur-1",
	})
	require.NoError(t, err)

	report, err := svc.VerifyHolder(ctx, HolderDriver, "drv-1")
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, int64(300), report.CachedBalance)
	require.Equal(t, int64(300), report.LedgerSum)

	violations, err := svc.AuditAll(ctx)
	require.NoError(t, err)
	require.Empty(t, violations)
}

func TestAuditDetectsDrift(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterHolder(ctx, HolderDriver, "drv-1")
	require.NoError(t, err)

	_, err = svc.Grant(ctx, GrantRequest{
		HolderType: HolderDriver, HolderID: "drv-1",
		Amount: 300, Type: TypeDriverEarn, IdempotencyKey: "seed",
	})
	require.NoError(t, err)

	// Corrupt the cached balance behind the ledger's back.
	err = svc.db.Model(&BalanceHolder{}).
		Where("holder_type = ? AND holder_id = ?", HolderDriver, "drv-1").
		Update("balance", 999).Error
	require.NoError(t, err)

	report, err := svc.VerifyHolder(ctx, HolderDriver, "drv-1")
	require.NoError(t, err)
	require.False(t, report.Balanced)
	require.True(t, report.ChainValid)

	violations, err := svc.AuditAll(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
}

func TestAuditDetectsTamperedEntry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterHolder(ctx, HolderDriver, "drv-1")
	require.NoError(t, err)

	_, err = svc.Grant(ctx, GrantRequest{
		HolderType: HolderDriver, HolderID: "drv-1",
		Amount: 300, Type: TypeDriverEarn, IdempotencyKey: "evt-1",
	})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, GrantRequest{
		HolderType: HolderDriver, HolderID: "drv-1",
		Amount: 100, Type: TypeDriverEarn, IdempotencyKey: "evt-2",
	})
	require.NoError(t, err)

	// Rewrite history: bump the first entry's amount and patch the cached
	// balance so only the chain betrays the edit.
	err = svc.db.Model(&Transaction{}).
		Where("idempotency_key = ?", "evt-1").
		Update("amount", 500).Error
	require.NoError(t, err)
	err = svc.db.Model(&BalanceHolder{}).
		Where("holder_type = ? AND holder_id = ?", HolderDriver, "drv-1").
		Update("balance", 600).Error
	require.NoError(t, err)

	report, err := svc.VerifyHolder(ctx, HolderDriver, "drv-1")
	require.NoError(t, err)
	require.False(t, report.ChainValid)
	require.False(t, report.OK())
}
