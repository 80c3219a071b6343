package campaign

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"nova-core/pkg/errutil"
	"nova-core/services/ledger"
	"nova-core/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestServices(t *testing.T) (*Service, *ledger.Service) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.BalanceHolder{}, &ledger.Transaction{},
		&Campaign{}, &IncentiveGrant{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	campaignSvc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Ledger:    ledgerSvc,
		Evaluator: NewCELEvaluator(),
	})
	return campaignSvc, ledgerSvc
}

func activeCampaign(t *testing.T, svc *Service, req CreateCampaignRequest) *Campaign {
	t.Helper()

	c, err := svc.CreateCampaign(context.Background(), req)
	require.NoError(t, err)

	c, err = svc.Activate(context.Background(), c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, c.Status)
	return c
}

func verifiedEvent(id, driverID string) SessionEvent {
	start := time.Now().Add(-time.Hour)
	return SessionEvent{
		ID:        id,
		DriverID:  driverID,
		ChargerID: "chg-1",
		StartTime: start,
		EndTime:   start.Add(45 * time.Minute),
		Verified:  true,
		Source:    "charging_network",
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	svc, _ := newTestServices(t)
	ctx := context.Background()

	_, err := svc.CreateCampaign(ctx, CreateCampaignRequest{Name: "no sponsor", BudgetTotal: 100, CostPerGrant: 10})
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))

	_, err = svc.CreateCampaign(ctx, CreateCampaignRequest{SponsorID: "sp-1", Name: "bad budget", BudgetTotal: 0, CostPerGrant: 10})
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))

	_, err = svc.CreateCampaign(ctx, CreateCampaignRequest{SponsorID: "sp-1", Name: "cost over budget", BudgetTotal: 50, CostPerGrant: 100})
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))

	_, err = svc.CreateCampaign(ctx, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "bad rule", BudgetTotal: 1000, CostPerGrant: 100,
		TargetingExpression: "start_hour >>> 22",
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))

	c, err := svc.CreateCampaign(ctx, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "night owl", BudgetTotal: 1000, CostPerGrant: 100,
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, c.Status)
	require.Equal(t, TypeSessionReward, c.Type)
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _ := newTestServices(t)
	ctx := context.Background()

	c, err := svc.CreateCampaign(ctx, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "lifecycle", BudgetTotal: 1000, CostPerGrant: 100,
	})
	require.NoError(t, err)

	// Draft cannot pause or resume.
	_, err = svc.Pause(ctx, c.CampaignID, "x")
	require.True(t, errutil.HasStatus(err, errutil.StatusInvalidTransition))
	_, err = svc.Resume(ctx, c.CampaignID)
	require.True(t, errutil.HasStatus(err, errutil.StatusInvalidTransition))

	c, err = svc.Activate(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, c.Status)

	// Double activation is rejected.
	_, err = svc.Activate(ctx, c.CampaignID)
	require.True(t, errutil.HasStatus(err, errutil.StatusInvalidTransition))

	c, err = svc.Pause(ctx, c.CampaignID, "sponsor request")
	require.NoError(t, err)
	require.Equal(t, StatusPaused, c.Status)
	require.Equal(t, "sponsor request", c.PauseReason)

	c, err = svc.Resume(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, c.Status)
	require.Empty(t, c.PauseReason)

	c, err = svc.Complete(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, c.Status)

	_, err = svc.Pause(ctx, c.CampaignID, "x")
	require.True(t, errutil.HasStatus(err, errutil.StatusInvalidTransition))
}

func TestUpdateCampaignDraftOnly(t *testing.T) {
	svc, _ := newTestServices(t)
	ctx := context.Background()

	c, err := svc.CreateCampaign(ctx, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "editable", BudgetTotal: 1000, CostPerGrant: 100,
	})
	require.NoError(t, err)

	budget := int64(2000)
	c, err = svc.UpdateCampaign(ctx, c.CampaignID, UpdateCampaignRequest{BudgetTotal: &budget})
	require.NoError(t, err)
	require.Equal(t, int64(2000), c.BudgetTotal)

	_, err = svc.Activate(ctx, c.CampaignID)
	require.NoError(t, err)

	_, err = svc.UpdateCampaign(ctx, c.CampaignID, UpdateCampaignRequest{BudgetTotal: &budget})
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	// The rejected edit left the stored row untouched.
	c, err = svc.GetCampaign(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, int64(2000), c.BudgetTotal)
	require.Equal(t, StatusActive, c.Status)
}

func TestCloneCampaignResetsCounters(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "original", BudgetTotal: 1000, CostPerGrant: 100,
	})

	_, err = svc.GrantForSession(ctx, c.CampaignID, verifiedEvent("evt-1", "drv-1"))
	require.NoError(t, err)

	clone, err := svc.CloneCampaign(ctx, c.CampaignID, "original v2")
	require.NoError(t, err)
	require.Equal(t, StatusDraft, clone.Status)
	require.Equal(t, "original v2", clone.Name)
	require.Zero(t, clone.BudgetSpent)
	require.Zero(t, clone.GrantsIssuedCount)
	require.NotEqual(t, c.CampaignID, clone.CampaignID)
}

func TestGrantForSession(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "session reward", BudgetTotal: 1000, CostPerGrant: 100,
	})

	grant, err := svc.GrantForSession(ctx, c.CampaignID, verifiedEvent("evt-1", "drv-1"))
	require.NoError(t, err)
	require.NotNil(t, grant)
	require.Equal(t, GrantGranted, grant.Status)
	require.Equal(t, int64(100), grant.Amount)
	require.NotEmpty(t, grant.TransactionID)
	require.NotNil(t, grant.GrantedAt)

	balance, err := ledgerSvc.Balance(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)

	status, err := svc.CheckBudget(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, int64(100), status.BudgetSpent)
	require.Equal(t, int64(900), status.Remaining)
	require.Equal(t, int64(1), status.GrantsIssued)
}

func TestGrantForSessionDeduplicatesEvent(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "dedup", BudgetTotal: 1000, CostPerGrant: 100,
	})

	event := verifiedEvent("evt-1", "drv-1")

	first, err := svc.GrantForSession(ctx, c.CampaignID, event)
	require.NoError(t, err)

	second, err := svc.GrantForSession(ctx, c.CampaignID, event)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	status, err := svc.CheckBudget(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, int64(100), status.BudgetSpent)

	balance, err := ledgerSvc.Balance(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestGrantForSessionRejectsUnverified(t *testing.T) {
	svc, _ := newTestServices(t)
	ctx := context.Background()

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "verified only", BudgetTotal: 1000, CostPerGrant: 100,
	})

	event := verifiedEvent("evt-1", "drv-1")
	event.Verified = false

	_, err := svc.GrantForSession(ctx, c.CampaignID, event)
	require.True(t, errutil.HasStatus(err, errutil.StatusBadRequest))
}

func TestGrantForSessionTargeting(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "long sessions", BudgetTotal: 1000, CostPerGrant: 100,
		TargetingExpression: "duration_minutes >= 30",
	})

	short := verifiedEvent("evt-short", "drv-1")
	short.EndTime = short.StartTime.Add(10 * time.Minute)

	grant, err := svc.GrantForSession(ctx, c.CampaignID, short)
	require.NoError(t, err)
	require.Nil(t, grant)

	grant, err = svc.GrantForSession(ctx, c.CampaignID, verifiedEvent("evt-long", "drv-1"))
	require.NoError(t, err)
	require.NotNil(t, grant)
}

func TestGrantForSessionPerDriverCaps(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "capped", BudgetTotal: 1000, CostPerGrant: 100,
		MaxPerDriver: 1,
	})

	grant, err := svc.GrantForSession(ctx, c.CampaignID, verifiedEvent("evt-1", "drv-1"))
	require.NoError(t, err)
	require.NotNil(t, grant)

	// Second session for the same driver is silently ineligible.
	grant, err = svc.GrantForSession(ctx, c.CampaignID, verifiedEvent("evt-2", "drv-1"))
	require.NoError(t, err)
	require.Nil(t, grant)

	status, err := svc.CheckBudget(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, int64(100), status.BudgetSpent)
}

func TestBudgetExhaustion(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "exhaustible", BudgetTotal: 1000, CostPerGrant: 100,
	})

	granted := 0
	var exceeded int
	for i := 0; i < 12; i++ {
		driverID := fmt.Sprintf("drv-%d", i)
		_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, driverID)
		require.NoError(t, err)

		_, err = svc.GrantForSession(ctx, c.CampaignID, verifiedEvent(fmt.Sprintf("evt-%d", i), driverID))
		if err != nil {
			require.True(t, errutil.HasStatus(err, errutil.StatusBudgetExceeded))
			exceeded++
			continue
		}
		granted++
	}

	require.Equal(t, 10, granted)
	require.Equal(t, 2, exceeded)

	c, err := svc.GetCampaign(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusExhausted, c.Status)
	require.Equal(t, int64(1000), c.BudgetSpent)
	require.Equal(t, int64(10), c.GrantsIssuedCount)

	var total int64
	for i := 0; i < 12; i++ {
		balance, err := ledgerSvc.Balance(ctx, ledger.HolderDriver, fmt.Sprintf("drv-%d", i))
		require.NoError(t, err)
		total += balance
	}
	require.Equal(t, int64(1000), total)
}

func TestExhaustionFlipsOnlyWhenBudgetFullySpent(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "boundary", BudgetTotal: 1000, CostPerGrant: 100,
	})

	for i := 0; i < 9; i++ {
		driverID := fmt.Sprintf("drv-%d", i)
		_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, driverID)
		require.NoError(t, err)
		_, err = svc.GrantForSession(ctx, c.CampaignID, verifiedEvent(fmt.Sprintf("evt-%d", i), driverID))
		require.NoError(t, err)
	}

	// One grant of headroom left: the campaign must still be active.
	c, err := svc.GetCampaign(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, c.Status)
	require.Equal(t, int64(900), c.BudgetSpent)

	_, err = ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-9")
	require.NoError(t, err)
	grant, err := svc.GrantForSession(ctx, c.CampaignID, verifiedEvent("evt-9", "drv-9"))
	require.NoError(t, err)
	require.NotNil(t, grant)

	c, err = svc.GetCampaign(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusExhausted, c.Status)
	require.Equal(t, int64(1000), c.BudgetSpent)
}

func TestMaxGrantsStopsBeforeBudget(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	maxGrants := int64(2)
	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "grant capped", BudgetTotal: 1000, CostPerGrant: 100,
		MaxGrants: &maxGrants,
	})

	for i := 0; i < 2; i++ {
		driverID := fmt.Sprintf("drv-%d", i)
		_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, driverID)
		require.NoError(t, err)
		_, err = svc.GrantForSession(ctx, c.CampaignID, verifiedEvent(fmt.Sprintf("evt-%d", i), driverID))
		require.NoError(t, err)
	}

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-9")
	require.NoError(t, err)
	_, err = svc.GrantForSession(ctx, c.CampaignID, verifiedEvent("evt-9", "drv-9"))
	require.True(t, errutil.HasStatus(err, errutil.StatusBudgetExceeded))

	c, err = svc.GetCampaign(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, int64(200), c.BudgetSpent)
}

func TestConcurrentGrantsConserveBudget(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "contended", BudgetTotal: 500, CostPerGrant: 100,
	})

	const workers = 8
	for i := 0; i < workers; i++ {
		_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, fmt.Sprintf("drv-%d", i))
		require.NoError(t, err)
	}

	var granted, exceeded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			driverID := fmt.Sprintf("drv-%d", i)
			_, err := svc.GrantForSession(gctx, c.CampaignID, verifiedEvent(fmt.Sprintf("evt-%d", i), driverID))
			if err != nil {
				if errutil.HasStatus(err, errutil.StatusBudgetExceeded) {
					exceeded.Add(1)
					return nil
				}
				return err
			}
			granted.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, int64(5), granted.Load())
	require.Equal(t, int64(3), exceeded.Load())

	c, err := svc.GetCampaign(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusExhausted, c.Status)
	require.Equal(t, int64(500), c.BudgetSpent)
	require.Equal(t, int64(5), c.GrantsIssuedCount)

	var total int64
	for i := 0; i < workers; i++ {
		balance, err := ledgerSvc.Balance(ctx, ledger.HolderDriver, fmt.Sprintf("drv-%d", i))
		require.NoError(t, err)
		total += balance
	}
	require.Equal(t, int64(500), total)
}

func TestClawbackGrant(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "clawable", BudgetTotal: 1000, CostPerGrant: 100,
	})

	grant, err := svc.GrantForSession(ctx, c.CampaignID, verifiedEvent("evt-1", "drv-1"))
	require.NoError(t, err)

	clawed, err := svc.ClawbackGrant(ctx, grant.ID, "session invalidated")
	require.NoError(t, err)
	require.True(t, clawed)

	grant, err = svc.GetGrant(ctx, grant.ID)
	require.NoError(t, err)
	require.Equal(t, GrantClawedBack, grant.Status)
	require.Equal(t, "session invalidated", grant.ClawbackReason)

	balance, err := ledgerSvc.Balance(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)
	require.Zero(t, balance)

	c, err = svc.GetCampaign(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Zero(t, c.BudgetSpent)
	require.Zero(t, c.GrantsIssuedCount)

	// Second clawback is a no-op.
	clawed, err = svc.ClawbackGrant(ctx, grant.ID, "again")
	require.NoError(t, err)
	require.False(t, clawed)

	balance, err = ledgerSvc.Balance(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestClawbackReactivatesExhaustedCampaign(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "reactivates", BudgetTotal: 1000, CostPerGrant: 100,
	})

	var lastGrant *IncentiveGrant
	for i := 0; i < 10; i++ {
		driverID := fmt.Sprintf("drv-%d", i)
		_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, driverID)
		require.NoError(t, err)
		grant, err := svc.GrantForSession(ctx, c.CampaignID, verifiedEvent(fmt.Sprintf("evt-%d", i), driverID))
		require.NoError(t, err)
		lastGrant = grant
	}

	c, err := svc.GetCampaign(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusExhausted, c.Status)

	clawed, err := svc.ClawbackGrant(ctx, lastGrant.ID, "fraud")
	require.NoError(t, err)
	require.True(t, clawed)

	c, err = svc.GetCampaign(ctx, c.CampaignID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, c.Status)
	require.Equal(t, int64(900), c.BudgetSpent)
	require.Equal(t, int64(9), c.GrantsIssuedCount)
}

func TestProcessSessionPriorityOrder(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)
	_, err = ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-2")
	require.NoError(t, err)

	low := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "low", BudgetTotal: 1000, CostPerGrant: 50, Priority: 1,
	})
	high := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-2", Name: "high", BudgetTotal: 100, CostPerGrant: 100, Priority: 5,
	})

	grant, err := svc.ProcessSession(ctx, verifiedEvent("evt-1", "drv-1"))
	require.NoError(t, err)
	require.Equal(t, high.CampaignID, grant.CampaignID)

	// High-priority budget is now gone; the next event falls through.
	grant, err = svc.ProcessSession(ctx, verifiedEvent("evt-2", "drv-2"))
	require.NoError(t, err)
	require.Equal(t, low.CampaignID, grant.CampaignID)
}

func TestProcessSessionNoMatch(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)

	activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "never matches", BudgetTotal: 1000, CostPerGrant: 100,
		TargetingExpression: "source == 'other_network'",
	})

	grant, err := svc.ProcessSession(ctx, verifiedEvent("evt-1", "drv-1"))
	require.NoError(t, err)
	require.Nil(t, grant)
}

func TestScheduleWindow(t *testing.T) {
	svc, ledgerSvc := newTestServices(t)
	ctx := context.Background()

	_, err := ledgerSvc.RegisterHolder(ctx, ledger.HolderDriver, "drv-1")
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	ended := time.Now().Add(-24 * time.Hour)
	c := activeCampaign(t, svc, CreateCampaignRequest{
		SponsorID: "sp-1", Name: "ended", BudgetTotal: 1000, CostPerGrant: 100,
		StartAt: &past, EndAt: &ended,
	})

	_, err = svc.GrantForSession(ctx, c.CampaignID, verifiedEvent("evt-1", "drv-1"))
	require.True(t, errutil.HasStatus(err, errutil.StatusUnprocessableEntity))
}
