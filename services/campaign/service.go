package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nova-core/pkg/celengine"
	"nova-core/pkg/db/option"
	"nova-core/pkg/errutil"
	"nova-core/pkg/repository"
	"nova-core/pkg/sequence"
	"nova-core/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns campaign lifecycle and budget accounting. Budget counters
// move only through the guarded atomic decrement, and every grant commits
// in one storage transaction together with its ledger entry, so a partial
// grant is never persisted.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	seq       sequence.Generator
	ledger    *ledger.Service
	evaluator Evaluator

	campaigns repository.Repository[Campaign]
	grants    repository.Repository[IncentiveGrant]
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Seq       sequence.Generator `optional:"true"`
	Ledger    *ledger.Service
	Evaluator Evaluator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		seq:       p.Seq,
		ledger:    p.Ledger,
		evaluator: p.Evaluator,

		campaigns: repository.ProvideStore[Campaign](p.DB),
		grants:    repository.ProvideStore[IncentiveGrant](p.DB),
	}
}

type CreateCampaignRequest struct {
	SponsorID           string
	Name                string
	Description         string
	Type                CampaignType
	Priority            int
	BudgetTotal         int64
	CostPerGrant        int64
	MaxGrants           *int64
	StartAt             *time.Time
	EndAt               *time.Time
	MaxPerDriver        int64
	MaxPerDriverDay     int64
	MaxPerDriverCharger int64
	TargetingExpression string
}

func (s *Service) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*Campaign, error) {
	if req.SponsorID == "" || req.Name == "" {
		return nil, errutil.BadRequest("sponsor_id and name are required")
	}
	if req.BudgetTotal <= 0 || req.CostPerGrant <= 0 {
		return nil, errutil.BadRequest("budget_total and cost_per_grant must be > 0")
	}
	if req.CostPerGrant > req.BudgetTotal {
		return nil, errutil.BadRequest("cost_per_grant exceeds budget_total")
	}
	if req.TargetingExpression != "" {
		if err := celengine.ValidateExpression(req.TargetingExpression, SessionEvent{}.Attributes()); err != nil {
			return nil, errutil.BadRequest("invalid targeting expression", errutil.WithErr(err))
		}
	}

	c := &Campaign{
		CampaignID:          s.node.Generate().String(),
		SponsorID:           req.SponsorID,
		Name:                req.Name,
		Description:         req.Description,
		Type:                req.Type,
		Status:              StatusDraft,
		Priority:            req.Priority,
		BudgetTotal:         req.BudgetTotal,
		CostPerGrant:        req.CostPerGrant,
		MaxGrants:           req.MaxGrants,
		StartAt:             req.StartAt,
		EndAt:               req.EndAt,
		MaxPerDriver:        req.MaxPerDriver,
		MaxPerDriverDay:     req.MaxPerDriverDay,
		MaxPerDriverCharger: req.MaxPerDriverCharger,
		TargetingExpression: req.TargetingExpression,
	}
	if c.Type == "" {
		c.Type = TypeSessionReward
	}

	if s.seq != nil {
		code, err := s.seq.NextCampaignCode(ctx, req.SponsorID)
		if err != nil {
			zap.L().Warn("failed to generate campaign code", zap.Error(err))
		} else {
			c.Code = code
		}
	}

	if err := s.campaigns.Create(ctx, c); err != nil {
		zap.L().Error("failed to create campaign", zap.Error(err))
		return nil, err
	}
	return c, nil
}

func (s *Service) GetCampaign(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := s.campaigns.FindOne(ctx, &Campaign{CampaignID: campaignID})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errutil.NotFound("campaign not found")
	}
	return c, nil
}

func (s *Service) ListCampaigns(ctx context.Context, sponsorID string, onlyActive bool) ([]*Campaign, error) {
	var campaigns []*Campaign
	q := s.db.WithContext(ctx).Where("sponsor_id = ?", sponsorID)
	if onlyActive {
		q = q.Where("status = ?", StatusActive)
	}
	if err := q.Order("created_at DESC").Find(&campaigns).Error; err != nil {
		return nil, err
	}
	return campaigns, nil
}

type UpdateCampaignRequest struct {
	Name                string
	Description         string
	Priority            *int
	BudgetTotal         *int64
	CostPerGrant        *int64
	MaxGrants           *int64
	StartAt             *time.Time
	EndAt               *time.Time
	TargetingExpression *string
}

// UpdateCampaign edits a draft. Once a campaign has left draft its budget
// shape is frozen; only pause/resume/complete apply.
func (s *Service) UpdateCampaign(ctx context.Context, campaignID string, req UpdateCampaignRequest) (*Campaign, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDraft {
		return nil, errutil.Conflict("only draft campaigns can be edited")
	}

	if req.Name != "" {
		c.Name = req.Name
	}
	if req.Description != "" {
		c.Description = req.Description
	}
	if req.Priority != nil {
		c.Priority = *req.Priority
	}
	if req.BudgetTotal != nil {
		c.BudgetTotal = *req.BudgetTotal
	}
	if req.CostPerGrant != nil {
		c.CostPerGrant = *req.CostPerGrant
	}
	if req.MaxGrants != nil {
		c.MaxGrants = req.MaxGrants
	}
	if req.StartAt != nil {
		c.StartAt = req.StartAt
	}
	if req.EndAt != nil {
		c.EndAt = req.EndAt
	}
	if req.TargetingExpression != nil {
		if *req.TargetingExpression != "" {
			if err := celengine.ValidateExpression(*req.TargetingExpression, SessionEvent{}.Attributes()); err != nil {
				return nil, errutil.BadRequest("invalid targeting expression", errutil.WithErr(err))
			}
		}
		c.TargetingExpression = *req.TargetingExpression
	}
	if c.BudgetTotal <= 0 || c.CostPerGrant <= 0 || c.CostPerGrant > c.BudgetTotal {
		return nil, errutil.BadRequest("invalid budget shape")
	}

	res := s.db.WithContext(ctx).
		Model(&Campaign{}).
		Where("campaign_id = ? AND status = ?", c.CampaignID, StatusDraft).
		Select("*").Updates(c)
	if res.Error != nil {
		zap.L().Error("failed to update campaign", zap.Error(res.Error))
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("campaign status changed concurrently")
	}
	return c, nil
}

// CloneCampaign copies an existing campaign as a fresh draft with zeroed
// counters.
func (s *Service) CloneCampaign(ctx context.Context, campaignID, newName string) (*Campaign, error) {
	original, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	cloned := *original
	cloned.CampaignID = s.node.Generate().String()
	cloned.Name = newName
	cloned.Status = StatusDraft
	cloned.BudgetSpent = 0
	cloned.GrantsIssuedCount = 0
	cloned.PauseReason = ""
	cloned.CreatedAt = time.Now()
	cloned.UpdatedAt = time.Now()

	if s.seq != nil {
		if code, err := s.seq.NextCampaignCode(ctx, cloned.SponsorID); err == nil {
			cloned.Code = code
		}
	}

	if err := s.campaigns.Create(ctx, &cloned); err != nil {
		zap.L().Error("failed to clone campaign", zap.Error(err))
		return nil, err
	}
	return &cloned, nil
}

// transition applies a guarded status change: the WHERE clause pins the
// expected from-status so a concurrent transition loses cleanly.
func (s *Service) transition(ctx context.Context, c *Campaign, to CampaignStatus, extra map[string]any) (*Campaign, error) {
	if !canTransition(c.Status, to) {
		return nil, errutil.InvalidTransition(fmt.Sprintf("cannot transition campaign from %s to %s", c.Status, to))
	}

	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).
		Model(&Campaign{}).
		Where("campaign_id = ? AND status = ?", c.CampaignID, c.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("campaign status changed concurrently")
	}

	return s.GetCampaign(ctx, c.CampaignID)
}

func (s *Service) Activate(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDraft {
		return nil, errutil.InvalidTransition(fmt.Sprintf("cannot activate campaign in status %s", c.Status))
	}
	return s.transition(ctx, c, StatusActive, nil)
}

func (s *Service) Pause(ctx context.Context, campaignID, reason string) (*Campaign, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusActive {
		return nil, errutil.InvalidTransition(fmt.Sprintf("cannot pause campaign in status %s", c.Status))
	}
	return s.transition(ctx, c, StatusPaused, map[string]any{"pause_reason": reason})
}

func (s *Service) Resume(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusPaused {
		return nil, errutil.InvalidTransition(fmt.Sprintf("cannot resume campaign in status %s", c.Status))
	}
	if c.BudgetSpent >= c.BudgetTotal {
		return nil, errutil.BudgetExceeded("campaign budget already exhausted")
	}
	return s.transition(ctx, c, StatusActive, map[string]any{"pause_reason": ""})
}

func (s *Service) Complete(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, c, StatusCompleted, nil)
}

// Reopen is the explicit admin action returning an exhausted or completed
// campaign to active.
func (s *Service) Reopen(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusExhausted && c.Status != StatusCompleted {
		return nil, errutil.InvalidTransition(fmt.Sprintf("cannot reopen campaign in status %s", c.Status))
	}
	if c.BudgetSpent >= c.BudgetTotal {
		return nil, errutil.BudgetExceeded("campaign budget already exhausted")
	}
	return s.transition(ctx, c, StatusActive, nil)
}

type BudgetStatus struct {
	CampaignID   string
	Status       CampaignStatus
	BudgetTotal  int64
	BudgetSpent  int64
	Remaining    int64
	GrantsIssued int64
	GrantsLeft   int64
}

func (s *Service) CheckBudget(ctx context.Context, campaignID string) (*BudgetStatus, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	status := &BudgetStatus{
		CampaignID:   c.CampaignID,
		Status:       c.Status,
		BudgetTotal:  c.BudgetTotal,
		BudgetSpent:  c.BudgetSpent,
		Remaining:    c.BudgetRemaining(),
		GrantsIssued: c.GrantsIssuedCount,
	}
	status.GrantsLeft = status.Remaining / c.CostPerGrant
	if c.MaxGrants != nil {
		if left := *c.MaxGrants - c.GrantsIssuedCount; left < status.GrantsLeft {
			status.GrantsLeft = left
		}
	}
	if status.GrantsLeft < 0 {
		status.GrantsLeft = 0
	}
	return status, nil
}

// DecrementBudget atomically consumes budget for one grant. It returns
// false with no mutation when the budget or max_grants headroom is gone.
func (s *Service) DecrementBudget(ctx context.Context, campaignID string, cost int64) (bool, error) {
	var ok bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var innerErr error
		ok, innerErr = s.decrementBudget(ctx, tx, campaignID, cost)
		return innerErr
	})
	return ok, err
}

// decrementBudget is the controller's core primitive: check, spend and
// count happen in one guarded UPDATE, so of N concurrent callers only
// those with real headroom mutate. The exhausted flip is a second guarded
// UPDATE in the same storage transaction rather than a CASE inside the
// first one: MySQL evaluates SET assignments left to right against
// already-updated columns, so a same-statement CASE over budget_spent
// would see the new value and flip one grant early.
func (s *Service) decrementBudget(ctx context.Context, tx *gorm.DB, campaignID string, cost int64) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&Campaign{}).
		Where("campaign_id = ? AND status = ?", campaignID, StatusActive).
		Where("budget_spent + ? <= budget_total", cost).
		Where("(max_grants IS NULL OR grants_issued_count < max_grants)").
		Updates(map[string]any{
			"budget_spent":        gorm.Expr("budget_spent + ?", cost),
			"grants_issued_count": gorm.Expr("grants_issued_count + 1"),
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	if err := tx.WithContext(ctx).
		Model(&Campaign{}).
		Where("campaign_id = ? AND status = ? AND budget_spent >= budget_total", campaignID, StatusActive).
		Updates(map[string]any{
			"status":     StatusExhausted,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return false, err
	}
	return true, nil
}

// GrantForSession issues the campaign's reward for one qualifying session
// event. Budget decrement, ledger credit and the IncentiveGrant record
// commit as one unit; the unique session_event_id index turns duplicate
// deliveries into a replay of the original grant.
func (s *Service) GrantForSession(ctx context.Context, campaignID string, event SessionEvent) (*IncentiveGrant, error) {
	if event.ID == "" || event.DriverID == "" {
		return nil, errutil.BadRequest("session event id and driver_id are required")
	}
	if !event.Verified {
		return nil, errutil.BadRequest("session event is not verified")
	}

	if existing, err := s.grants.FindOne(ctx, &IncentiveGrant{SessionEventID: event.ID}); err != nil {
		return nil, err
	} else if existing != nil {
		zap.L().Info("session event already granted",
			zap.String("session_event_id", event.ID),
			zap.String("grant_id", existing.ID),
		)
		return existing, nil
	}

	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch {
	case c.Status == StatusExhausted:
		return nil, errutil.BudgetExceeded("campaign budget exhausted")
	case c.Status != StatusActive:
		return nil, errutil.UnprocessableEntity(fmt.Sprintf("campaign is %s, not accepting grants", c.Status))
	case !c.InSchedule(now):
		return nil, errutil.UnprocessableEntity("campaign is outside its schedule")
	}

	withinCaps, err := s.withinDriverCaps(ctx, c, event, now)
	if err != nil {
		return nil, err
	}
	if !withinCaps {
		return nil, nil
	}

	matched, err := s.evaluator.Matches(ctx, c.TargetingExpression, event.Attributes())
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, nil
	}

	grant := &IncentiveGrant{
		ID:             s.node.Generate().String(),
		CampaignID:     c.CampaignID,
		DriverID:       event.DriverID,
		ChargerID:      event.ChargerID,
		SessionEventID: event.ID,
		Amount:         c.CostPerGrant,
		Status:         GrantPending,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.grants.WithTrx(tx).Create(ctx, grant); err != nil {
			return err
		}

		ok, err := s.decrementBudget(ctx, tx, c.CampaignID, c.CostPerGrant)
		if err != nil {
			return err
		}
		if !ok {
			return errutil.BudgetExceeded("campaign budget exceeded")
		}

		entry, err := s.ledger.GrantInTx(ctx, tx, ledger.GrantRequest{
			HolderType:     ledger.HolderDriver,
			HolderID:       event.DriverID,
			Amount:         c.CostPerGrant,
			Type:           ledger.TypeCampaignGrant,
			IdempotencyKey: event.ID,
			CounterpartyID: c.SponsorID,
			Metadata: ledger.CampaignGrantMetadata{
				Schema:         ledger.SchemaCampaignGrant,
				CampaignID:     c.CampaignID,
				SessionEventID: event.ID,
				ChargerID:      event.ChargerID,
			},
		})
		if err != nil {
			return err
		}

		grantedAt := time.Now()
		return s.grants.WithTrx(tx).Update(ctx, grant.ID, map[string]any{
			"status":         GrantGranted,
			"transaction_id": entry.ID,
			"granted_at":     grantedAt,
			"updated_at":     grantedAt,
		})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.grants.FindOne(ctx, &IncentiveGrant{SessionEventID: event.ID})
		}
		return nil, err
	}

	zap.L().Info("campaign grant issued",
		zap.String("campaign_id", c.CampaignID),
		zap.String("driver_id", event.DriverID),
		zap.String("session_event_id", event.ID),
		zap.Int64("amount", c.CostPerGrant),
	)
	return s.grants.FindOne(ctx, &IncentiveGrant{ID: grant.ID})
}

// ProcessSession matches one qualifying event against active campaigns in
// priority order (higher wins, creation order breaks ties) and issues at
// most one grant. A budget-exceeded campaign yields to the next candidate.
func (s *Service) ProcessSession(ctx context.Context, event SessionEvent) (*IncentiveGrant, error) {
	candidates, err := s.matchableCampaigns(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, c := range candidates {
		grant, err := s.GrantForSession(ctx, c.CampaignID, event)
		if err != nil {
			if errutil.HasStatus(err, errutil.StatusBudgetExceeded) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if grant != nil {
			return grant, nil
		}
	}
	return nil, lastErr
}

func (s *Service) matchableCampaigns(ctx context.Context, now time.Time) ([]*Campaign, error) {
	var campaigns []*Campaign
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Where("(start_at IS NULL OR start_at <= ?)", now).
		Where("(end_at IS NULL OR end_at >= ?)", now).
		Order("priority DESC, created_at ASC").
		Find(&campaigns).Error; err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (s *Service) withinDriverCaps(ctx context.Context, c *Campaign, event SessionEvent, now time.Time) (bool, error) {
	logCap := func(scope string) {
		zap.L().Info("per-driver cap reached",
			zap.String("cap", scope),
			zap.String("campaign_id", c.CampaignID),
			zap.String("driver_id", event.DriverID),
		)
	}

	if c.MaxPerDriver > 0 {
		n, err := s.grants.Count(ctx, &IncentiveGrant{
			CampaignID: c.CampaignID, DriverID: event.DriverID, Status: GrantGranted,
		})
		if err != nil {
			return false, err
		}
		if n >= c.MaxPerDriver {
			logCap("campaign")
			return false, nil
		}
	}

	if c.MaxPerDriverDay > 0 {
		startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		n, err := s.grants.Count(ctx, &IncentiveGrant{
			CampaignID: c.CampaignID, DriverID: event.DriverID, Status: GrantGranted,
		}, option.ApplyOperator(option.Condition{
			Field: "created_at", Operator: option.GTE, Value: startOfDay,
		}))
		if err != nil {
			return false, err
		}
		if n >= c.MaxPerDriverDay {
			logCap("day")
			return false, nil
		}
	}

	if c.MaxPerDriverCharger > 0 && event.ChargerID != "" {
		n, err := s.grants.Count(ctx, &IncentiveGrant{
			CampaignID: c.CampaignID, DriverID: event.DriverID,
			ChargerID: event.ChargerID, Status: GrantGranted,
		})
		if err != nil {
			return false, err
		}
		if n >= c.MaxPerDriverCharger {
			logCap("charger")
			return false, nil
		}
	}

	return true, nil
}

// ClawbackGrant reverses a previously issued grant: compensating ledger
// debit, grant status flip and budget restore commit together. Returns
// false with no mutation when the grant was already clawed back.
func (s *Service) ClawbackGrant(ctx context.Context, grantID, reason string) (bool, error) {
	var clawed bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		grant, err := s.grants.WithTrx(tx).FindOne(ctx, &IncentiveGrant{ID: grantID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if grant == nil {
			return errutil.NotFound("grant not found")
		}
		if grant.Status == GrantClawedBack {
			clawed = false
			return nil
		}
		if grant.Status != GrantGranted {
			return errutil.Conflict("grant is not in granted state")
		}

		if _, err := s.ledger.ReverseInTx(ctx, tx, ledger.ReverseRequest{
			OriginalTransactionID: grant.TransactionID,
			GrantID:               grant.ID,
			Reason:                reason,
			IdempotencyKey:        "clawback:" + grant.ID,
		}); err != nil {
			return err
		}

		if err := s.grants.WithTrx(tx).Update(ctx, grant.ID, map[string]any{
			"status":          GrantClawedBack,
			"clawback_reason": reason,
			"updated_at":      time.Now(),
		}); err != nil {
			return err
		}

		// The decrement always opens headroom, so an exhausted campaign
		// goes straight back to active.
		res := tx.WithContext(ctx).
			Model(&Campaign{}).
			Where("campaign_id = ?", grant.CampaignID).
			Updates(map[string]any{
				"budget_spent":        gorm.Expr("budget_spent - ?", grant.Amount),
				"grants_issued_count": gorm.Expr("grants_issued_count - 1"),
				"status":              gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", StatusExhausted, StatusActive),
				"updated_at":          time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}

		clawed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if clawed {
		zap.L().Info("grant clawed back",
			zap.String("grant_id", grantID),
			zap.String("reason", reason),
		)
	}
	return clawed, nil
}

func (s *Service) GetGrant(ctx context.Context, grantID string) (*IncentiveGrant, error) {
	grant, err := s.grants.FindOne(ctx, &IncentiveGrant{ID: grantID})
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, errutil.NotFound("grant not found")
	}
	return grant, nil
}
