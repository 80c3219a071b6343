package campaign

import (
	"time"

	"gorm.io/datatypes"
)

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusActive    CampaignStatus = "active"
	StatusPaused    CampaignStatus = "paused"
	StatusExhausted CampaignStatus = "exhausted"
	StatusCompleted CampaignStatus = "completed"
)

type CampaignType string

const (
	TypeSessionReward CampaignType = "session_reward"
	TypeFirstVisit    CampaignType = "first_visit"
	TypeOffPeak       CampaignType = "off_peak"
)

// Campaign is a sponsor-funded promotion that grants Nova to drivers for
// qualifying sessions. Budget counters are mutated exclusively through the
// controller's guarded atomic decrement; budget_spent only shrinks on
// clawback.
type Campaign struct {
	CampaignID          string         `gorm:"column:campaign_id;primaryKey"`
	SponsorID           string         `gorm:"column:sponsor_id;index;not null"`
	Code                string         `gorm:"column:code"`
	Name                string         `gorm:"column:name;type:varchar(255);not null"`
	Description         string         `gorm:"column:description;type:text"`
	Type                CampaignType   `gorm:"column:type;type:varchar(50);not null;default:'session_reward'"`
	Status              CampaignStatus `gorm:"column:status;type:varchar(20);not null;default:'draft'"`
	Priority            int            `gorm:"column:priority;not null;default:0"`
	BudgetTotal         int64          `gorm:"column:budget_total;not null"`
	BudgetSpent         int64          `gorm:"column:budget_spent;not null;default:0"`
	CostPerGrant        int64          `gorm:"column:cost_per_grant;not null"`
	MaxGrants           *int64         `gorm:"column:max_grants"`
	GrantsIssuedCount   int64          `gorm:"column:grants_issued_count;not null;default:0"`
	StartAt             *time.Time     `gorm:"column:start_at"`
	EndAt               *time.Time     `gorm:"column:end_at"`
	MaxPerDriver        int64          `gorm:"column:max_per_driver;not null;default:0"`
	MaxPerDriverDay     int64          `gorm:"column:max_per_driver_day;not null;default:0"`
	MaxPerDriverCharger int64          `gorm:"column:max_per_driver_charger;not null;default:0"`
	TargetingExpression string         `gorm:"column:targeting_expression;type:text"`
	PauseReason         string         `gorm:"column:pause_reason;type:text"`
	Metadata            datatypes.JSON `gorm:"column:metadata"`
	CreatedAt           time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// InSchedule checks the time window only; status is checked separately so
// callers can report exhausted and paused distinctly.
func (c *Campaign) InSchedule(now time.Time) bool {
	if c.StartAt != nil && now.Before(*c.StartAt) {
		return false
	}
	if c.EndAt != nil && now.After(*c.EndAt) {
		return false
	}
	return true
}

func (c *Campaign) BudgetRemaining() int64 {
	return c.BudgetTotal - c.BudgetSpent
}

type GrantStatus string

const (
	GrantPending    GrantStatus = "pending"
	GrantGranted    GrantStatus = "granted"
	GrantClawedBack GrantStatus = "clawed_back"
)

// IncentiveGrant links a qualifying session event to a campaign and the
// ledger transaction it produced. The unique index on session_event_id
// bounds issuance to one grant per event even under duplicate delivery.
// The only permitted post-creation transition is granted -> clawed_back.
type IncentiveGrant struct {
	ID             string      `gorm:"column:id;primaryKey"`
	CampaignID     string      `gorm:"column:campaign_id;index:idx_grant_campaign_driver,priority:1;not null"`
	DriverID       string      `gorm:"column:driver_id;index:idx_grant_campaign_driver,priority:2;not null"`
	ChargerID      string      `gorm:"column:charger_id"`
	SessionEventID string      `gorm:"column:session_event_id;uniqueIndex;not null"`
	TransactionID  string      `gorm:"column:transaction_id"`
	Amount         int64       `gorm:"column:amount;not null"`
	Status         GrantStatus `gorm:"column:status;type:varchar(20);not null;default:'pending'"`
	GrantedAt      *time.Time  `gorm:"column:granted_at"`
	ClawbackReason string      `gorm:"column:clawback_reason;type:text"`
	CreatedAt      time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// SessionEvent is the qualifying session record produced by the
// arrival/dwell verification collaborator. ID doubles as the idempotency
// key bounding at most one grant per event.
type SessionEvent struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driver_id"`
	ChargerID string    `json:"charger_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Verified  bool      `json:"verified"`
	Source    string    `json:"source"`
}

// Attributes exposes the event to targeting rule evaluation.
func (e SessionEvent) Attributes() map[string]any {
	return map[string]any{
		"driver_id":        e.DriverID,
		"charger_id":       e.ChargerID,
		"duration_minutes": int64(e.EndTime.Sub(e.StartTime).Minutes()),
		"start_hour":       int64(e.StartTime.Hour()),
		"weekday":          int64(e.StartTime.Weekday()),
		"verified":         e.Verified,
		"source":           e.Source,
	}
}
