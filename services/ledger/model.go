package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type HolderType string

const (
	HolderDriver   HolderType = "driver"
	HolderMerchant HolderType = "merchant"
)

type HolderStatus string

const (
	HolderActive    HolderStatus = "active"
	HolderSuspended HolderStatus = "suspended"
)

type TransactionType string

const (
	TypeDriverEarn    TransactionType = "driver_earn"
	TypeDriverRedeem  TransactionType = "driver_redeem"
	TypeMerchantEarn  TransactionType = "merchant_earn"
	TypeMerchantTopup TransactionType = "merchant_topup"
	TypeAdminGrant    TransactionType = "admin_grant"
	TypeCampaignGrant TransactionType = "campaign_grant"
	TypeClawback      TransactionType = "clawback"
)

// AllowedFor reports whether the type may be credited against the given
// holder side of the ledger. Redemption debits and clawbacks are written
// by their own operations, never as grants.
func (t TransactionType) AllowedFor(h HolderType) bool {
	switch t {
	case TypeDriverEarn, TypeCampaignGrant:
		return h == HolderDriver
	case TypeMerchantEarn, TypeMerchantTopup:
		return h == HolderMerchant
	case TypeAdminGrant:
		return h == HolderDriver || h == HolderMerchant
	default:
		return false
	}
}

func (t TransactionType) Valid() bool {
	switch t {
	case TypeDriverEarn, TypeDriverRedeem, TypeMerchantEarn,
		TypeMerchantTopup, TypeAdminGrant, TypeCampaignGrant, TypeClawback:
		return true
	default:
		return false
	}
}

// BalanceHolder carries the cached Nova balance for a driver or merchant.
// The cached value is mutated exclusively inside the same storage
// transaction that appends the matching ledger Transaction, so it always
// equals the sum of that holder's transaction amounts.
type BalanceHolder struct {
	ID         string       `gorm:"column:id;primaryKey"`
	HolderType HolderType   `gorm:"column:holder_type;uniqueIndex:idx_holder_ref;not null"`
	HolderID   string       `gorm:"column:holder_id;uniqueIndex:idx_holder_ref;not null"`
	Status     HolderStatus `gorm:"column:status;type:varchar(20);default:'active'"`
	Balance    int64        `gorm:"column:balance;not null;default:0"`
	CreatedAt  time.Time    `gorm:"column:created_at"`
	UpdatedAt  time.Time    `gorm:"column:updated_at"`
}

// Transaction is an immutable, append-only ledger entry. Amount is signed:
// positive credits, negative debits. Entries form a per-holder hash chain
// so history tampering is detectable by the audit job.
type Transaction struct {
	ID              string          `gorm:"column:id;primaryKey"`
	CreatedAt       time.Time       `gorm:"column:created_at;index:idx_tx_holder_time,priority:3"`
	HolderType      HolderType      `gorm:"column:holder_type;index:idx_tx_holder_time,priority:1;not null"`
	HolderID        string          `gorm:"column:holder_id;index:idx_tx_holder_time,priority:2;not null"`
	Type            TransactionType `gorm:"column:type;type:varchar(30);not null"`
	Amount          int64           `gorm:"column:amount;not null"`
	TransactionCode string          `gorm:"column:transaction_code;index"`
	CounterpartyID  string          `gorm:"column:counterparty_id"`
	IdempotencyKey  string          `gorm:"column:idempotency_key;uniqueIndex;not null"`
	PreviousHash    string          `gorm:"column:previous_hash"`
	Hash            string          `gorm:"column:hash"`
	Metadata        datatypes.JSON  `gorm:"column:metadata"`
}

func (m *Transaction) HashFields() map[string]string {
	return map[string]string{
		"id":               m.ID,
		"holder_type":      string(m.HolderType),
		"holder_id":        m.HolderID,
		"type":             string(m.Type),
		"amount":           fmt.Sprintf("%d", m.Amount),
		"transaction_code": m.TransactionCode,
		"counterparty_id":  m.CounterpartyID,
		"idempotency_key":  m.IdempotencyKey,
		"previous_hash":    m.PreviousHash,
	}
}

func (m *Transaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}

// Metadata payloads are versioned per transaction type. The Schema field
// names the variant so consumers never have to guess at a free-form blob.

type CampaignGrantMetadata struct {
	Schema         string `json:"schema"`
	CampaignID     string `json:"campaign_id"`
	SessionEventID string `json:"session_event_id"`
	ChargerID      string `json:"charger_id,omitempty"`
}

type RedemptionMetadata struct {
	Schema     string `json:"schema"`
	DriverID   string `json:"driver_id"`
	MerchantID string `json:"merchant_id"`
}

type ClawbackMetadata struct {
	Schema                string `json:"schema"`
	GrantID               string `json:"grant_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Reason                string `json:"reason"`
}

type TopUpMetadata struct {
	Schema            string `json:"schema"`
	ExternalReference string `json:"external_reference"`
	GrossAmount       int64  `json:"gross_amount"`
	FeeBps            int64  `json:"fee_bps"`
}

type AdminGrantMetadata struct {
	Schema string `json:"schema"`
	Actor  string `json:"actor"`
	Note   string `json:"note,omitempty"`
}

type PayoutReversalMetadata struct {
	Schema            string `json:"schema"`
	PayoutID          string `json:"payout_id"`
	ExternalReference string `json:"external_reference"`
}

const (
	SchemaCampaignGrant  = "campaign_grant/v1"
	SchemaRedemption     = "redemption/v1"
	SchemaClawback       = "clawback/v1"
	SchemaTopUp          = "merchant_topup/v1"
	SchemaAdminGrant     = "admin_grant/v1"
	SchemaPayoutReversal = "payout_reversal/v1"
)

func MarshalMetadata(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
