package reconciliation

import (
	"time"

	"nova-core/services/ledger"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutSucceeded PayoutStatus = "succeeded"
	PayoutFailed    PayoutStatus = "failed"
	PayoutUnknown   PayoutStatus = "unknown"
)

// ExternalPayout tracks a transfer handed to the payment processor. A
// payout whose initiation call timed out lands in unknown and stays there
// until the reconciliation sweep gets a definitive answer.
type ExternalPayout struct {
	ID                    string            `gorm:"column:id;primaryKey" json:"id"`
	HolderType            ledger.HolderType `gorm:"column:holder_type" json:"holder_type"`
	HolderID              string            `gorm:"column:holder_id;index" json:"holder_id"`
	Amount                int64             `gorm:"column:amount" json:"amount"`
	Status                PayoutStatus      `gorm:"column:status;index" json:"status"`
	PayoutCode            string            `gorm:"column:payout_code" json:"payout_code"`
	ExternalReference     string            `gorm:"column:external_reference;uniqueIndex;not null" json:"external_reference"`
	NoTransferConfirmed   bool              `gorm:"column:no_transfer_confirmed" json:"no_transfer_confirmed"`
	ReversalTransactionID string            `gorm:"column:reversal_transaction_id" json:"reversal_transaction_id"`
	FailureReason         string            `gorm:"column:failure_reason" json:"failure_reason"`
	ReconciledAt          *time.Time        `gorm:"column:reconciled_at" json:"reconciled_at"`
	CreatedAt             time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"column:updated_at" json:"updated_at"`
}
