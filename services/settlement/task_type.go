package settlement

const TaskConfirmedPurchase = "settlement:confirm_purchase"

// ConfirmedPurchaseEvent is the payload delivered when the payment
// processor confirms an in-store purchase funded by a redemption. The
// external reference is the processor's settlement id and doubles as the
// ledger idempotency key for the merchant credit.
type ConfirmedPurchaseEvent struct {
	MerchantID        string `json:"merchant_id"`
	GrossAmount       int64  `json:"gross_amount"`
	FeeBps            int64  `json:"fee_bps"`
	ExternalReference string `json:"external_reference"`
	PurchasedAt       string `json:"purchased_at,omitempty"`
}
