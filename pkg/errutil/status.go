package errutil

// CoreStatus is a transport-agnostic status code carried by BaseError.
type CoreStatus string

const (
	StatusBadRequest          CoreStatus = "BAD_REQUEST"
	StatusNotFound            CoreStatus = "NOT_FOUND"
	StatusConflict            CoreStatus = "CONFLICT"
	StatusUnprocessableEntity CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusInternal            CoreStatus = "INTERNAL"
	StatusTimeout             CoreStatus = "TIMEOUT"

	// Domain statuses used by the ledger and campaign services so callers
	// can branch on the failure reason without string matching.
	StatusInsufficientBalance CoreStatus = "INSUFFICIENT_BALANCE"
	StatusBudgetExceeded      CoreStatus = "BUDGET_EXCEEDED"
	StatusInvalidTransition   CoreStatus = "INVALID_TRANSITION"

	// StatusRetryable marks transient storage conflicts that were already
	// retried once internally and may be retried safely by the caller with
	// the same idempotency key.
	StatusRetryable CoreStatus = "RETRYABLE"
)
