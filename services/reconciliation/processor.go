package reconciliation

import "context"

type TransferState string

const (
	TransferSucceeded TransferState = "succeeded"
	TransferFailed    TransferState = "failed"
	TransferNotFound  TransferState = "not_found"
	TransferPending   TransferState = "pending"
)

// ProcessorClient answers the one question reconciliation needs: what
// happened to the transfer behind an external reference.
type ProcessorClient interface {
	TransferStatus(ctx context.Context, externalReference string) (TransferState, error)
}
