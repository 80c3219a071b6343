package reconciliation

import (
	"context"
	"fmt"

	"nova-core/pkg/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/fx"
)

type transferStatusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type httpProcessorClient struct {
	client *resty.Client
}

type ProcessorClientParams struct {
	fx.In

	Config *config.Config
}

// NewProcessorClient builds the HTTP client for the payment processor's
// transfer-status endpoint.
func NewProcessorClient(p ProcessorClientParams) ProcessorClient {
	client := resty.New().
		SetBaseURL(p.Config.Processor.BaseURL).
		SetHeader("Authorization", "Bearer "+p.Config.Processor.APIKey).
		SetTimeout(p.Config.Processor.Timeout).
		SetRetryCount(2)

	return &httpProcessorClient{client: client}
}

func (c *httpProcessorClient) TransferStatus(ctx context.Context, externalReference string) (TransferState, error) {
	var out transferStatusResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("reference", externalReference).
		Get("/v1/transfers/{reference}")
	if err != nil {
		return TransferPending, err
	}

	switch {
	case resp.StatusCode() == 404:
		return TransferNotFound, nil
	case resp.IsError():
		return TransferPending, fmt.Errorf("processor returned %s", resp.Status())
	}

	switch out.Status {
	case "succeeded", "paid":
		return TransferSucceeded, nil
	case "failed", "returned", "canceled":
		return TransferFailed, nil
	default:
		return TransferPending, nil
	}
}
