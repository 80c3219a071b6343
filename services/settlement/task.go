package settlement

import (
	"context"
	"encoding/json"

	"nova-core/pkg/task"

	"github.com/hibiken/asynq"
)

func NewConfirmedPurchaseTask(event ConfirmedPurchaseEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConfirmedPurchase, payload, asynq.Queue("critical"), asynq.MaxRetry(5)), nil
}

// EnqueueConfirmedPurchase queues the merchant settlement credit for the
// worker. asynq deduplicates on task id, so a processor webhook retrying
// the same settlement collapses into one task.
func EnqueueConfirmedPurchase(ctx context.Context, enqueuer task.Enqueuer, event ConfirmedPurchaseEvent) error {
	t, err := NewConfirmedPurchaseTask(event)
	if err != nil {
		return err
	}
	_, err = enqueuer.Enqueue(ctx, t, asynq.TaskID(TaskConfirmedPurchase+":"+event.ExternalReference))
	return err
}
