package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"

	"nova-core/pkg/errutil"
	"nova-core/pkg/task"

	"github.com/hibiken/asynq"
)

const (
	TaskResolveUnknown = "reconciliation:resolve_unknown"
	TaskSweepUnknown   = "reconciliation:sweep_unknown"
)

type ResolveUnknownPayload struct {
	PayoutID string `json:"payout_id"`
}

func EnqueueResolveUnknown(ctx context.Context, enqueuer task.Enqueuer, payoutID string) error {
	payload, err := json.Marshal(ResolveUnknownPayload{PayoutID: payoutID})
	if err != nil {
		return err
	}
	t := asynq.NewTask(TaskResolveUnknown, payload, asynq.Queue("low"), asynq.MaxRetry(10))
	_, err = enqueuer.Enqueue(ctx, t, asynq.TaskID(TaskResolveUnknown+":"+payoutID))
	return err
}

func (s *Service) HandleResolveUnknown(ctx context.Context, t *asynq.Task) error {
	var payload ResolveUnknownPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal resolve payload: %v: %w", err, asynq.SkipRetry)
	}

	if _, err := s.ResolveUnknown(ctx, payload.PayoutID); err != nil {
		if errutil.HasStatus(err, errutil.StatusNotFound) {
			return fmt.Errorf("resolve payout %s: %v: %w", payload.PayoutID, err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

func (s *Service) HandleSweepUnknown(ctx context.Context, _ *asynq.Task) error {
	_, err := s.SweepUnknown(ctx)
	return err
}
