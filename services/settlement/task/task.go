package task

import (
	"context"

	"paygate-engine/services/settlement"

	"github.com/hibiken/asynq"
)

const TypeSettleRuns = "settlement:runs:settle"

func NewSettleRunsTask() *asynq.Task {
	return asynq.NewTask(TypeSettleRuns, nil, asynq.Queue("settlement"))
}

// HandleSettleRuns runs one settlement pass over paid swap runs.
func HandleSettleRuns(svc *settlement.Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		return svc.SettleDueRuns(ctx)
	}
}
