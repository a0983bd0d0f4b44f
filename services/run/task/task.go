package task

import (
	"context"

	"paygate-engine/services/run"

	"github.com/hibiken/asynq"
)

const TypeRunSweep = "run:sweep"

func NewRunSweepTask() *asynq.Task {
	return asynq.NewTask(TypeRunSweep, nil, asynq.Queue("low"))
}

// HandleRunSweep fails stale pending runs and purges terminal runs past the
// retention age.
func HandleRunSweep(svc *run.Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		_, err := svc.SweepExpired(ctx)
		return err
	}
}
