package task

import (
	"context"
	"time"

	"paygate-engine/services/lottery"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeRoundClose    = "lottery:round:close"
	TypePayoutProcess = "lottery:payout:process"
)

func NewRoundCloseTask() *asynq.Task {
	return asynq.NewTask(TypeRoundClose, nil, asynq.Queue("payouts"))
}

func NewPayoutProcessTask() *asynq.Task {
	return asynq.NewTask(TypePayoutProcess, nil, asynq.Queue("payouts"))
}

// HandleRoundClose closes every round whose window has elapsed. Safe to run
// on overlapping ticks; an already-closed round is skipped.
func HandleRoundClose(svc *lottery.Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		closed, err := svc.CloseDueRounds(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if closed > 0 {
			zap.L().Info("closed due rounds", zap.Int("count", closed))
		}
		return nil
	}
}

// HandlePayoutProcess walks pending winner payouts and broadcasts transfers.
func HandlePayoutProcess(svc *lottery.Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		return svc.ProcessPayouts(ctx)
	}
}
