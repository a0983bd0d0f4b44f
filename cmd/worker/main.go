package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paygate-engine/pkg/config"
	"paygate-engine/pkg/coordstore"
	"paygate-engine/pkg/db"
	"paygate-engine/pkg/lock"
	"paygate-engine/pkg/logger"
	"paygate-engine/pkg/redis"
	"paygate-engine/pkg/sequence"
	"paygate-engine/pkg/solana"
	"paygate-engine/pkg/swap"
	"paygate-engine/pkg/task"
	"paygate-engine/services/action"
	"paygate-engine/services/lottery"
	lotterytask "paygate-engine/services/lottery/task"
	"paygate-engine/services/run"
	runtask "paygate-engine/services/run/task"
	"paygate-engine/services/settlement"
	settlementtask "paygate-engine/services/settlement/task"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		coordstore.Module,
		lock.Module,
		sequence.Module,
		solana.Module,
		swap.Module,
		fx.Provide(provideSnowflakeNode),
		action.Module,
		run.Module,
		lottery.Module,
		settlement.Module,
		task.Server,
		task.Scheduler,
		fx.Invoke(
			migrate,
			registerHandlers,
			registerSchedules,
		),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&action.Action{},
		&run.Run{},
		&lottery.Round{},
		&lottery.Entry{},
		&lottery.Winner{},
	)
}

func registerHandlers(
	mux *asynq.ServeMux,
	rounds *lottery.Service,
	settler *settlement.Service,
	runs *run.Service,
) {
	mux.Handle(lotterytask.TypeRoundClose, lotterytask.HandleRoundClose(rounds))
	mux.Handle(lotterytask.TypePayoutProcess, lotterytask.HandlePayoutProcess(rounds))
	mux.Handle(settlementtask.TypeSettleRuns, settlementtask.HandleSettleRuns(settler))
	mux.Handle(runtask.TypeRunSweep, runtask.HandleRunSweep(runs))
}

func registerSchedules(scheduler *asynq.Scheduler, cfg *config.Config) error {
	schedules := []struct {
		spec string
		task *asynq.Task
	}{
		{cfg.Worker.CloseInterval, lotterytask.NewRoundCloseTask()},
		{cfg.Worker.PayoutInterval, lotterytask.NewPayoutProcessTask()},
		{cfg.Worker.SettleInterval, settlementtask.NewSettleRunsTask()},
		{cfg.Worker.SweepInterval, runtask.NewRunSweepTask()},
	}

	for _, s := range schedules {
		if _, err := scheduler.Register(s.spec, s.task); err != nil {
			return err
		}
		zap.L().Info("scheduled periodic task",
			zap.String("task_type", s.task.Type()),
			zap.String("spec", s.spec),
		)
	}
	return nil
}
