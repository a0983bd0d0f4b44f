package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paygate-engine/internal/httpapi"
	"paygate-engine/internal/server"
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
	"paygate-engine/services/payment"
	"paygate-engine/services/run"
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
		task.Client,
		fx.Provide(provideSnowflakeNode),
		action.Module,
		run.Module,
		lottery.Module,
		payment.Module,
		httpapi.Module,
		server.Module,
		fx.Invoke(migrate),
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
