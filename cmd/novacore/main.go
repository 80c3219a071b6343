package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"nova-core/pkg/config"
	"nova-core/pkg/db"
	"nova-core/pkg/logger"
	"nova-core/pkg/redis"
	"nova-core/pkg/sequence"
	"nova-core/pkg/task"
	"nova-core/services/campaign"
	"nova-core/services/ledger"
	"nova-core/services/reconciliation"
	"nova-core/services/settlement"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		fx.Provide(
			provideSnowflakeNode,
			reconciliation.NewProcessorClient,
		),
		ledger.Module,
		campaign.Module,
		settlement.Module,
		reconciliation.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
