package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
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
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		fx.Provide(
			provideSnowflakeNode,
			reconciliation.NewProcessorClient,
		),
		ledger.Module,
		campaign.Module,
		settlement.Module,
		reconciliation.Module,
		reconciliation.SchedulerModule,
		task.Server,
		fx.Invoke(registerHandlers),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func registerHandlers(mux *asynq.ServeMux, settle *settlement.Service, recon *reconciliation.Service) {
	mux.HandleFunc(settlement.TaskConfirmedPurchase, settle.HandleConfirmedPurchase)
	mux.HandleFunc(reconciliation.TaskResolveUnknown, recon.HandleResolveUnknown)
	mux.HandleFunc(reconciliation.TaskSweepUnknown, recon.HandleSweepUnknown)
}
