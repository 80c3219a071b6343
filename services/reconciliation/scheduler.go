package reconciliation

import (
	"context"
	"time"

	"nova-core/pkg/config"
	"nova-core/services/ledger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler drives the periodic reconciliation sweep and the daily ledger
// audit from inside the worker process.
type Scheduler struct {
	sweepInterval time.Duration
	auditHour     int
	auditMinute   int

	recon  *Service
	ledger *ledger.Service

	stop chan struct{}
	done chan struct{}
}

type SchedulerParams struct {
	fx.In

	Config *config.Config
	Recon  *Service
	Ledger *ledger.Service
}

func NewScheduler(p SchedulerParams) *Scheduler {
	interval := p.Config.Scheduler.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		sweepInterval: interval,
		auditHour:     p.Config.Scheduler.AuditHour,
		auditMinute:   p.Config.Scheduler.AuditMinute,
		recon:         p.Recon,
		ledger:        p.Ledger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.run()
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	audit := time.NewTimer(time.Until(s.nextAuditTime(time.Now())))
	defer audit.Stop()

	for {
		select {
		case <-s.stop:
			return

		case <-sweep.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.sweepInterval)
			if _, err := s.recon.SweepUnknown(ctx); err != nil {
				zap.L().Error("reconciliation sweep failed", zap.Error(err))
			}
			cancel()

		case <-audit.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
			violations, err := s.ledger.AuditAll(ctx)
			if err != nil {
				zap.L().Error("ledger audit failed", zap.Error(err))
			} else if len(violations) > 0 {
				zap.L().Error("ledger audit found violations", zap.Int("count", len(violations)))
			}
			cancel()
			audit.Reset(time.Until(s.nextAuditTime(time.Now())))
		}
	}
}

func (s *Scheduler) nextAuditTime(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.auditHour, s.auditMinute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
