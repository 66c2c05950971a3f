package reconcile

import (
	"context"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// Messages

// RunSweep asks a sweep actor for one batch. Ctx may be nil.
type RunSweep struct {
	Ctx context.Context
}

type SweepDone struct {
	Report Report
	Err    error
}

// SweepActor owns one sweep. Its mailbox serializes runs, so a slow batch
// delays the next tick instead of overlapping it.
type SweepActor struct {
	sweep   Sweep
	sweeper *Sweeper
	timeout time.Duration
	logger  *zap.Logger
}

func newSweepActor(sweep Sweep, sweeper *Sweeper, timeout time.Duration, logger *zap.Logger) *SweepActor {
	return &SweepActor{
		sweep:   sweep,
		sweeper: sweeper,
		timeout: timeout,
		logger:  logger.With(zap.String("sweep", string(sweep))),
	}
}

func (a *SweepActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *RunSweep:
		parent := msg.Ctx
		if parent == nil {
			parent = context.Background()
		}
		runCtx, cancel := context.WithTimeout(parent, a.timeout)
		report, err := a.sweeper.Run(runCtx, a.sweep)
		cancel()
		if err != nil {
			a.logger.Warn("Sweep run cut short", zap.Error(err))
		}
		if ctx.Sender() != nil {
			ctx.Respond(&SweepDone{Report: report, Err: err})
		}

	case *actor.Started:
		a.logger.Info("Sweep actor started")

	case *actor.Stopping:
		a.logger.Info("Sweep actor stopping")

	case *actor.Stopped:
		a.logger.Info("Sweep actor stopped")
	}
}
