package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/duchieu205/bookworld/pkg/config"
	"go.uber.org/zap"
)

// Scheduler spawns one actor per sweep and feeds each from its own ticker.
type Scheduler struct {
	system  *actor.ActorSystem
	sweeper *Sweeper
	config  config.SchedulerConfig
	logger  *zap.Logger

	mu     sync.Mutex
	pids   map[Sweep]*actor.PID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(system *actor.ActorSystem, sweeper *Sweeper, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		system:  system,
		sweeper: sweeper,
		config:  cfg,
		logger:  logger.Named("scheduler"),
	}
}

func (s *Scheduler) interval(sweep Sweep) time.Duration {
	switch sweep {
	case SweepOrderExpiry:
		return s.config.ExpiryInterval
	case SweepDeliveryFailure:
		return s.config.DeliveryFailureInterval
	case SweepOrderCompletion:
		return s.config.CompletionInterval
	case SweepOrderEffects:
		return s.config.EffectsInterval
	case SweepTopUpExpiry:
		return s.config.TopUpExpiryInterval
	}
	return 0
}

// Start spawns the sweep actors and begins ticking. Each sweep runs once
// immediately. Ticking stops on Stop or when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pids != nil {
		return errors.New("scheduler already started")
	}

	pids := make(map[Sweep]*actor.PID, len(Sweeps))
	for _, sweep := range Sweeps {
		props := actor.PropsFromProducer(func() actor.Actor {
			return newSweepActor(sweep, s.sweeper, s.config.SweepTimeout, s.logger)
		})
		pid, err := s.system.Root.SpawnNamed(props, "sweep-"+string(sweep))
		if err != nil {
			for _, spawned := range pids {
				s.system.Root.Stop(spawned)
			}
			return fmt.Errorf("failed to spawn %s actor: %w", sweep, err)
		}
		pids[sweep] = pid
	}
	s.pids = pids

	tickCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for sweep, pid := range pids {
		s.wg.Add(1)
		go s.tick(tickCtx, sweep, pid)
	}

	s.logger.Info("Scheduler started", zap.Int("sweeps", len(pids)))
	return nil
}

func (s *Scheduler) tick(ctx context.Context, sweep Sweep, pid *actor.PID) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval(sweep))
	defer ticker.Stop()

	s.system.Root.Send(pid, &RunSweep{Ctx: ctx})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.system.Root.Send(pid, &RunSweep{Ctx: ctx})
		}
	}
}

// Stop ends ticking and stops the sweep actors after their current run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	pids, cancel := s.pids, s.cancel
	s.pids, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	for sweep, pid := range pids {
		if err := s.system.Root.StopFuture(pid).Wait(); err != nil {
			s.logger.Warn("Failed to stop sweep actor", zap.String("sweep", string(sweep)), zap.Error(err))
		}
	}
	s.logger.Info("Scheduler stopped")
}

// RunOnce asks the sweep's actor for a batch and waits for its report. It
// queues behind a run already in progress.
func (s *Scheduler) RunOnce(sweep Sweep, timeout time.Duration) (Report, error) {
	s.mu.Lock()
	pid, ok := s.pids[sweep]
	s.mu.Unlock()
	if !ok {
		return Report{Sweep: sweep}, fmt.Errorf("sweep %q is not running", sweep)
	}

	result, err := s.system.Root.RequestFuture(pid, &RunSweep{}, timeout).Result()
	if err != nil {
		return Report{Sweep: sweep}, fmt.Errorf("failed to run %s: %w", sweep, err)
	}
	done, ok := result.(*SweepDone)
	if !ok {
		return Report{Sweep: sweep}, fmt.Errorf("unexpected reply %T from %s", result, sweep)
	}
	return done.Report, done.Err
}
