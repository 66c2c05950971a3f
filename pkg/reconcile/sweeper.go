package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/orderstate"
	"github.com/duchieu205/bookworld/pkg/repository"
	"github.com/duchieu205/bookworld/pkg/settlement"
	"github.com/duchieu205/bookworld/pkg/wallet"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type Sweep string

const (
	SweepOrderExpiry     Sweep = "order-expiry"
	SweepDeliveryFailure Sweep = "delivery-failure"
	SweepOrderCompletion Sweep = "order-completion"
	SweepOrderEffects    Sweep = "order-effects"
	SweepTopUpExpiry     Sweep = "topup-expiry"
)

// Sweeps lists every sweep in the order the scheduler starts them.
var Sweeps = []Sweep{
	SweepOrderEffects,
	SweepOrderExpiry,
	SweepDeliveryFailure,
	SweepOrderCompletion,
	SweepTopUpExpiry,
}

// Report summarizes one sweep run.
type Report struct {
	Sweep     Sweep `json:"sweep"`
	Scanned   int   `json:"scanned"`
	Processed int   `json:"processed"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
}

// TopUps is the part of the wallet service the top-up sweep needs.
type TopUps interface {
	ExpiredTopUps(ctx context.Context, now time.Time, limit int64) ([]*models.WalletTransaction, error)
	ExpireTopUp(ctx context.Context, id primitive.ObjectID) error
}

var _ TopUps = (*wallet.Service)(nil)

// errSkipped marks an item that is not due yet or that someone else already
// handled.
var errSkipped = errors.New("skipped")

// Sweeper resolves orders and top-ups that never reached a terminal state on
// their own. Every item goes through the same guarded writes as a live
// request, so a sweep racing a customer or a callback loses cleanly.
type Sweeper struct {
	orders  repository.OrderRepository
	machine *orderstate.Machine
	topUps  TopUps
	locker  settlement.Locker
	config  config.SchedulerConfig
	lockTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewSweeper(
	orders repository.OrderRepository,
	machine *orderstate.Machine,
	topUps TopUps,
	locker settlement.Locker,
	cfg *config.Config,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		orders:  orders,
		machine: machine,
		topUps:  topUps,
		locker:  locker,
		config:  cfg.Scheduler,
		lockTTL: cfg.Redis.LockTTL,
		logger:  logger.Named("reconcile"),
		now:     time.Now,
	}
}

// Run executes one batch of the named sweep. The returned error is set when
// the batch could not be loaded or ctx ended between items; per-item failures
// are only counted.
func (s *Sweeper) Run(ctx context.Context, sweep Sweep) (Report, error) {
	report := Report{Sweep: sweep}
	var err error
	switch sweep {
	case SweepOrderExpiry:
		err = s.expireOrders(ctx, &report)
	case SweepDeliveryFailure:
		err = s.cancelUndeliverable(ctx, &report)
	case SweepOrderCompletion:
		err = s.completeOrders(ctx, &report)
	case SweepOrderEffects:
		err = s.resumeEffects(ctx, &report)
	case SweepTopUpExpiry:
		err = s.expireTopUps(ctx, &report)
	default:
		return report, fmt.Errorf("unknown sweep %q", sweep)
	}

	level := zap.DebugLevel
	if report.Processed > 0 || report.Failed > 0 {
		level = zap.InfoLevel
	}
	s.logger.Log(level, "Sweep finished",
		zap.String("sweep", string(sweep)),
		zap.Int("scanned", report.Scanned),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Error(err))
	return report, err
}

// process runs fn for one item under the item timeout and counts the outcome.
func (s *Sweeper) process(ctx context.Context, report *Report, id string, fn func(ctx context.Context) error) {
	itemCtx, cancel := context.WithTimeout(ctx, s.config.ItemTimeout)
	defer cancel()

	err := fn(itemCtx)
	switch {
	case err == nil:
		report.Processed++
	case skippable(err):
		report.Skipped++
		s.logger.Debug("Sweep item skipped",
			zap.String("sweep", string(report.Sweep)),
			zap.String("id", id),
			zap.Error(err))
	default:
		report.Failed++
		s.logger.Warn("Sweep item failed",
			zap.String("sweep", string(report.Sweep)),
			zap.String("id", id),
			zap.Error(err))
	}
}

func skippable(err error) bool {
	return errors.Is(err, errSkipped) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrAlreadySettled) ||
		errors.Is(err, models.ErrOrderNotFound) ||
		errors.Is(err, repository.ErrLockHeld)
}

func (s *Sweeper) eachOrder(ctx context.Context, report *Report, orders []*models.Order, fn func(ctx context.Context, o *models.Order) error) error {
	report.Scanned = len(orders)
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.process(ctx, report, o.ID.Hex(), func(ctx context.Context) error {
			return fn(ctx, o)
		})
	}
	return nil
}

// expireOrders cancels prepaid orders whose payment window closed. Gateway
// orders are cancelled under the settlement lock so a callback being handled
// right now wins.
func (s *Sweeper) expireOrders(ctx context.Context, report *Report) error {
	orders, err := s.orders.FindExpiredUnpaid(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to find expired orders: %w", err)
	}
	return s.eachOrder(ctx, report, orders, func(ctx context.Context, o *models.Order) error {
		if ref := o.Payment.Reference; ref != "" && s.locker != nil {
			release, err := s.locker.Acquire(ctx, settlement.LockKey(ref), s.lockTTL)
			if err != nil {
				return err
			}
			defer release()
		}
		_, err := s.machine.Transition(ctx, o.ID, orderstate.Request{
			To:            models.StatusCancelled,
			Actor:         models.SystemActor,
			Note:          "payment window expired",
			ExpectPayment: models.PaymentUnpaid,
		})
		return err
	})
}

// cancelUndeliverable gives up on orders that failed delivery too many times.
func (s *Sweeper) cancelUndeliverable(ctx context.Context, report *Report) error {
	orders, err := s.orders.FindByStatus(ctx, models.StatusDeliveryFailed, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to find undelivered orders: %w", err)
	}
	return s.eachOrder(ctx, report, orders, func(ctx context.Context, o *models.Order) error {
		attempts := o.CountStatus(models.StatusDeliveryFailed)
		if attempts < s.config.MaxDeliveryFailures {
			return errSkipped
		}
		_, err := s.machine.Transition(ctx, o.ID, orderstate.Request{
			To:    models.StatusCancelled,
			Actor: models.SystemActor,
			Note:  fmt.Sprintf("delivery failed %d times", attempts),
		})
		return err
	})
}

// completeOrders closes delivered orders once the return window has passed.
func (s *Sweeper) completeOrders(ctx context.Context, report *Report) error {
	cutoff := s.now().Add(-s.config.ReturnWindow)
	orders, err := s.orders.FindDeliveredBefore(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to find delivered orders: %w", err)
	}
	return s.eachOrder(ctx, report, orders, func(ctx context.Context, o *models.Order) error {
		_, err := s.machine.Transition(ctx, o.ID, orderstate.Request{
			To:    models.StatusCompleted,
			Actor: models.SystemActor,
			Note:  "return window closed",
		})
		return err
	})
}

// resumeEffects finishes compensations left behind by a crash or a failed
// effect.
func (s *Sweeper) resumeEffects(ctx context.Context, report *Report) error {
	orders, err := s.orders.FindWithPendingEffects(ctx, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to find orders with pending effects: %w", err)
	}
	return s.eachOrder(ctx, report, orders, func(ctx context.Context, o *models.Order) error {
		return s.machine.RunEffects(ctx, o)
	})
}

func (s *Sweeper) expireTopUps(ctx context.Context, report *Report) error {
	txs, err := s.topUps.ExpiredTopUps(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		return err
	}
	report.Scanned = len(txs)
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := tx.ID
		s.process(ctx, report, id.Hex(), func(ctx context.Context) error {
			return s.topUps.ExpireTopUp(ctx, id)
		})
	}
	return nil
}
