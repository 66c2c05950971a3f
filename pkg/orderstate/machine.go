package orderstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duchieu205/bookworld/pkg/discount"
	"github.com/duchieu205/bookworld/pkg/events"
	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/repository"
	"github.com/duchieu205/bookworld/pkg/stock"
	"github.com/duchieu205/bookworld/pkg/wallet"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// transitions is the only source of legal status changes.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusPending:         {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed:       {models.StatusPreparing, models.StatusCancelled},
	models.StatusPreparing:       {models.StatusShipping, models.StatusCancelled},
	models.StatusShipping:        {models.StatusDelivered, models.StatusDeliveryFailed},
	models.StatusDeliveryFailed:  {models.StatusShipping, models.StatusCancelled},
	models.StatusDelivered:       {models.StatusReturnRequested, models.StatusCompleted},
	models.StatusReturnRequested: {models.StatusReturnApproved, models.StatusReturnRejected},
	models.StatusReturnRejected:  {models.StatusDelivered},
}

// effectOrder is the order in which pending effects are executed.
var effectOrder = []models.Effect{
	models.EffectRefundPayment,
	models.EffectRefundCapture,
	models.EffectReleaseDiscount,
	models.EffectCommitDiscount,
	models.EffectReleaseStock,
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status models.OrderStatus) bool {
	return len(transitions[status]) == 0
}

type Policy struct {
	ReturnWindow time.Duration
}

// Request asks for one status change.
type Request struct {
	To    models.OrderStatus
	Actor string
	Note  string
	// Payment is written together with the status change.
	Payment *repository.PaymentUpdate
	// ExpectPayment, when set, must equal the payment status the order has.
	ExpectPayment     models.PaymentStatus
	DiscountCommitted *bool
}

// OrderCache is the read-through cache used by Get.
type OrderCache interface {
	GetCachedOrder(ctx context.Context, orderID string) (*models.Order, error)
	CacheOrder(ctx context.Context, order *models.Order) error
	InvalidateOrder(ctx context.Context, orderID string) error
}

// Machine applies order status changes. Each change is one conditional
// update that also records the compensations it implies; those effects are
// then claimed and run one by one, and anything left behind is picked up by
// the effects sweep.
type Machine struct {
	orders    repository.OrderRepository
	stock     *stock.Ledger
	discounts *discount.Engine
	wallet    *wallet.Ledger
	publisher events.Publisher
	cache     OrderCache
	policy    Policy
	logger    *zap.Logger
	now       func() time.Time
}

func NewMachine(
	orders repository.OrderRepository,
	stockLedger *stock.Ledger,
	discounts *discount.Engine,
	walletLedger *wallet.Ledger,
	publisher events.Publisher,
	policy Policy,
	logger *zap.Logger,
) *Machine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Machine{
		orders:    orders,
		stock:     stockLedger,
		discounts: discounts,
		wallet:    walletLedger,
		publisher: publisher,
		policy:    policy,
		logger:    logger.Named("orderstate"),
		now:       time.Now,
	}
}

// WithCache enables the read-through order cache.
func (m *Machine) WithCache(cache OrderCache) *Machine {
	m.cache = cache
	return m
}

func (m *Machine) load(ctx context.Context, id primitive.ObjectID) (*models.Order, error) {
	o, err := m.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.Errorf(models.ErrCodeOrderNotFound, "order %s not found", id.Hex())
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return o, nil
}

// Get returns an order, from the cache when one is configured.
func (m *Machine) Get(ctx context.Context, id primitive.ObjectID) (*models.Order, error) {
	if m.cache != nil {
		if o, err := m.cache.GetCachedOrder(ctx, id.Hex()); err == nil {
			return o, nil
		}
	}
	o, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		if err := m.cache.CacheOrder(ctx, o); err != nil {
			m.logger.Debug("Failed to cache order", zap.String("order_id", id.Hex()), zap.Error(err))
		}
	}
	return o, nil
}

func (m *Machine) List(ctx context.Context, filter repository.OrderFilter) ([]*models.Order, error) {
	orders, err := m.orders.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// Invalidate drops the cached copy of an order changed outside Transition.
func (m *Machine) Invalidate(ctx context.Context, id primitive.ObjectID) {
	if m.cache == nil {
		return
	}
	if err := m.cache.InvalidateOrder(ctx, id.Hex()); err != nil {
		m.logger.Warn("Failed to invalidate cached order", zap.String("order_id", id.Hex()), zap.Error(err))
	}
}

// Transition moves the order to req.To. It fails with InvalidTransition when
// the move is not in the table, a guard does not hold, or the order changed
// between the read and the write. A failed transition leaves the order
// untouched.
func (m *Machine) Transition(ctx context.Context, id primitive.ObjectID, req Request) (*models.Order, error) {
	o, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	from := o.Status

	t, err := m.plan(o, req)
	if err != nil {
		return nil, err
	}

	updated, err := m.orders.ApplyTransition(ctx, id, *t)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, models.Errorf(models.ErrCodeInvalidTransition,
				"order %s changed while moving from %s to %s", id.Hex(), from, req.To)
		case errors.Is(err, repository.ErrNotFound):
			return nil, models.Errorf(models.ErrCodeOrderNotFound, "order %s not found", id.Hex())
		}
		return nil, fmt.Errorf("failed to apply order transition: %w", err)
	}

	m.logger.Info("Order status changed",
		zap.String("order_id", id.Hex()),
		zap.String("from", string(from)),
		zap.String("to", string(req.To)),
		zap.String("actor", t.Log.Actor))

	if err := m.publisher.Publish(ctx, events.NewOrderEvent(updated, from, t.Log)); err != nil {
		m.logger.Warn("Failed to publish order event", zap.String("order_id", id.Hex()), zap.Error(err))
	}

	if len(updated.PendingEffects) > 0 {
		// Effects belong to a committed transition and must not be cut short
		// by the caller going away.
		if err := m.RunEffects(context.WithoutCancel(ctx), updated); err != nil {
			m.logger.Warn("Order effects incomplete, left for the effects sweep",
				zap.String("order_id", id.Hex()), zap.Error(err))
		}
		if fresh, err := m.orders.GetByID(ctx, id); err == nil {
			updated = fresh
		}
	}

	if req.To == models.StatusReturnRejected {
		return m.Transition(ctx, id, Request{
			To:    models.StatusDelivered,
			Actor: t.Log.Actor,
			Note:  "return rejected, order stays delivered",
		})
	}
	return updated, nil
}

// plan validates req against the order as read and builds the guarded update.
func (m *Machine) plan(o *models.Order, req Request) (*repository.OrderTransition, error) {
	if !CanTransition(o.Status, req.To) {
		return nil, models.Errorf(models.ErrCodeInvalidTransition, "order cannot move from %s to %s", o.Status, req.To)
	}
	if req.ExpectPayment != "" && o.Payment.Status != req.ExpectPayment {
		return nil, models.Errorf(models.ErrCodeInvalidTransition,
			"order payment is %s, expected %s", o.Payment.Status, req.ExpectPayment)
	}

	now := m.now()
	switch req.To {
	case models.StatusConfirmed:
		paying := req.Payment != nil && req.Payment.Status == models.PaymentPaid
		if o.Payment.Method.Prepaid() && o.Payment.Status != models.PaymentPaid && !paying {
			return nil, models.Errorf(models.ErrCodeInvalidTransition, "%s orders are confirmed by their payment", o.Payment.Method)
		}
	case models.StatusShipping:
		if o.Payment.Method == models.PaymentGateway && o.Payment.Status != models.PaymentPaid {
			return nil, models.Errorf(models.ErrCodeInvalidTransition, "order cannot ship before its online payment is paid")
		}
	case models.StatusReturnRequested:
		if o.DeliveredAt == nil || !o.DeliveredAt.Add(m.policy.ReturnWindow).After(now) {
			return nil, models.Errorf(models.ErrCodeReturnWindowClosed,
				"returns are accepted within %s of delivery", m.policy.ReturnWindow)
		}
	}

	actor := req.Actor
	if actor == "" {
		actor = models.SystemActor
	}
	t := &repository.OrderTransition{
		From:              o.Status,
		To:                req.To,
		ExpectPayment:     o.Payment.Status,
		Payment:           req.Payment,
		DiscountCommitted: req.DiscountCommitted,
		Log: models.StatusLogEntry{
			Status:    req.To,
			Note:      req.Note,
			Actor:     actor,
			CreatedAt: now,
		},
		At: now,
	}

	switch req.To {
	case models.StatusCancelled, models.StatusReturnApproved:
		stockReserved := o.StockReserved
		t.ExpectStockReserved = &stockReserved
		if stockReserved {
			t.Effects = append(t.Effects, models.EffectReleaseStock)
		}
		if o.Discount != nil {
			// A redemption can be counted before the order records it, so
			// the release runs either way and is a no-op without one.
			committed := o.Discount.Committed
			t.ExpectDiscountCommitted = &committed
			t.Effects = append(t.Effects, models.EffectReleaseDiscount)
		}
		if o.Payment.Method.Prepaid() {
			switch o.Payment.Status {
			case models.PaymentPaid:
				t.Effects = append(t.Effects, models.EffectRefundPayment)
			case models.PaymentUnpaid:
				if req.To == models.StatusCancelled && t.Payment == nil {
					t.Payment = &repository.PaymentUpdate{Status: models.PaymentFailed}
				}
				if req.To == models.StatusCancelled && o.Payment.Method == models.PaymentWallet {
					// The debit may have landed without the confirm.
					t.Effects = append(t.Effects, models.EffectRefundCapture)
				}
			}
		}
	case models.StatusDelivered:
		// Coming back from a rejected return keeps the original delivery time.
		if o.Status == models.StatusShipping {
			t.DeliveredAt = &now
			if o.Payment.Method == models.PaymentCOD && o.Payment.Status != models.PaymentPaid {
				t.Payment = &repository.PaymentUpdate{Status: models.PaymentPaid, PaidAt: &now}
				if o.Discount != nil && !o.Discount.Committed {
					t.Effects = append(t.Effects, models.EffectCommitDiscount)
				}
			}
		}
	}
	return t, nil
}

// RunEffects executes the order's pending effects. Each effect is claimed
// first, so concurrent runners never execute the same effect twice. An
// effect that fails before changing anything is put back for a later run.
func (m *Machine) RunEffects(ctx context.Context, o *models.Order) error {
	var errs []error
	for _, effect := range effectOrder {
		if !o.HasEffect(effect) {
			continue
		}
		claimed, err := m.orders.ClaimEffect(ctx, o.ID, effect)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to claim %s: %w", effect, err))
			continue
		}
		if !claimed {
			continue
		}

		applied, err := m.perform(ctx, o, effect)
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", effect, err))
		if applied {
			// Partially applied: retrying could apply it twice.
			m.logger.Error("Order effect partially applied",
				zap.String("order_id", o.ID.Hex()),
				zap.String("effect", string(effect)),
				zap.Bool("alert", true),
				zap.Error(err))
			continue
		}
		if restoreErr := m.orders.RestoreEffect(ctx, o.ID, effect); restoreErr != nil {
			m.logger.Error("Order effect lost",
				zap.String("order_id", o.ID.Hex()),
				zap.String("effect", string(effect)),
				zap.Bool("alert", true),
				zap.Error(restoreErr))
		}
	}
	m.Invalidate(ctx, o.ID)
	return errors.Join(errs...)
}

// perform runs one claimed effect. applied reports whether anything changed
// before err occurred.
func (m *Machine) perform(ctx context.Context, o *models.Order, effect models.Effect) (applied bool, err error) {
	switch effect {
	case models.EffectRefundPayment:
		return m.refund(ctx, o)

	case models.EffectRefundCapture:
		return m.refundCapture(ctx, o)

	case models.EffectReleaseDiscount:
		code := o.DiscountCode()
		if code == "" {
			return false, nil
		}
		if err := m.discounts.Release(ctx, code, o.ID); err != nil {
			return false, err
		}
		if err := m.orders.SetDiscountCommitted(ctx, o.ID, false); err != nil {
			m.logger.Warn("Failed to clear discount flag", zap.String("order_id", o.ID.Hex()), zap.Error(err))
		}
		return true, nil

	case models.EffectCommitDiscount:
		code := o.DiscountCode()
		if code == "" {
			return false, nil
		}
		if _, err := m.discounts.Commit(ctx, code, o.ID); err != nil {
			if errors.Is(err, models.ErrDiscountExhausted) {
				// The goods are already delivered and paid for, so the
				// order keeps its price.
				m.logger.Warn("Discount ran out before delivery, order keeps it",
					zap.String("order_id", o.ID.Hex()), zap.String("code", code))
				return false, nil
			}
			return false, err
		}
		if err := m.orders.SetDiscountCommitted(ctx, o.ID, true); err != nil {
			m.logger.Warn("Failed to set discount flag", zap.String("order_id", o.ID.Hex()), zap.Error(err))
		}
		return true, nil

	case models.EffectReleaseStock:
		released, err := m.stock.ReleaseAll(ctx, stock.LinesOf(o.Items))
		return released > 0, err
	}
	return false, fmt.Errorf("unknown order effect %q", effect)
}

// refund returns a prepaid order's total to the customer's wallet. The
// payment status flips first and acts as the guard against double refunds.
func (m *Machine) refund(ctx context.Context, o *models.Order) (bool, error) {
	if _, err := m.orders.SetPaymentStatus(ctx, o.ID, models.PaymentPaid, models.PaymentRefunded, m.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			m.logger.Debug("Order payment no longer refundable", zap.String("order_id", o.ID.Hex()))
			return false, nil
		}
		return false, fmt.Errorf("failed to mark payment refunded: %w", err)
	}
	return m.creditRefund(ctx, o, o.Total, models.PaymentPaid, fmt.Sprintf("refund for order %s", o.ID.Hex()))
}

// refundCapture gives back wallet money debited for an order that was
// cancelled before its payment was recorded. The payment moves
// failed -> refunded as the guard, so it races safely with checkout's own
// void.
func (m *Machine) refundCapture(ctx context.Context, o *models.Order) (bool, error) {
	captured, err := m.wallet.Captured(ctx, o.ID)
	if err != nil {
		return false, err
	}
	if captured <= 0 {
		return false, nil
	}
	if _, err := m.orders.SetPaymentStatus(ctx, o.ID, models.PaymentFailed, models.PaymentRefunded, m.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			m.logger.Debug("Captured payment already handled", zap.String("order_id", o.ID.Hex()))
			return false, nil
		}
		return false, fmt.Errorf("failed to mark captured payment refunded: %w", err)
	}
	m.logger.Warn("Refunding payment captured for cancelled order",
		zap.String("order_id", o.ID.Hex()), zap.Int64("amount", captured))
	return m.creditRefund(ctx, o, captured, models.PaymentFailed, fmt.Sprintf("refund for cancelled order %s", o.ID.Hex()))
}

// creditRefund credits amount after the payment was flipped to refunded.
// When nothing was credited the flip is undone back to prior so the effect
// can run again.
func (m *Machine) creditRefund(ctx context.Context, o *models.Order, amount int64, prior models.PaymentStatus, description string) (bool, error) {
	if amount <= 0 {
		return true, nil
	}

	orderID := o.ID
	_, _, err := m.wallet.Credit(ctx, o.UserID, amount, wallet.Entry{
		Type:        models.TransactionRefund,
		OrderID:     &orderID,
		Reference:   o.Payment.TransactionID,
		Description: description,
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, models.ErrLedgerAudit) {
		return true, err
	}
	if _, undoErr := m.orders.SetPaymentStatus(ctx, o.ID, models.PaymentRefunded, prior, m.now()); undoErr != nil {
		return true, errors.Join(err, undoErr)
	}
	return false, err
}
