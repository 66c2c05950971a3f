package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/orderstate"
	"github.com/duchieu205/bookworld/pkg/paygate"
	"github.com/duchieu205/bookworld/pkg/repository"
	"go.uber.org/zap"
)

// LockKey is the lock held while a gateway reference is being settled.
func LockKey(reference string) string {
	return "settlement:" + reference
}

// HandleGatewayReturn settles an order from the gateway's signed return
// query. Callbacks for one reference are serialized, and a callback for an
// already settled order changes nothing and reports AlreadySettled.
func (c *Coordinator) HandleGatewayReturn(ctx context.Context, query url.Values) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Payment.CallbackTimeout)
	defer cancel()

	res, err := c.gateway.ParseReturn(query)
	if err != nil {
		c.logger.Warn("Rejected gateway return", zap.Error(err))
		return nil, err
	}

	release, err := c.locker.Acquire(ctx, LockKey(res.Reference), c.config.Redis.LockTTL)
	if err != nil {
		if errors.Is(err, repository.ErrLockHeld) {
			return nil, models.Errorf(models.ErrCodeSettlementInProgress, "payment %s is being settled", res.Reference)
		}
		return nil, fmt.Errorf("failed to acquire settlement lock: %w", err)
	}
	defer release()

	o, err := c.orders.GetByReference(ctx, res.Reference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.Errorf(models.ErrCodeOrderNotFound, "no order for payment reference %s", res.Reference)
		}
		return nil, fmt.Errorf("failed to load order by reference: %w", err)
	}

	c.logger.Info("Gateway return received",
		zap.String("order_id", o.ID.Hex()),
		zap.String("response_code", res.ResponseCode),
		zap.String("transaction_no", res.TransactionNo))
	return c.settle(ctx, o, res)
}

func (c *Coordinator) settle(ctx context.Context, o *models.Order, res *paygate.Result) (*models.Order, error) {
	if latePayment(o, res) {
		return c.refundLate(ctx, o, res)
	}
	if o.Payment.Status.Settled() {
		return o, models.Errorf(models.ErrCodeAlreadySettled, "payment for order %s is already %s", o.ID.Hex(), o.Payment.Status)
	}

	if !res.Succeeded() {
		c.cancel(ctx, o.ID, "payment declined with code "+res.ResponseCode, nil)
		return c.reload(ctx, o), models.Errorf(models.ErrCodePaymentDeclined, "gateway declined payment with code %s", res.ResponseCode)
	}
	if !res.AmountMatches(o.Total) {
		c.logger.Error("Gateway paid amount does not match order total",
			zap.String("order_id", o.ID.Hex()),
			zap.Int64("total", o.Total),
			zap.Int64("raw_amount", res.RawAmount),
			zap.Bool("alert", true))
		c.cancel(ctx, o.ID, "paid amount does not match order total", nil)
		return c.reload(ctx, o), models.Errorf(models.ErrCodeAmountMismatch, "paid amount %d does not match order total %d", res.RawAmount/c.config.Payment.AmountScale, o.Total)
	}

	code := o.DiscountCode()
	if code != "" {
		if _, err := c.discounts.Commit(ctx, code, o.ID); err != nil {
			return c.reload(ctx, o), c.voidCaptured(ctx, o, res.TransactionNo, "discount ran out before payment completed", err)
		}
	}

	paidAt := c.now()
	confirm := orderstate.Request{
		To:            models.StatusConfirmed,
		Actor:         models.SystemActor,
		Note:          "paid through payment gateway",
		ExpectPayment: models.PaymentUnpaid,
		Payment: &repository.PaymentUpdate{
			Status:        models.PaymentPaid,
			TransactionID: res.TransactionNo,
			PaidAt:        &paidAt,
		},
	}
	if code != "" {
		committed := true
		confirm.DiscountCommitted = &committed
	}
	confirmed, err := c.machine.Transition(ctx, o.ID, confirm)
	if err == nil {
		c.logger.Info("Gateway order paid", zap.String("order_id", o.ID.Hex()), zap.Int64("total", o.Total))
		return confirmed, nil
	}

	c.releaseDiscount(ctx, o.ID, code)
	if !errors.Is(err, models.ErrInvalidTransition) {
		return nil, err
	}
	// The expiry sweep got there first.
	fresh, loadErr := c.orders.GetByID(ctx, o.ID)
	if loadErr != nil {
		return nil, err
	}
	if latePayment(fresh, res) {
		return c.refundLate(ctx, fresh, res)
	}
	return fresh, models.Errorf(models.ErrCodeAlreadySettled, "payment for order %s is already %s", o.ID.Hex(), fresh.Payment.Status)
}

// latePayment reports a successful payment for an order that was already
// cancelled for not being paid in time.
func latePayment(o *models.Order, res *paygate.Result) bool {
	return o.Status == models.StatusCancelled &&
		o.Payment.Status == models.PaymentFailed &&
		res.Succeeded() &&
		res.AmountMatches(o.Total)
}

func (c *Coordinator) refundLate(ctx context.Context, o *models.Order, res *paygate.Result) (*models.Order, error) {
	cause := models.Errorf(models.ErrCodeOrderExpired, "order %s was cancelled before its payment arrived", o.ID.Hex())
	err := c.voidCaptured(ctx, o, res.TransactionNo, "payment arrived after the order was cancelled", cause)
	return c.reload(ctx, o), err
}
