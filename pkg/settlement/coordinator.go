package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/discount"
	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/orderstate"
	"github.com/duchieu205/bookworld/pkg/paygate"
	"github.com/duchieu205/bookworld/pkg/repository"
	"github.com/duchieu205/bookworld/pkg/stock"
	"github.com/duchieu205/bookworld/pkg/wallet"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Locker serializes work on one key across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type LineItem struct {
	ProductID primitive.ObjectID `json:"product_id"`
	VariantID primitive.ObjectID `json:"variant_id" binding:"required"`
	Quantity  int64              `json:"quantity" binding:"required"`
}

type CheckoutRequest struct {
	UserID          primitive.ObjectID     `json:"-"`
	Items           []LineItem             `json:"items" binding:"required"`
	DiscountCode    string                 `json:"discount_code"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	Note            string                 `json:"note"`
	IPAddr          string                 `json:"-"`
}

type CheckoutResult struct {
	Order   *models.Order        `json:"order"`
	Payment *paygate.PaymentLink `json:"payment,omitempty"`
}

// Preview is an unsaved price breakdown. It reserves nothing and counts no
// discount usage.
type Preview struct {
	Subtotal    int64                `json:"subtotal"`
	ShippingFee int64                `json:"shipping_fee"`
	Discount    *discount.Evaluation `json:"discount,omitempty"`
	Total       int64                `json:"total"`
}

// VoidedOrderError reports an order that was cancelled after the customer's
// money was captured.
type VoidedOrderError struct {
	OrderID         primitive.ObjectID
	Cause           error
	PaymentCaptured bool
	Refunded        bool
}

func (e *VoidedOrderError) Error() string {
	return fmt.Sprintf("payment succeeded but order %s was voided: %v", e.OrderID.Hex(), e.Cause)
}

func (e *VoidedOrderError) Unwrap() error {
	return e.Cause
}

type Deps struct {
	Orders    repository.OrderRepository
	Variants  repository.VariantRepository
	Carts     repository.CartRepository
	Stock     *stock.Ledger
	Discounts *discount.Engine
	Wallet    *wallet.Ledger
	Machine   *orderstate.Machine
	Gateway   *paygate.Client
	Locker    Locker
}

// Coordinator runs the checkout flows. There are no multi-document
// transactions: every step is a conditional single-document write, and a
// failure after stock was reserved always ends with the order cancelled so
// that its effects give the stock, discount and money back.
type Coordinator struct {
	orders    repository.OrderRepository
	variants  repository.VariantRepository
	carts     repository.CartRepository
	stock     *stock.Ledger
	discounts *discount.Engine
	wallet    *wallet.Ledger
	machine   *orderstate.Machine
	gateway   *paygate.Client
	locker    Locker
	config    *config.Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewCoordinator(deps Deps, cfg *config.Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		orders:    deps.Orders,
		variants:  deps.Variants,
		carts:     deps.Carts,
		stock:     deps.Stock,
		discounts: deps.Discounts,
		wallet:    deps.Wallet,
		machine:   deps.Machine,
		gateway:   deps.Gateway,
		locker:    deps.Locker,
		config:    cfg,
		logger:    logger.Named("settlement"),
		now:       time.Now,
	}
}

type draft struct {
	items    []models.OrderItem
	subtotal int64
	shipping int64
	eval     *discount.Evaluation
	total    int64
}

// prepare validates the cart and prices it without writing anything.
func (c *Coordinator) prepare(ctx context.Context, req CheckoutRequest) (*draft, error) {
	if len(req.Items) == 0 {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "order has no items")
	}

	// Merge duplicate lines for the same variant.
	merged := make([]LineItem, 0, len(req.Items))
	index := make(map[primitive.ObjectID]int, len(req.Items))
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, models.Errorf(models.ErrCodeInvalidRequest, "quantity for variant %s must be positive", line.VariantID.Hex())
		}
		if i, ok := index[line.VariantID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.VariantID] = len(merged)
		merged = append(merged, line)
	}

	d := &draft{items: make([]models.OrderItem, 0, len(merged))}
	for _, line := range merged {
		v, err := c.variants.GetByID(ctx, line.VariantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, models.Errorf(models.ErrCodeVariantNotFound, "variant %s not found", line.VariantID.Hex())
			}
			return nil, fmt.Errorf("failed to load variant: %w", err)
		}
		if v.Status != models.VariantActive {
			return nil, models.Errorf(models.ErrCodeVariantInactive, "variant %s is not for sale", v.ID.Hex())
		}
		if !line.ProductID.IsZero() && line.ProductID != v.ProductID {
			return nil, models.Errorf(models.ErrCodeInvalidRequest, "variant %s does not belong to product %s", v.ID.Hex(), line.ProductID.Hex())
		}
		item := models.OrderItem{
			ProductID: v.ProductID,
			VariantID: v.ID,
			Quantity:  line.Quantity,
			UnitPrice: v.Price,
		}
		d.items = append(d.items, item)
		d.subtotal += item.LineTotal()
	}

	d.shipping = c.config.Checkout.ShippingFee
	var discountAmount int64
	if code := models.NormalizeCode(req.DiscountCode); code != "" {
		eval, err := c.discounts.Evaluate(ctx, code, d.items, d.subtotal, req.UserID)
		if err != nil {
			return nil, err
		}
		d.eval = eval
		discountAmount = eval.Amount
	}
	d.total = max(0, d.subtotal+d.shipping-discountAmount)
	return d, nil
}

func (c *Coordinator) open(ctx context.Context, req CheckoutRequest, d *draft, method models.PaymentMethod) (*models.Order, error) {
	now := c.now()
	o := &models.Order{
		UserID:      req.UserID,
		Items:       d.items,
		Subtotal:    d.subtotal,
		ShippingFee: d.shipping,
		Total:       d.total,
		Status:      models.StatusPending,
		Payment:     models.Payment{Method: method, Status: models.PaymentUnpaid},
		StatusLog: []models.StatusLogEntry{{
			Status:    models.StatusPending,
			Note:      "order created",
			Actor:     req.UserID.Hex(),
			CreatedAt: now,
		}},
		ShippingAddress: req.ShippingAddress,
		Note:            req.Note,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	switch {
	case d.eval != nil && d.eval.Amount > 0:
		o.Discount = &models.OrderDiscount{Code: d.eval.Code, Amount: d.eval.Amount}
	case d.eval != nil:
		// A code worth nothing is not recorded, so it never takes a redemption.
		c.logger.Info("Discount code not applied",
			zap.String("code", d.eval.Code), zap.String("reason", d.eval.Message))
	}
	if method.Prepaid() {
		expires := now.Add(c.config.Checkout.PaymentTTL)
		o.ExpiresAt = &expires
	}
	if err := c.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return o, nil
}

// reserve takes the order's stock. On failure the order is cancelled.
func (c *Coordinator) reserve(ctx context.Context, o *models.Order) error {
	lines := stock.LinesOf(o.Items)
	if err := c.stock.ReserveAll(ctx, lines); err != nil {
		c.cancel(ctx, o.ID, err.Error(), nil)
		return err
	}
	if err := c.orders.MarkStockReserved(ctx, o.ID); err != nil {
		// The flag is what the cancel effect keys on, so give the stock back here.
		if _, relErr := c.stock.ReleaseAll(context.WithoutCancel(ctx), lines); relErr != nil {
			c.logger.Error("Failed to release stock for unmarked order",
				zap.String("order_id", o.ID.Hex()), zap.Bool("alert", true), zap.Error(relErr))
		}
		c.cancel(ctx, o.ID, "stock reservation could not be recorded", nil)
		return fmt.Errorf("failed to mark stock reserved: %w", err)
	}
	o.StockReserved = true
	return nil
}

// cancel moves the order to cancelled as the system. Its effects run as part
// of the transition.
func (c *Coordinator) cancel(ctx context.Context, id primitive.ObjectID, note string, payment *repository.PaymentUpdate) error {
	_, err := c.machine.Transition(context.WithoutCancel(ctx), id, orderstate.Request{
		To:      models.StatusCancelled,
		Actor:   models.SystemActor,
		Note:    note,
		Payment: payment,
	})
	if err != nil {
		c.logger.Error("Failed to cancel order",
			zap.String("order_id", id.Hex()),
			zap.String("note", note),
			zap.Bool("alert", true),
			zap.Error(err))
	}
	return err
}

func (c *Coordinator) reload(ctx context.Context, o *models.Order) *models.Order {
	fresh, err := c.orders.GetByID(ctx, o.ID)
	if err != nil {
		return o
	}
	return fresh
}

// CheckoutCOD places a cash-on-delivery order. The discount is only
// committed once the order is delivered and paid.
func (c *Coordinator) CheckoutCOD(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	d, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	o, err := c.open(ctx, req, d, models.PaymentCOD)
	if err != nil {
		return nil, err
	}
	if err := c.reserve(ctx, o); err != nil {
		return nil, err
	}
	c.logger.Info("COD order placed", zap.String("order_id", o.ID.Hex()), zap.Int64("total", o.Total))
	return &CheckoutResult{Order: c.reload(ctx, o)}, nil
}

// CheckoutWallet places an order paid from the customer's wallet.
func (c *Coordinator) CheckoutWallet(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	d, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	o, err := c.open(ctx, req, d, models.PaymentWallet)
	if err != nil {
		return nil, err
	}
	if err := c.reserve(ctx, o); err != nil {
		return nil, err
	}

	var txID string
	if o.Total > 0 {
		orderID := o.ID
		_, tx, err := c.wallet.Debit(ctx, o.UserID, o.Total, wallet.Entry{
			Type:        models.TransactionPayment,
			OrderID:     &orderID,
			Description: fmt.Sprintf("payment for order %s", o.ID.Hex()),
		})
		switch {
		case err == nil:
			txID = tx.ID.Hex()
		case errors.Is(err, models.ErrLedgerAudit):
			// Money moved; carry on without a row id.
		default:
			c.cancel(ctx, o.ID, "payment failed: "+err.Error(), nil)
			return nil, err
		}
	}

	code := o.DiscountCode()
	if code != "" {
		if _, err := c.discounts.Commit(ctx, code, o.ID); err != nil {
			return nil, c.voidCaptured(ctx, o, txID, "discount ran out before payment completed", err)
		}
	}

	paidAt := c.now()
	confirm := orderstate.Request{
		To:            models.StatusConfirmed,
		Actor:         o.UserID.Hex(),
		Note:          "paid with wallet",
		ExpectPayment: models.PaymentUnpaid,
		Payment:       &repository.PaymentUpdate{Status: models.PaymentPaid, TransactionID: txID, PaidAt: &paidAt},
	}
	if code != "" {
		committed := true
		confirm.DiscountCommitted = &committed
	}
	confirmed, err := c.machine.Transition(ctx, o.ID, confirm)
	if err != nil {
		// Lost the order to a concurrent cancel: undo what this flow did.
		c.releaseDiscount(ctx, o.ID, code)
		return nil, c.voidCaptured(ctx, o, txID, "order was cancelled before payment completed", err)
	}

	c.logger.Info("Wallet order paid", zap.String("order_id", o.ID.Hex()), zap.Int64("total", o.Total))
	return &CheckoutResult{Order: confirmed}, nil
}

// releaseDiscount gives back a usage this flow committed but never recorded on
// the order.
func (c *Coordinator) releaseDiscount(ctx context.Context, orderID primitive.ObjectID, code string) {
	if code == "" {
		return
	}
	if err := c.discounts.Release(context.WithoutCancel(ctx), code, orderID); err != nil {
		c.logger.Error("Failed to release discount of voided order",
			zap.String("order_id", orderID.Hex()),
			zap.String("code", code),
			zap.Bool("alert", true),
			zap.Error(err))
	}
}

// voidCaptured gives back money that was captured for an order that will not
// go ahead. The order ends cancelled with its stock returned, and its payment
// moves failed -> refunded as the guard against crediting twice.
func (c *Coordinator) voidCaptured(ctx context.Context, o *models.Order, reference, note string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	voided := &VoidedOrderError{OrderID: o.ID, Cause: cause, PaymentCaptured: true}

	current, err := c.orders.GetByID(ctx, o.ID)
	if err == nil && current.Status != models.StatusCancelled {
		// Cancelling while unpaid marks the payment failed.
		c.cancel(ctx, o.ID, note, nil)
	}

	if _, err := c.orders.SetPaymentStatus(ctx, o.ID, models.PaymentFailed, models.PaymentRefunded, c.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// The cancel's own refund effect may have credited it already.
			current := c.reload(ctx, o)
			voided.Refunded = current.Payment.Status == models.PaymentRefunded
			c.logger.Info("Captured payment already handled",
				zap.String("order_id", o.ID.Hex()),
				zap.String("payment_status", string(current.Payment.Status)))
		} else {
			c.logger.Error("Failed to mark captured payment refunded",
				zap.String("order_id", o.ID.Hex()), zap.Bool("alert", true), zap.Error(err))
		}
		return voided
	}

	c.machine.Invalidate(ctx, o.ID)

	if o.Total > 0 {
		orderID := o.ID
		_, _, err := c.wallet.Credit(ctx, o.UserID, o.Total, wallet.Entry{
			Type:        models.TransactionRefund,
			OrderID:     &orderID,
			Reference:   reference,
			Description: fmt.Sprintf("refund for order %s: %s", o.ID.Hex(), note),
		})
		if err != nil && !errors.Is(err, models.ErrLedgerAudit) {
			c.logger.Error("Failed to refund captured payment",
				zap.String("order_id", o.ID.Hex()),
				zap.Int64("amount", o.Total),
				zap.Bool("alert", true),
				zap.Error(err))
			if _, undoErr := c.orders.SetPaymentStatus(ctx, o.ID, models.PaymentRefunded, models.PaymentFailed, c.now()); undoErr != nil {
				c.logger.Error("Failed to revert refund flag", zap.String("order_id", o.ID.Hex()), zap.Error(undoErr))
			}
			c.machine.Invalidate(ctx, o.ID)
			return voided
		}
	}

	voided.Refunded = true
	c.logger.Warn("Captured payment refunded to wallet",
		zap.String("order_id", o.ID.Hex()),
		zap.Int64("amount", o.Total),
		zap.String("reason", note))
	return voided
}

// CheckoutGateway places an order paid through the redirect gateway and
// returns the URL to send the customer to.
func (c *Coordinator) CheckoutGateway(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	d, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	o, err := c.open(ctx, req, d, models.PaymentGateway)
	if err != nil {
		return nil, err
	}

	ref := o.ID.Hex()
	link, err := c.gateway.BuildPaymentURL(paygate.PaymentRequest{
		Reference: ref,
		Amount:    o.Total,
		OrderInfo: fmt.Sprintf("Thanh toan don hang %s", ref),
		IPAddr:    req.IPAddr,
	})
	if err != nil {
		c.cancel(ctx, o.ID, "payment link could not be created", nil)
		return nil, err
	}
	if err := c.orders.SetPaymentReference(ctx, o.ID, ref, link.Checksum); err != nil {
		c.cancel(ctx, o.ID, "payment reference could not be stored", nil)
		return nil, fmt.Errorf("failed to store payment reference: %w", err)
	}
	if err := c.reserve(ctx, o); err != nil {
		return nil, err
	}

	if c.carts != nil {
		variantIDs := make([]primitive.ObjectID, len(o.Items))
		for i, item := range o.Items {
			variantIDs[i] = item.VariantID
		}
		if err := c.carts.RemoveItems(ctx, o.UserID, variantIDs); err != nil {
			c.logger.Warn("Failed to clear purchased items from cart", zap.String("user_id", o.UserID.Hex()), zap.Error(err))
		}
	}

	c.logger.Info("Gateway order awaiting payment", zap.String("order_id", o.ID.Hex()), zap.Int64("total", o.Total))
	return &CheckoutResult{Order: c.reload(ctx, o), Payment: link}, nil
}

// PreviewDiscount prices the cart with a code without writing anything.
func (c *Coordinator) PreviewDiscount(ctx context.Context, req CheckoutRequest) (*Preview, error) {
	if models.NormalizeCode(req.DiscountCode) == "" {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "discount code is required")
	}
	d, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Preview{
		Subtotal:    d.subtotal,
		ShippingFee: d.shipping,
		Discount:    d.eval,
		Total:       d.total,
	}, nil
}
