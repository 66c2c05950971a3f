package discount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/repository"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const noEligibleItems = "no items in your cart are eligible for this code"

// UsageCounter counts the orders in which a user already redeemed a code.
type UsageCounter interface {
	CountDiscountUses(ctx context.Context, userID primitive.ObjectID, code string) (int64, error)
}

// Evaluation is the outcome of checking a code against a cart. It is
// advisory: usage is only counted by Commit.
type Evaluation struct {
	Discount           *models.Discount     `json:"-"`
	Code               string               `json:"code"`
	Amount             int64                `json:"amount"`
	ApplicableSubtotal int64                `json:"applicable_subtotal"`
	AppliedItems       []primitive.ObjectID `json:"applied_items"`
	Message            string               `json:"message,omitempty"`
}

type Engine struct {
	discounts repository.DiscountRepository
	usage     UsageCounter
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(discounts repository.DiscountRepository, usage UsageCounter, logger *zap.Logger) *Engine {
	return &Engine{
		discounts: discounts,
		usage:     usage,
		logger:    logger.Named("discount"),
		now:       time.Now,
	}
}

func (e *Engine) lookup(ctx context.Context, code string) (*models.Discount, error) {
	d, err := e.discounts.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.Errorf(models.ErrCodeDiscountNotFound, "discount code %s does not exist", code)
		}
		return nil, fmt.Errorf("failed to load discount: %w", err)
	}
	return d, nil
}

// Evaluate checks that code may be applied to the cart and prices it.
func (e *Engine) Evaluate(ctx context.Context, code string, items []models.OrderItem, subtotal int64, userID primitive.ObjectID) (*Evaluation, error) {
	code = models.NormalizeCode(code)
	if code == "" {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "discount code is empty")
	}
	d, err := e.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if d.Status != models.DiscountActive {
		return nil, models.Errorf(models.ErrCodeDiscountInactive, "discount code %s is disabled", code)
	}
	if !d.StartsAt.IsZero() && now.Before(d.StartsAt) {
		return nil, models.Errorf(models.ErrCodeDiscountNotStarted, "discount code %s starts at %s", code, d.StartsAt.Format(time.RFC3339))
	}
	if d.EndsAt != nil && now.After(*d.EndsAt) {
		return nil, models.Errorf(models.ErrCodeDiscountExpired, "discount code %s expired at %s", code, d.EndsAt.Format(time.RFC3339))
	}
	if d.TotalUsageLimit != nil && d.UsedCount >= *d.TotalUsageLimit {
		return nil, models.Errorf(models.ErrCodeDiscountGlobalLimit, "discount code %s has been used %d of %d times", code, d.UsedCount, *d.TotalUsageLimit)
	}
	if d.PerUserLimit > 0 {
		used, err := e.usage.CountDiscountUses(ctx, userID, code)
		if err != nil {
			return nil, fmt.Errorf("failed to count discount uses: %w", err)
		}
		if used >= d.PerUserLimit {
			return nil, models.Errorf(models.ErrCodeDiscountPerUserLimit, "you already used discount code %s %d of %d times", code, used, d.PerUserLimit)
		}
	}
	if subtotal < d.MinOrderValue {
		return nil, models.Errorf(models.ErrCodeDiscountBelowMinimum, "order subtotal %d is below the minimum %d for code %s", subtotal, d.MinOrderValue, code)
	}

	amount, applicable, applied := Amount(d, items, subtotal)
	eval := &Evaluation{
		Discount:           d,
		Code:               code,
		Amount:             amount,
		ApplicableSubtotal: applicable,
		AppliedItems:       applied,
	}
	if len(applied) == 0 {
		eval.Message = noEligibleItems
	}
	return eval, nil
}

// Amount prices a discount against the cart. Scoped codes only count the
// lines whose product they cover. The result never exceeds subtotal.
func Amount(d *models.Discount, items []models.OrderItem, subtotal int64) (amount, applicable int64, applied []primitive.ObjectID) {
	applied = make([]primitive.ObjectID, 0, len(items))
	for _, item := range items {
		if d.Covers(item.ProductID) {
			applicable += item.LineTotal()
			applied = append(applied, item.VariantID)
		}
	}
	if len(applied) == 0 {
		return 0, 0, applied
	}

	switch d.Type {
	case models.DiscountPercent:
		pct := min(max(d.Value, 0), 100)
		amount = decimal.NewFromInt(applicable).
			Mul(decimal.NewFromInt(pct)).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	case models.DiscountFixed:
		amount = d.Value
	}
	return min(max(amount, 0), subtotal), applicable, applied
}

// Commit counts orderID's redemption of code. It is called only after
// payment is confirmed, and fails with DiscountExhausted when the global
// limit was reached in the meantime. Committing twice for one order counts
// once.
func (e *Engine) Commit(ctx context.Context, code string, orderID primitive.ObjectID) (*models.Discount, error) {
	d, err := e.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	updated, err := e.discounts.IncrementUsage(ctx, d.ID, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, models.Errorf(models.ErrCodeDiscountExhausted, "discount code %s ran out before payment completed", code)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.Errorf(models.ErrCodeDiscountNotFound, "discount code %s does not exist", code)
		}
		return nil, fmt.Errorf("failed to commit discount: %w", err)
	}
	return updated, nil
}

// Release gives back orderID's redemption. Releasing for an order that holds
// none is logged and ignored, so used_count never drops below zero.
func (e *Engine) Release(ctx context.Context, code string, orderID primitive.ObjectID) error {
	d, err := e.discounts.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("Discount to release no longer exists", zap.String("code", code))
			return nil
		}
		return fmt.Errorf("failed to load discount: %w", err)
	}
	if _, err := e.discounts.DecrementUsage(ctx, d.ID, orderID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			e.logger.Debug("No redemption to release", zap.String("code", code), zap.String("order_id", orderID.Hex()))
			return nil
		}
		return fmt.Errorf("failed to release discount: %w", err)
	}
	return nil
}
