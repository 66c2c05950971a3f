package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/repository"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Line is one variant quantity to reserve or release.
type Line struct {
	VariantID primitive.ObjectID
	Quantity  int64
}

// LinesOf converts order items into stock lines.
func LinesOf(items []models.OrderItem) []Line {
	lines := make([]Line, len(items))
	for i, item := range items {
		lines[i] = Line{VariantID: item.VariantID, Quantity: item.Quantity}
	}
	return lines
}

// Ledger moves variant quantities with conditional updates so that
// concurrent reservations can never drive a quantity below zero.
type Ledger struct {
	variants repository.VariantRepository
	logger   *zap.Logger
}

func NewLedger(variants repository.VariantRepository, logger *zap.Logger) *Ledger {
	return &Ledger{variants: variants, logger: logger.Named("stock")}
}

func (l *Ledger) Reserve(ctx context.Context, variantID primitive.ObjectID, qty int64) (*models.Variant, error) {
	if qty <= 0 {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "quantity must be positive, got %d", qty)
	}

	v, err := l.variants.DecrementQuantity(ctx, variantID, qty)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, models.Errorf(models.ErrCodeVariantNotFound, "variant %s not found", variantID.Hex())
	case errors.Is(err, repository.ErrConflict):
		// Re-read only to describe the shortfall; the guard already decided.
		current, getErr := l.variants.GetByID(ctx, variantID)
		if getErr != nil {
			return nil, models.Errorf(models.ErrCodeInsufficientStock, "not enough stock for variant %s", variantID.Hex())
		}
		return nil, models.Errorf(models.ErrCodeInsufficientStock,
			"only %d left in stock for variant %s", current.Quantity, variantID.Hex())
	default:
		return nil, fmt.Errorf("failed to reserve stock: %w", err)
	}
}

func (l *Ledger) Release(ctx context.Context, variantID primitive.ObjectID, qty int64) error {
	if qty <= 0 {
		return nil
	}
	if _, err := l.variants.IncrementQuantity(ctx, variantID, qty); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Errorf(models.ErrCodeVariantNotFound, "variant %s not found", variantID.Hex())
		}
		return fmt.Errorf("failed to release stock: %w", err)
	}
	return nil
}

// ReserveAll reserves every line in order. When one line fails the lines
// already reserved are released in reverse order before the failure is
// returned.
func (l *Ledger) ReserveAll(ctx context.Context, lines []Line) error {
	for i, line := range lines {
		if _, err := l.Reserve(ctx, line.VariantID, line.Quantity); err != nil {
			// Compensation must finish even if the caller's context is done.
			undoCtx := context.WithoutCancel(ctx)
			for j := i - 1; j >= 0; j-- {
				if relErr := l.Release(undoCtx, lines[j].VariantID, lines[j].Quantity); relErr != nil {
					l.logger.Error("Failed to undo partial reservation",
						zap.String("variant_id", lines[j].VariantID.Hex()),
						zap.Int64("quantity", lines[j].Quantity),
						zap.Bool("alert", true),
						zap.Error(relErr))
				}
			}
			return err
		}
	}
	return nil
}

// ReleaseAll returns every line to stock and reports how many lines went back.
func (l *Ledger) ReleaseAll(ctx context.Context, lines []Line) (int, error) {
	var (
		released int
		errs     []error
	)
	for _, line := range lines {
		if err := l.Release(ctx, line.VariantID, line.Quantity); err != nil {
			errs = append(errs, err)
			continue
		}
		released++
	}
	return released, errors.Join(errs...)
}
