package events

import (
	"context"
	"errors"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
)

const TypeOrderStatusChanged = "order.status_changed"

// OrderEvent is emitted after every committed order transition. Notification
// and email services key off To (cancelled, delivered, return_rejected).
type OrderEvent struct {
	Type          string               `json:"type"`
	OrderID       string               `json:"order_id"`
	UserID        string               `json:"user_id"`
	From          models.OrderStatus   `json:"from"`
	To            models.OrderStatus   `json:"to"`
	Note          string               `json:"note,omitempty"`
	Actor         string               `json:"actor"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	Total         int64                `json:"total"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

// NewOrderEvent describes the move of order from `from` to its current status.
func NewOrderEvent(order *models.Order, from models.OrderStatus, entry models.StatusLogEntry) OrderEvent {
	return OrderEvent{
		Type:          TypeOrderStatusChanged,
		OrderID:       order.ID.Hex(),
		UserID:        order.UserID.Hex(),
		From:          from,
		To:            order.Status,
		Note:          entry.Note,
		Actor:         entry.Actor,
		PaymentMethod: order.Payment.Method,
		PaymentStatus: order.Payment.Status,
		Total:         order.Total,
		OccurredAt:    entry.CreatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event OrderEvent) error

func (f PublisherFunc) Publish(ctx context.Context, event OrderEvent) error {
	return f(ctx, event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, OrderEvent) error { return nil }

// Multi delivers to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event OrderEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
