package orderstate

import (
	"context"

	"github.com/duchieu205/bookworld/pkg/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func (m *Machine) owned(ctx context.Context, userID, orderID primitive.ObjectID) (*models.Order, error) {
	o, err := m.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		// Other customers' orders are reported as missing.
		return nil, models.Errorf(models.ErrCodeOrderNotFound, "order %s not found", orderID.Hex())
	}
	return o, nil
}

// GetOwned returns the order if it belongs to userID.
func (m *Machine) GetOwned(ctx context.Context, userID, orderID primitive.ObjectID) (*models.Order, error) {
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, models.Errorf(models.ErrCodeOrderNotFound, "order %s not found", orderID.Hex())
	}
	return o, nil
}

// CancelByCustomer lets a customer cancel their own order while it is still
// pending. Later cancellations go through the shop.
func (m *Machine) CancelByCustomer(ctx context.Context, userID, orderID primitive.ObjectID, reason string) (*models.Order, error) {
	o, err := m.owned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != models.StatusPending {
		return nil, models.Errorf(models.ErrCodeInvalidTransition, "only pending orders can be cancelled by the customer, order is %s", o.Status)
	}
	note := "cancelled by customer"
	if reason != "" {
		note += ": " + reason
	}
	return m.Transition(ctx, orderID, Request{
		To:            models.StatusCancelled,
		Actor:         userID.Hex(),
		Note:          note,
		ExpectPayment: o.Payment.Status,
	})
}

// RequestReturn opens a return for a delivered order within the return window.
func (m *Machine) RequestReturn(ctx context.Context, userID, orderID primitive.ObjectID, reason string) (*models.Order, error) {
	if _, err := m.owned(ctx, userID, orderID); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "a reason is required to request a return")
	}
	return m.Transition(ctx, orderID, Request{
		To:    models.StatusReturnRequested,
		Actor: userID.Hex(),
		Note:  reason,
	})
}
