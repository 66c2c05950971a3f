package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorMatchesByCode(t *testing.T) {
	detailed := Errorf(ErrCodeInsufficientStock, "only %d left in stock", 2)

	assert.True(t, errors.Is(detailed, ErrInsufficientStock))
	assert.False(t, errors.Is(detailed, ErrInsufficientFunds))
	assert.Equal(t, "only 2 left in stock", detailed.Error())

	wrapped := fmt.Errorf("failed to reserve: %w", detailed)
	assert.True(t, errors.Is(wrapped, ErrInsufficientStock))

	var de *DomainError
	assert.True(t, errors.As(wrapped, &de))
	assert.Equal(t, ErrCodeInsufficientStock, de.Code)
}

func TestNormalizeCode(t *testing.T) {
	tests := map[string]string{
		"save10":    "SAVE10",
		"  $save10": "SAVE10",
		"$SAVE10 ":  "SAVE10",
		"":          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeCode(in), "input %q", in)
	}
}

func TestOrderCountStatusAndClone(t *testing.T) {
	order := &Order{
		Items:    []OrderItem{{Quantity: 2, UnitPrice: 50000}},
		Discount: &OrderDiscount{Code: "SAVE10", Amount: 10000},
		StatusLog: []StatusLogEntry{
			{Status: StatusShipping},
			{Status: StatusDeliveryFailed},
			{Status: StatusShipping},
			{Status: StatusDeliveryFailed},
		},
	}

	assert.Equal(t, 2, order.CountStatus(StatusDeliveryFailed))
	assert.Equal(t, int64(100000), order.Items[0].LineTotal())

	cp := order.Clone()
	cp.Discount.Committed = true
	cp.StatusLog[0].Note = "changed"
	assert.False(t, order.Discount.Committed)
	assert.Empty(t, order.StatusLog[0].Note)
}

func TestPaymentStatusSettled(t *testing.T) {
	assert.False(t, PaymentUnpaid.Settled())
	assert.True(t, PaymentPaid.Settled())
	assert.True(t, PaymentFailed.Settled())
	assert.True(t, PaymentRefunded.Settled())
	assert.True(t, PaymentGateway.Prepaid())
	assert.False(t, PaymentCOD.Prepaid())
}
