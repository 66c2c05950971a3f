package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusConfirmed       OrderStatus = "confirmed"
	StatusPreparing       OrderStatus = "preparing"
	StatusShipping        OrderStatus = "shipping"
	StatusDeliveryFailed  OrderStatus = "delivery_failed"
	StatusDelivered       OrderStatus = "delivered"
	StatusReturnRequested OrderStatus = "return_requested"
	StatusReturnApproved  OrderStatus = "return_approved"
	StatusReturnRejected  OrderStatus = "return_rejected"
	StatusCompleted       OrderStatus = "completed"
	StatusCancelled       OrderStatus = "cancelled"
)

// SuccessStatuses are the statuses that count as a redeemed discount use.
var SuccessStatuses = []OrderStatus{
	StatusConfirmed,
	StatusPreparing,
	StatusShipping,
	StatusDeliveryFailed,
	StatusDelivered,
	StatusReturnRequested,
	StatusReturnRejected,
	StatusCompleted,
}

type PaymentMethod string

const (
	PaymentCOD     PaymentMethod = "cod"
	PaymentWallet  PaymentMethod = "wallet"
	PaymentGateway PaymentMethod = "gateway"
)

// Prepaid reports whether money is captured before shipping.
func (m PaymentMethod) Prepaid() bool {
	return m == PaymentWallet || m == PaymentGateway
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCOD, PaymentWallet, PaymentGateway:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Settled reports whether the payment reached a terminal outcome.
func (s PaymentStatus) Settled() bool {
	return s == PaymentPaid || s == PaymentFailed || s == PaymentRefunded
}

// Effect is a side effect bound to an order transition. Effects are recorded on
// the order in the same update as the transition and claimed one at a time.
type Effect string

const (
	EffectRefundPayment   Effect = "refund_payment"
	EffectRefundCapture   Effect = "refund_capture"
	EffectReleaseDiscount Effect = "release_discount"
	EffectCommitDiscount  Effect = "commit_discount"
	EffectReleaseStock    Effect = "release_stock"
)

// SystemActor marks log entries written by schedulers and compensations.
const SystemActor = "system"

type OrderItem struct {
	ProductID primitive.ObjectID `bson:"product_id" json:"product_id"`
	VariantID primitive.ObjectID `bson:"variant_id" json:"variant_id"`
	Quantity  int64              `bson:"quantity" json:"quantity"`
	UnitPrice int64              `bson:"unit_price" json:"unit_price"`
}

func (i OrderItem) LineTotal() int64 {
	return i.Quantity * i.UnitPrice
}

type OrderDiscount struct {
	Code      string `bson:"code" json:"code"`
	Amount    int64  `bson:"amount" json:"amount"`
	Committed bool   `bson:"committed" json:"committed"`
}

type Payment struct {
	Method        PaymentMethod `bson:"method" json:"method"`
	Status        PaymentStatus `bson:"status" json:"status"`
	TransactionID string        `bson:"transaction_id,omitempty" json:"transaction_id,omitempty"`
	Reference     string        `bson:"reference,omitempty" json:"reference,omitempty"`
	Checksum      string        `bson:"checksum,omitempty" json:"-"`
	PaidAt        *time.Time    `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
}

type StatusLogEntry struct {
	Status    OrderStatus `bson:"status" json:"status"`
	Note      string      `bson:"note" json:"note"`
	Actor     string      `bson:"actor" json:"actor"`
	CreatedAt time.Time   `bson:"created_at" json:"created_at"`
}

type ShippingAddress struct {
	Name    string `bson:"name" json:"name"`
	Phone   string `bson:"phone" json:"phone"`
	Address string `bson:"address" json:"address"`
}

type Order struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID          primitive.ObjectID `bson:"user_id" json:"user_id"`
	Items           []OrderItem        `bson:"items" json:"items"`
	Subtotal        int64              `bson:"subtotal" json:"subtotal"`
	ShippingFee     int64              `bson:"shipping_fee" json:"shipping_fee"`
	Discount        *OrderDiscount     `bson:"discount,omitempty" json:"discount,omitempty"`
	Total           int64              `bson:"total" json:"total"`
	Status          OrderStatus        `bson:"status" json:"status"`
	Payment         Payment            `bson:"payment" json:"payment"`
	StatusLog       []StatusLogEntry   `bson:"status_log" json:"status_log"`
	StockReserved   bool               `bson:"stock_reserved" json:"stock_reserved"`
	PendingEffects  []Effect           `bson:"pending_effects" json:"-"`
	ShippingAddress ShippingAddress    `bson:"shipping_address" json:"shipping_address"`
	Note            string             `bson:"note,omitempty" json:"note,omitempty"`
	ExpiresAt       *time.Time         `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	DeliveredAt     *time.Time         `bson:"delivered_at,omitempty" json:"delivered_at,omitempty"`
	RefundedAt      *time.Time         `bson:"refunded_at,omitempty" json:"refunded_at,omitempty"`
	CreatedAt       time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updated_at"`
}

// DiscountCode returns the applied code or "" when none.
func (o *Order) DiscountCode() string {
	if o.Discount == nil {
		return ""
	}
	return o.Discount.Code
}

// CountStatus counts status_log entries with the given status.
func (o *Order) CountStatus(status OrderStatus) int {
	n := 0
	for _, entry := range o.StatusLog {
		if entry.Status == status {
			n++
		}
	}
	return n
}

func (o *Order) HasEffect(effect Effect) bool {
	for _, e := range o.PendingEffects {
		if e == effect {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append([]OrderItem(nil), o.Items...)
	cp.StatusLog = append([]StatusLogEntry(nil), o.StatusLog...)
	cp.PendingEffects = append([]Effect(nil), o.PendingEffects...)
	if o.Discount != nil {
		d := *o.Discount
		cp.Discount = &d
	}
	cp.ExpiresAt = cloneTime(o.ExpiresAt)
	cp.DeliveredAt = cloneTime(o.DeliveredAt)
	cp.RefundedAt = cloneTime(o.RefundedAt)
	cp.Payment.PaidAt = cloneTime(o.Payment.PaidAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
