package models

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type VariantStatus string

const (
	VariantActive   VariantStatus = "active"
	VariantInactive VariantStatus = "inactive"
)

// Variant is a stock-bearing edition of a book (hardcover, paperback).
type Variant struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ProductID primitive.ObjectID `bson:"product_id" json:"product_id"`
	Type      string             `bson:"type" json:"type"`
	SKU       string             `bson:"sku" json:"sku"`
	Price     int64              `bson:"price" json:"price"`
	Quantity  int64              `bson:"quantity" json:"quantity"`
	Status    VariantStatus      `bson:"status" json:"status"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

type DiscountStatus string

const (
	DiscountActive   DiscountStatus = "active"
	DiscountDisabled DiscountStatus = "inactive"
)

type Discount struct {
	ID                 primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Code               string               `bson:"code" json:"code"`
	Type               DiscountType         `bson:"type" json:"type"`
	Value              int64                `bson:"value" json:"value"`
	MinOrderValue      int64                `bson:"min_order_value" json:"min_order_value"`
	StartsAt           time.Time            `bson:"starts_at" json:"starts_at"`
	EndsAt             *time.Time           `bson:"ends_at,omitempty" json:"ends_at,omitempty"`
	TotalUsageLimit    *int64               `bson:"total_usage_limit,omitempty" json:"total_usage_limit,omitempty"`
	UsedCount          int64                `bson:"used_count" json:"used_count"`
	PerUserLimit       int64                `bson:"per_user_limit" json:"per_user_limit"`
	ApplicableProducts []primitive.ObjectID `bson:"applicable_products,omitempty" json:"applicable_products,omitempty"`
	RedeemedOrders     []primitive.ObjectID `bson:"redeemed_orders,omitempty" json:"-"`
	Status             DiscountStatus       `bson:"status" json:"status"`
	CreatedAt          time.Time            `bson:"created_at" json:"created_at"`
	UpdatedAt          time.Time            `bson:"updated_at" json:"updated_at"`
}

// Scoped reports whether the discount only applies to some products.
func (d *Discount) Scoped() bool {
	return len(d.ApplicableProducts) > 0
}

func (d *Discount) Covers(productID primitive.ObjectID) bool {
	if !d.Scoped() {
		return true
	}
	for _, id := range d.ApplicableProducts {
		if id == productID {
			return true
		}
	}
	return false
}

// RedeemedBy reports whether orderID already holds a counted redemption.
func (d *Discount) RedeemedBy(orderID primitive.ObjectID) bool {
	for _, id := range d.RedeemedOrders {
		if id == orderID {
			return true
		}
	}
	return false
}

// NormalizeCode trims, upper-cases and strips a leading "$" from a code.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.TrimPrefix(code, "$")
}
