package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type WalletStatus string

const (
	WalletActive WalletStatus = "active"
	WalletLocked WalletStatus = "locked"
)

type Wallet struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID       primitive.ObjectID `bson:"user_id" json:"user_id"`
	Balance      int64              `bson:"balance" json:"balance"`
	Status       WalletStatus       `bson:"status" json:"status"`
	LockedReason string             `bson:"locked_reason,omitempty" json:"locked_reason,omitempty"`
	LockedAt     *time.Time         `bson:"locked_at,omitempty" json:"locked_at,omitempty"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}

type TransactionType string

const (
	TransactionTopUp      TransactionType = "topup"
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionRefund     TransactionType = "refund"
	TransactionPayment    TransactionType = "payment"
)

type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// WalletTransaction is the immutable audit row paired with every balance change.
type WalletTransaction struct {
	ID          primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	WalletID    primitive.ObjectID  `bson:"wallet_id" json:"wallet_id"`
	UserID      primitive.ObjectID  `bson:"user_id" json:"user_id"`
	Type        TransactionType     `bson:"type" json:"type"`
	Amount      int64               `bson:"amount" json:"amount"`
	Status      TransactionStatus   `bson:"status" json:"status"`
	OrderID     *primitive.ObjectID `bson:"order_id,omitempty" json:"order_id,omitempty"`
	Reference   string              `bson:"reference,omitempty" json:"reference,omitempty"`
	Destination string              `bson:"destination,omitempty" json:"destination,omitempty"`
	Description string              `bson:"description,omitempty" json:"description,omitempty"`
	ExpiresAt   *time.Time          `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	ProcessedAt *time.Time          `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
	CreatedAt   time.Time           `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time           `bson:"updated_at" json:"updated_at"`
}
