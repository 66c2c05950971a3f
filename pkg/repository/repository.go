package repository

import (
	"context"
	"errors"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrNotFound means the document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict means the document exists but a conditional update guard did not hold.
	ErrConflict = errors.New("conditional update guard not satisfied")
	// ErrLockHeld means another holder owns the lock.
	ErrLockHeld = errors.New("lock is held")
)

// VariantRepository stores stock counters. Quantity only changes through the
// guarded increment/decrement methods.
type VariantRepository interface {
	Create(ctx context.Context, v *models.Variant) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Variant, error)
	// DecrementQuantity applies -qty only when quantity >= qty.
	DecrementQuantity(ctx context.Context, id primitive.ObjectID, qty int64) (*models.Variant, error)
	IncrementQuantity(ctx context.Context, id primitive.ObjectID, qty int64) (*models.Variant, error)
}

type DiscountRepository interface {
	Create(ctx context.Context, d *models.Discount) error
	GetByCode(ctx context.Context, code string) (*models.Discount, error)
	// IncrementUsage records orderID's redemption and applies +1 only while
	// used_count < total_usage_limit (or no limit). Repeating it for an order
	// that already redeemed the code changes nothing and succeeds.
	IncrementUsage(ctx context.Context, id, orderID primitive.ObjectID) (*models.Discount, error)
	// DecrementUsage applies -1 only while orderID holds a redemption and
	// used_count > 0.
	DecrementUsage(ctx context.Context, id, orderID primitive.ObjectID) (*models.Discount, error)
}

type WalletRepository interface {
	GetByUser(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error)
	// Ensure returns the user's wallet, creating an empty active one if needed.
	Ensure(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error)
	// Debit applies -amount only on an active wallet with balance >= amount.
	Debit(ctx context.Context, userID primitive.ObjectID, amount int64) (*models.Wallet, error)
	// Credit applies +amount unconditionally, creating the wallet if needed.
	Credit(ctx context.Context, userID primitive.ObjectID, amount int64) (*models.Wallet, error)
	SetStatus(ctx context.Context, userID primitive.ObjectID, status models.WalletStatus, reason string, at time.Time) (*models.Wallet, error)
}

type TransactionFilter struct {
	UserID  *primitive.ObjectID
	OrderID *primitive.ObjectID
	Type    models.TransactionType
	Status  models.TransactionStatus
	Limit   int64
	Skip    int64
}

type WalletTransactionRepository interface {
	Create(ctx context.Context, tx *models.WalletTransaction) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.WalletTransaction, error)
	// Resolve moves a transaction from one status to another exactly once.
	Resolve(ctx context.Context, id primitive.ObjectID, from, to models.TransactionStatus, at time.Time) (*models.WalletTransaction, error)
	List(ctx context.Context, filter TransactionFilter) ([]*models.WalletTransaction, error)
	FindExpiredPending(ctx context.Context, txType models.TransactionType, now time.Time, limit int64) ([]*models.WalletTransaction, error)
}

// PaymentUpdate is applied to the order's payment sub-document.
type PaymentUpdate struct {
	Status        models.PaymentStatus
	TransactionID string
	PaidAt        *time.Time
}

// OrderTransition is one guarded status change. The update only applies while
// the order is still in From and its payment status is still ExpectPayment.
type OrderTransition struct {
	From          models.OrderStatus
	To            models.OrderStatus
	ExpectPayment models.PaymentStatus

	// ExpectStockReserved and ExpectDiscountCommitted pin the flags the
	// caller derived effects from.
	ExpectStockReserved     *bool
	ExpectDiscountCommitted *bool

	Payment           *PaymentUpdate
	DiscountCommitted *bool
	DeliveredAt       *time.Time
	Effects           []models.Effect
	Log               models.StatusLogEntry
	At                time.Time
}

type OrderFilter struct {
	UserID *primitive.ObjectID
	Status models.OrderStatus
	Limit  int64
	Skip   int64
}

type OrderRepository interface {
	Create(ctx context.Context, o *models.Order) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Order, error)
	GetByReference(ctx context.Context, reference string) (*models.Order, error)
	List(ctx context.Context, filter OrderFilter) ([]*models.Order, error)

	ApplyTransition(ctx context.Context, id primitive.ObjectID, t OrderTransition) (*models.Order, error)
	MarkStockReserved(ctx context.Context, id primitive.ObjectID) error
	SetPaymentReference(ctx context.Context, id primitive.ObjectID, reference, checksum string) error
	SetDiscountCommitted(ctx context.Context, id primitive.ObjectID, committed bool) error
	// SetPaymentStatus moves payment.status from one value to another; entering
	// refunded also stamps refunded_at.
	SetPaymentStatus(ctx context.Context, id primitive.ObjectID, from, to models.PaymentStatus, at time.Time) (*models.Order, error)

	// ClaimEffect removes effect from pending_effects and reports whether this
	// caller removed it.
	ClaimEffect(ctx context.Context, id primitive.ObjectID, effect models.Effect) (bool, error)
	RestoreEffect(ctx context.Context, id primitive.ObjectID, effect models.Effect) error

	// CountDiscountUses counts the user's successful orders carrying code.
	CountDiscountUses(ctx context.Context, userID primitive.ObjectID, code string) (int64, error)
	FindExpiredUnpaid(ctx context.Context, now time.Time, limit int64) ([]*models.Order, error)
	FindByStatus(ctx context.Context, status models.OrderStatus, limit int64) ([]*models.Order, error)
	FindDeliveredBefore(ctx context.Context, cutoff time.Time, limit int64) ([]*models.Order, error)
	FindWithPendingEffects(ctx context.Context, limit int64) ([]*models.Order, error)
}

// CartRepository is the slice of the cart store used at gateway checkout.
type CartRepository interface {
	RemoveItems(ctx context.Context, userID primitive.ObjectID, variantIDs []primitive.ObjectID) error
}
