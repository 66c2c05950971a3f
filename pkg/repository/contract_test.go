package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// The contract tests run against every implementation so the in-memory store
// stays a faithful stand-in for Mongo.

func testVariantContract(t *testing.T, repo VariantRepository) {
	ctx := context.Background()
	v := &models.Variant{ProductID: primitive.NewObjectID(), Price: 120000, Quantity: 5, Status: models.VariantActive}
	require.NoError(t, repo.Create(ctx, v))

	got, err := repo.DecrementQuantity(ctx, v.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Quantity)

	_, err = repo.DecrementQuantity(ctx, v.ID, 3)
	assert.ErrorIs(t, err, ErrConflict)

	got, err = repo.IncrementQuantity(ctx, v.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Quantity)

	_, err = repo.DecrementQuantity(ctx, primitive.NewObjectID(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.IncrementQuantity(ctx, primitive.NewObjectID(), 1)
	assert.ErrorIs(t, err, ErrNotFound)

	// concurrent decrements never oversell
	var wg sync.WaitGroup
	var won atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.DecrementQuantity(ctx, v.ID, 1); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), won.Load())

	final, err := repo.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), final.Quantity)
}

func testDiscountContract(t *testing.T, repo DiscountRepository) {
	ctx := context.Background()
	limit := int64(2)
	limited := &models.Discount{Code: "LIMITED", Type: models.DiscountFixed, Value: 10000, TotalUsageLimit: &limit, Status: models.DiscountActive}
	unlimited := &models.Discount{Code: "FOREVER", Type: models.DiscountPercent, Value: 5, Status: models.DiscountActive}
	require.NoError(t, repo.Create(ctx, limited))
	require.NoError(t, repo.Create(ctx, unlimited))

	got, err := repo.GetByCode(ctx, "LIMITED")
	require.NoError(t, err)
	assert.Equal(t, limited.ID, got.ID)

	_, err = repo.GetByCode(ctx, "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)

	// racing increments stop exactly at the limit
	var (
		wg     sync.WaitGroup
		won    atomic.Int64
		orders = make([]primitive.ObjectID, 10)
	)
	for i := range orders {
		orders[i] = primitive.NewObjectID()
		wg.Add(1)
		go func(order primitive.ObjectID) {
			defer wg.Done()
			if _, err := repo.IncrementUsage(ctx, limited.ID, order); err == nil {
				won.Add(1)
			}
		}(orders[i])
	}
	wg.Wait()
	assert.Equal(t, limit, won.Load())

	_, err = repo.IncrementUsage(ctx, limited.ID, primitive.NewObjectID())
	assert.ErrorIs(t, err, ErrConflict)

	got, err = repo.GetByCode(ctx, "LIMITED")
	require.NoError(t, err)
	require.Len(t, got.RedeemedOrders, int(limit))
	holder := got.RedeemedOrders[0]

	// a repeat for an order that already redeemed is not counted again
	again, err := repo.IncrementUsage(ctx, limited.ID, holder)
	require.NoError(t, err)
	assert.Equal(t, limit, again.UsedCount)

	for i := 0; i < 3; i++ {
		_, err = repo.IncrementUsage(ctx, unlimited.ID, primitive.NewObjectID())
		require.NoError(t, err)
	}

	_, err = repo.DecrementUsage(ctx, limited.ID, primitive.NewObjectID())
	assert.ErrorIs(t, err, ErrConflict, "only a redeeming order can release")

	for _, order := range got.RedeemedOrders {
		_, err = repo.DecrementUsage(ctx, limited.ID, order)
		require.NoError(t, err)
	}
	_, err = repo.DecrementUsage(ctx, limited.ID, holder)
	assert.ErrorIs(t, err, ErrConflict, "used_count is floored at zero")
}

func testWalletContract(t *testing.T, wallets WalletRepository, txs WalletTransactionRepository) {
	ctx := context.Background()
	user := primitive.NewObjectID()

	_, err := wallets.Debit(ctx, user, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	w, err := wallets.Ensure(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)
	assert.Equal(t, models.WalletActive, w.Status)

	w, err = wallets.Credit(ctx, user, 100000)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), w.Balance)

	_, err = wallets.Debit(ctx, user, 100001)
	assert.ErrorIs(t, err, ErrConflict)

	w, err = wallets.Debit(ctx, user, 40000)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), w.Balance)

	at := time.Now().UTC().Truncate(time.Millisecond)
	w, err = wallets.SetStatus(ctx, user, models.WalletLocked, "chargeback", at)
	require.NoError(t, err)
	assert.Equal(t, models.WalletLocked, w.Status)
	assert.Equal(t, "chargeback", w.LockedReason)

	_, err = wallets.Debit(ctx, user, 1)
	assert.ErrorIs(t, err, ErrConflict, "locked wallets reject debits")

	w, err = wallets.Credit(ctx, user, 5000)
	require.NoError(t, err, "locked wallets still accept credits")
	assert.Equal(t, int64(65000), w.Balance)

	w, err = wallets.SetStatus(ctx, user, models.WalletActive, "", at)
	require.NoError(t, err)
	assert.Empty(t, w.LockedReason)

	// credit creates the wallet on first use
	fresh := primitive.NewObjectID()
	w, err = wallets.Credit(ctx, fresh, 7000)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), w.Balance)

	expired := at.Add(-time.Minute)
	pending := &models.WalletTransaction{
		WalletID: w.ID, UserID: fresh, Type: models.TransactionTopUp, Amount: 50000,
		Status: models.TransactionPending, ExpiresAt: &expired, CreatedAt: at, UpdatedAt: at,
	}
	require.NoError(t, txs.Create(ctx, pending))

	found, err := txs.FindExpiredPending(ctx, models.TransactionTopUp, at, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, pending.ID, found[0].ID)

	resolved, err := txs.Resolve(ctx, pending.ID, models.TransactionPending, models.TransactionFailed, at)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionFailed, resolved.Status)

	_, err = txs.Resolve(ctx, pending.ID, models.TransactionPending, models.TransactionSuccess, at)
	assert.ErrorIs(t, err, ErrConflict, "terminal rows are never resolved twice")

	listed, err := txs.List(ctx, TransactionFilter{UserID: &fresh})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func newPendingOrder(user primitive.ObjectID, method models.PaymentMethod, at time.Time) *models.Order {
	expires := at.Add(15 * time.Minute)
	return &models.Order{
		UserID:      user,
		Items:       []models.OrderItem{{ProductID: primitive.NewObjectID(), VariantID: primitive.NewObjectID(), Quantity: 1, UnitPrice: 100000}},
		Subtotal:    100000,
		ShippingFee: 30000,
		Discount:    &models.OrderDiscount{Code: "SAVE10", Amount: 10000},
		Total:       120000,
		Status:      models.StatusPending,
		Payment:     models.Payment{Method: method, Status: models.PaymentUnpaid},
		StatusLog:   []models.StatusLogEntry{{Status: models.StatusPending, Note: "order created", Actor: user.Hex(), CreatedAt: at}},
		ExpiresAt:   &expires,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func testOrderContract(t *testing.T, repo OrderRepository) {
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Millisecond)
	user := primitive.NewObjectID()

	order := newPendingOrder(user, models.PaymentGateway, at)
	require.NoError(t, repo.Create(ctx, order))
	require.NoError(t, repo.SetPaymentReference(ctx, order.ID, order.ID.Hex(), "abc"))
	require.NoError(t, repo.MarkStockReserved(ctx, order.ID))

	byRef, err := repo.GetByReference(ctx, order.ID.Hex())
	require.NoError(t, err)
	assert.True(t, byRef.StockReserved)

	n, err := repo.CountDiscountUses(ctx, user, "SAVE10")
	require.NoError(t, err)
	assert.Zero(t, n, "pending orders do not count as discount uses")

	committed := true
	paidAt := at.Add(time.Minute)
	confirmed, err := repo.ApplyTransition(ctx, order.ID, OrderTransition{
		From:              models.StatusPending,
		To:                models.StatusConfirmed,
		ExpectPayment:     models.PaymentUnpaid,
		Payment:           &PaymentUpdate{Status: models.PaymentPaid, TransactionID: "VNP123", PaidAt: &paidAt},
		DiscountCommitted: &committed,
		Log:               models.StatusLogEntry{Status: models.StatusConfirmed, Note: "paid", Actor: models.SystemActor, CreatedAt: paidAt},
		At:                paidAt,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)
	assert.Equal(t, models.PaymentPaid, confirmed.Payment.Status)
	assert.True(t, confirmed.Discount.Committed)
	assert.Len(t, confirmed.StatusLog, 2)

	// a second writer that read the old state loses
	_, err = repo.ApplyTransition(ctx, order.ID, OrderTransition{
		From: models.StatusPending, To: models.StatusCancelled, ExpectPayment: models.PaymentUnpaid,
		Log: models.StatusLogEntry{Status: models.StatusCancelled}, At: paidAt,
	})
	assert.ErrorIs(t, err, ErrConflict)

	n, err = repo.CountDiscountUses(ctx, user, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cancelled, err := repo.ApplyTransition(ctx, order.ID, OrderTransition{
		From: models.StatusConfirmed, To: models.StatusCancelled, ExpectPayment: models.PaymentPaid,
		Effects: []models.Effect{models.EffectRefundPayment, models.EffectReleaseStock},
		Log:     models.StatusLogEntry{Status: models.StatusCancelled, Actor: user.Hex(), CreatedAt: paidAt},
		At:      paidAt,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Effect{models.EffectRefundPayment, models.EffectReleaseStock}, cancelled.PendingEffects)

	pending, err := repo.FindWithPendingEffects(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	claimed, err := repo.ClaimEffect(ctx, order.ID, models.EffectRefundPayment)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = repo.ClaimEffect(ctx, order.ID, models.EffectRefundPayment)
	require.NoError(t, err)
	assert.False(t, claimed, "an effect is claimed at most once")

	require.NoError(t, repo.RestoreEffect(ctx, order.ID, models.EffectRefundPayment))
	claimed, err = repo.ClaimEffect(ctx, order.ID, models.EffectRefundPayment)
	require.NoError(t, err)
	assert.True(t, claimed)

	refunded, err := repo.SetPaymentStatus(ctx, order.ID, models.PaymentPaid, models.PaymentRefunded, paidAt)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, refunded.Payment.Status)
	require.NotNil(t, refunded.RefundedAt)

	_, err = repo.SetPaymentStatus(ctx, order.ID, models.PaymentPaid, models.PaymentRefunded, paidAt)
	assert.ErrorIs(t, err, ErrConflict)

	// sweep queries
	stale := newPendingOrder(user, models.PaymentWallet, at.Add(-time.Hour))
	cod := newPendingOrder(user, models.PaymentCOD, at.Add(-time.Hour))
	require.NoError(t, repo.Create(ctx, stale))
	require.NoError(t, repo.Create(ctx, cod))

	expired, err := repo.FindExpiredUnpaid(ctx, at, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)

	deliveredAt := at.Add(-96 * time.Hour)
	delivered := newPendingOrder(user, models.PaymentCOD, at)
	delivered.Status = models.StatusShipping
	require.NoError(t, repo.Create(ctx, delivered))
	_, err = repo.ApplyTransition(ctx, delivered.ID, OrderTransition{
		From: models.StatusShipping, To: models.StatusDelivered, DeliveredAt: &deliveredAt,
		Log: models.StatusLogEntry{Status: models.StatusDelivered}, At: at,
	})
	require.NoError(t, err)

	due, err := repo.FindDeliveredBefore(ctx, at.Add(-72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, delivered.ID, due[0].ID)

	byStatus, err := repo.FindByStatus(ctx, models.StatusDelivered, 10)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)

	mine, err := repo.List(ctx, OrderFilter{UserID: &user, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = repo.GetByID(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, ErrNotFound)
}
