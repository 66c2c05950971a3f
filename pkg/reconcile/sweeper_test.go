package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/discount"
	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/orderstate"
	"github.com/duchieu205/bookworld/pkg/paygate"
	"github.com/duchieu205/bookworld/pkg/repository"
	"github.com/duchieu205/bookworld/pkg/settlement"
	"github.com/duchieu205/bookworld/pkg/stock"
	"github.com/duchieu205/bookworld/pkg/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type fixture struct {
	sweeper   *Sweeper
	machine   *orderstate.Machine
	wallet    *wallet.Service
	ledger    *wallet.Ledger
	orders    *repository.MemoryOrders
	variants  *repository.MemoryVariants
	discounts *repository.MemoryDiscounts
	wallets   *repository.MemoryWallets
	txs       *repository.MemoryWalletTransactions
	locker    *repository.MemoryLocker
	cfg       *config.Config
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Payment.HashSecret = "SWEEPSECRET"
	cfg.Payment.TmnCode = "TMN"

	f := &fixture{
		orders:    repository.NewMemoryOrders(),
		variants:  repository.NewMemoryVariants(),
		discounts: repository.NewMemoryDiscounts(),
		wallets:   repository.NewMemoryWallets(),
		txs:       repository.NewMemoryWalletTransactions(),
		locker:    repository.NewMemoryLocker(),
		cfg:       cfg,
		now:       time.Now(),
	}
	logger := zap.NewNop()
	walletLedger := wallet.NewLedger(f.wallets, f.txs, logger)
	f.ledger = walletLedger
	f.machine = orderstate.NewMachine(
		f.orders,
		stock.NewLedger(f.variants, logger),
		discount.NewEngine(f.discounts, f.orders, logger),
		walletLedger,
		nil,
		orderstate.Policy{ReturnWindow: cfg.Scheduler.ReturnWindow},
		logger,
	)
	f.wallet = wallet.NewService(walletLedger, f.wallets, f.txs, paygate.NewClient(cfg.Payment), cfg, logger)
	f.sweeper = NewSweeper(f.orders, f.machine, f.wallet, f.locker, cfg, logger)
	f.sweeper.now = func() time.Time { return f.now }
	return f
}

type seedSpec struct {
	status    models.OrderStatus
	method    models.PaymentMethod
	payment   models.PaymentStatus
	code      string
	expires   *time.Time
	delivered *time.Time
	failures  int
	effects   []models.Effect
}

// seed stores an order for 2 of a fresh variant with 8 of 10 left in stock.
func (f *fixture) seed(t *testing.T, spec seedSpec) *models.Order {
	t.Helper()
	ctx := context.Background()
	v := &models.Variant{ProductID: primitive.NewObjectID(), Price: 100000, Quantity: 8, Status: models.VariantActive}
	require.NoError(t, f.variants.Create(ctx, v))

	o := &models.Order{
		UserID:         primitive.NewObjectID(),
		Items:          []models.OrderItem{{ProductID: v.ProductID, VariantID: v.ID, Quantity: 2, UnitPrice: 100000}},
		Subtotal:       200000,
		ShippingFee:    30000,
		Total:          230000,
		Status:         spec.status,
		Payment:        models.Payment{Method: spec.method, Status: spec.payment},
		StatusLog:      []models.StatusLogEntry{{Status: models.StatusPending, Note: "order created", CreatedAt: f.now}},
		StockReserved:  true,
		PendingEffects: spec.effects,
		ExpiresAt:      spec.expires,
		DeliveredAt:    spec.delivered,
		CreatedAt:      f.now,
		UpdatedAt:      f.now,
	}
	if spec.method == models.PaymentGateway {
		o.Payment.Reference = primitive.NewObjectID().Hex()
	}
	if spec.code != "" {
		o.Discount = &models.OrderDiscount{Code: spec.code, Amount: 20000}
		o.Total -= 20000
	}
	for i := 0; i < spec.failures; i++ {
		o.StatusLog = append(o.StatusLog, models.StatusLogEntry{Status: models.StatusDeliveryFailed, Note: "customer not home", CreatedAt: f.now})
	}
	require.NoError(t, f.orders.Create(ctx, o))
	return o
}

func (f *fixture) reload(t *testing.T, o *models.Order) *models.Order {
	t.Helper()
	fresh, err := f.orders.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	return fresh
}

func (f *fixture) quantity(t *testing.T, o *models.Order) int64 {
	t.Helper()
	v, err := f.variants.GetByID(context.Background(), o.Items[0].VariantID)
	require.NoError(t, err)
	return v.Quantity
}

func (f *fixture) balance(t *testing.T, user primitive.ObjectID) int64 {
	t.Helper()
	w, err := f.wallets.GetByUser(context.Background(), user)
	if errors.Is(err, repository.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return w.Balance
}

func ago(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func TestOrderExpiryCancelsUnpaidPrepaidOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expired := f.seed(t, seedSpec{status: models.StatusPending, method: models.PaymentGateway, payment: models.PaymentUnpaid, expires: ago(time.Minute)})
	open := f.seed(t, seedSpec{status: models.StatusPending, method: models.PaymentWallet, payment: models.PaymentUnpaid, expires: ago(-10 * time.Minute)})
	cod := f.seed(t, seedSpec{status: models.StatusPending, method: models.PaymentCOD, payment: models.PaymentUnpaid})

	report, err := f.sweeper.Run(ctx, SweepOrderExpiry)
	require.NoError(t, err)
	assert.Equal(t, Report{Sweep: SweepOrderExpiry, Scanned: 1, Processed: 1}, report)

	got := f.reload(t, expired)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.PaymentFailed, got.Payment.Status)
	assert.Equal(t, int64(10), f.quantity(t, expired))

	assert.Equal(t, models.StatusPending, f.reload(t, open).Status)
	assert.Equal(t, models.StatusPending, f.reload(t, cod).Status)

	report, err = f.sweeper.Run(ctx, SweepOrderExpiry)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

// A wallet checkout that debited and counted its code but never confirmed
// leaves a pending order for the expiry sweep.
func TestOrderExpiryRefundsCapturedWalletDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.discounts.Create(ctx, &models.Discount{Code: "SAVE20K", Type: models.DiscountFixed, Value: 20000, Status: models.DiscountActive}))
	o := f.seed(t, seedSpec{status: models.StatusPending, method: models.PaymentWallet, payment: models.PaymentUnpaid, code: "SAVE20K", expires: ago(time.Minute)})

	_, err := f.wallets.Credit(ctx, o.UserID, 500000)
	require.NoError(t, err)
	orderID := o.ID
	_, _, err = f.ledger.Debit(ctx, o.UserID, o.Total, wallet.Entry{Type: models.TransactionPayment, OrderID: &orderID})
	require.NoError(t, err)
	d, err := f.discounts.GetByCode(ctx, "SAVE20K")
	require.NoError(t, err)
	_, err = f.discounts.IncrementUsage(ctx, d.ID, o.ID)
	require.NoError(t, err)
	require.Equal(t, int64(290000), f.balance(t, o.UserID))

	report, err := f.sweeper.Run(ctx, SweepOrderExpiry)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	got := f.reload(t, o)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.PaymentRefunded, got.Payment.Status)
	assert.Empty(t, got.PendingEffects)
	assert.Equal(t, int64(500000), f.balance(t, o.UserID))
	assert.Equal(t, int64(10), f.quantity(t, o))

	d, err = f.discounts.GetByCode(ctx, "SAVE20K")
	require.NoError(t, err)
	assert.Zero(t, d.UsedCount)

	report, err = f.sweeper.Run(ctx, SweepOrderEffects)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, int64(500000), f.balance(t, o.UserID))
}

func TestOrderExpirySkipsOrdersBeingSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seed(t, seedSpec{status: models.StatusPending, method: models.PaymentGateway, payment: models.PaymentUnpaid, expires: ago(time.Minute)})

	release, err := f.locker.Acquire(ctx, settlement.LockKey(o.Payment.Reference), time.Minute)
	require.NoError(t, err)

	report, err := f.sweeper.Run(ctx, SweepOrderExpiry)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, models.StatusPending, f.reload(t, o).Status)

	release()
	report, err = f.sweeper.Run(ctx, SweepOrderExpiry)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
}

func TestDeliveryFailureSweepCancelsAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	givenUp := f.seed(t, seedSpec{status: models.StatusDeliveryFailed, method: models.PaymentWallet, payment: models.PaymentPaid, failures: 2})
	retrying := f.seed(t, seedSpec{status: models.StatusDeliveryFailed, method: models.PaymentCOD, payment: models.PaymentUnpaid, failures: 1})

	report, err := f.sweeper.Run(ctx, SweepDeliveryFailure)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Skipped)

	got := f.reload(t, givenUp)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.PaymentRefunded, got.Payment.Status)
	assert.Equal(t, int64(230000), f.balance(t, givenUp.UserID))
	assert.Equal(t, int64(10), f.quantity(t, givenUp))

	assert.Equal(t, models.StatusDeliveryFailed, f.reload(t, retrying).Status)
	assert.Equal(t, int64(8), f.quantity(t, retrying))
}

func TestCompletionSweepClosesOrdersPastReturnWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.seed(t, seedSpec{status: models.StatusDelivered, method: models.PaymentCOD, payment: models.PaymentPaid, delivered: ago(96 * time.Hour)})
	recent := f.seed(t, seedSpec{status: models.StatusDelivered, method: models.PaymentCOD, payment: models.PaymentPaid, delivered: ago(time.Hour)})

	report, err := f.sweeper.Run(ctx, SweepOrderCompletion)
	require.NoError(t, err)
	assert.Equal(t, Report{Sweep: SweepOrderCompletion, Scanned: 1, Processed: 1}, report)
	assert.Equal(t, models.StatusCompleted, f.reload(t, old).Status)
	assert.Equal(t, models.StatusDelivered, f.reload(t, recent).Status)
}

func TestEffectsSweepFinishesStrandedCompensation(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, seedSpec{
		status:  models.StatusCancelled,
		method:  models.PaymentCOD,
		payment: models.PaymentUnpaid,
		effects: []models.Effect{models.EffectReleaseStock},
	})

	report, err := f.sweeper.Run(context.Background(), SweepOrderEffects)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Empty(t, f.reload(t, o).PendingEffects)
	assert.Equal(t, int64(10), f.quantity(t, o))

	report, err = f.sweeper.Run(context.Background(), SweepOrderEffects)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, int64(10), f.quantity(t, o))
}

func TestTopUpExpirySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := primitive.NewObjectID()
	topUp, err := f.wallet.CreateTopUp(ctx, user, 100000, "10.0.0.9")
	require.NoError(t, err)

	report, err := f.sweeper.Run(ctx, SweepTopUpExpiry)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	f.now = time.Now().Add(f.cfg.Wallet.TopUpTTL + time.Minute)
	report, err = f.sweeper.Run(ctx, SweepTopUpExpiry)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	tx, err := f.txs.GetByID(ctx, topUp.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionFailed, tx.Status)
	assert.Equal(t, int64(0), f.balance(t, user))
}

func TestSweepStopsWhenContextEnds(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.seed(t, seedSpec{status: models.StatusPending, method: models.PaymentWallet, payment: models.PaymentUnpaid, expires: ago(time.Minute)})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.sweeper.Run(ctx, SweepOrderExpiry)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, report.Scanned)
	assert.Zero(t, report.Processed)
}

func TestUnknownSweep(t *testing.T) {
	f := newFixture(t)
	_, err := f.sweeper.Run(context.Background(), Sweep("nightly"))
	assert.Error(t, err)
}

func TestSchedulerRunOnce(t *testing.T) {
	f := newFixture(t)
	old := f.seed(t, seedSpec{status: models.StatusDelivered, method: models.PaymentCOD, payment: models.PaymentPaid, delivered: ago(96 * time.Hour)})

	cfg := f.cfg.Scheduler
	cfg.ExpiryInterval = time.Hour
	cfg.DeliveryFailureInterval = time.Hour
	cfg.CompletionInterval = time.Hour
	cfg.EffectsInterval = time.Hour
	cfg.TopUpExpiryInterval = time.Hour

	scheduler := NewScheduler(actor.NewActorSystem(), f.sweeper, cfg, zap.NewNop())
	_, err := scheduler.RunOnce(SweepOrderCompletion, time.Second)
	require.Error(t, err)

	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop()
	require.Error(t, scheduler.Start(context.Background()))

	// The start-up run may already have completed the order.
	report, err := scheduler.RunOnce(SweepOrderCompletion, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, SweepOrderCompletion, report.Sweep)
	assert.Equal(t, models.StatusCompleted, f.reload(t, old).Status)
}
