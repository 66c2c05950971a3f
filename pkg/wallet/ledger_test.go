package wallet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingTransactions struct {
	repository.WalletTransactionRepository
}

func (failingTransactions) Create(context.Context, *models.WalletTransaction) error {
	return errors.New("disk full")
}

func fundedWallet(t *testing.T, wallets *repository.MemoryWallets, balance int64) primitive.ObjectID {
	t.Helper()
	user := primitive.NewObjectID()
	_, err := wallets.Credit(context.Background(), user, balance)
	require.NoError(t, err)
	return user
}

func TestDebitWritesAuditRow(t *testing.T) {
	wallets := repository.NewMemoryWallets()
	txs := repository.NewMemoryWalletTransactions()
	ledger := NewLedger(wallets, txs, zap.NewNop())
	user := fundedWallet(t, wallets, 200000)
	orderID := primitive.NewObjectID()

	w, tx, err := ledger.Debit(context.Background(), user, 130000, Entry{Type: models.TransactionPayment, OrderID: &orderID})
	require.NoError(t, err)
	assert.Equal(t, int64(70000), w.Balance)
	assert.Equal(t, models.TransactionSuccess, tx.Status)
	assert.Equal(t, orderID, *tx.OrderID)
	require.NotNil(t, tx.ProcessedAt)

	rows, err := txs.List(context.Background(), repository.TransactionFilter{UserID: &user})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDebitRefusals(t *testing.T) {
	wallets := repository.NewMemoryWallets()
	ledger := NewLedger(wallets, repository.NewMemoryWalletTransactions(), zap.NewNop())
	ctx := context.Background()

	_, _, err := ledger.Debit(ctx, primitive.NewObjectID(), 1, Entry{Type: models.TransactionPayment})
	assert.ErrorIs(t, err, models.ErrWalletNotFound)

	user := fundedWallet(t, wallets, 1000)
	_, _, err = ledger.Debit(ctx, user, 5000, Entry{Type: models.TransactionPayment})
	require.ErrorIs(t, err, models.ErrInsufficientFunds)
	assert.Equal(t, "balance 1000 is below 5000", err.Error())

	_, err = wallets.SetStatus(ctx, user, models.WalletLocked, "fraud review", time.Now())
	require.NoError(t, err)
	_, _, err = ledger.Debit(ctx, user, 10, Entry{Type: models.TransactionPayment})
	require.ErrorIs(t, err, models.ErrWalletLocked)
	assert.Contains(t, err.Error(), "fraud review")

	_, _, err = ledger.Debit(ctx, user, 0, Entry{Type: models.TransactionPayment})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestCreditSucceedsOnLockedWallet(t *testing.T) {
	wallets := repository.NewMemoryWallets()
	ledger := NewLedger(wallets, repository.NewMemoryWalletTransactions(), zap.NewNop())
	user := fundedWallet(t, wallets, 0)
	_, err := wallets.SetStatus(context.Background(), user, models.WalletLocked, "review", time.Now())
	require.NoError(t, err)

	w, tx, err := ledger.Credit(context.Background(), user, 5000, Entry{Type: models.TransactionRefund})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), w.Balance)
	assert.Equal(t, models.TransactionRefund, tx.Type)
}

func TestAuditFailureIsReportedNotHidden(t *testing.T) {
	wallets := repository.NewMemoryWallets()
	core, logs := observer.New(zap.ErrorLevel)
	ledger := NewLedger(wallets, failingTransactions{}, zap.New(core))
	user := fundedWallet(t, wallets, 10000)

	w, tx, err := ledger.Debit(context.Background(), user, 4000, Entry{Type: models.TransactionPayment})
	require.ErrorIs(t, err, models.ErrLedgerAudit)
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, tx)
	require.NotNil(t, w, "the balance change is still returned")
	assert.Equal(t, int64(6000), w.Balance)

	current, err := wallets.GetByUser(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), current.Balance)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, true, logs.All()[0].ContextMap()["alert"])
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	wallets := repository.NewMemoryWallets()
	ledger := NewLedger(wallets, repository.NewMemoryWalletTransactions(), zap.NewNop())
	user := fundedWallet(t, wallets, 100000)

	var (
		wg  sync.WaitGroup
		won atomic.Int64
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := ledger.Debit(context.Background(), user, 30000, Entry{Type: models.TransactionPayment}); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), won.Load())
	w, err := wallets.GetByUser(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), w.Balance)
}
