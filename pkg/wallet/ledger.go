package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/repository"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Entry describes the audit row written alongside a balance change.
type Entry struct {
	Type        models.TransactionType
	Status      models.TransactionStatus
	OrderID     *primitive.ObjectID
	Reference   string
	Destination string
	Description string
}

// Ledger changes wallet balances with conditional updates and records one
// immutable WalletTransaction per change.
//
// A failed audit insert after a successful balance update is reported as
// LEDGER_AUDIT_FAILURE. The balance change stands in that case, and callers
// must not compensate for it as if it had not happened.
type Ledger struct {
	wallets repository.WalletRepository
	txs     repository.WalletTransactionRepository
	logger  *zap.Logger
	now     func() time.Time
}

func NewLedger(wallets repository.WalletRepository, txs repository.WalletTransactionRepository, logger *zap.Logger) *Ledger {
	return &Ledger{
		wallets: wallets,
		txs:     txs,
		logger:  logger.Named("wallet"),
		now:     time.Now,
	}
}

// Debit removes amount from an active wallet with enough balance.
func (l *Ledger) Debit(ctx context.Context, userID primitive.ObjectID, amount int64, entry Entry) (*models.Wallet, *models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, nil, models.Errorf(models.ErrCodeInvalidRequest, "amount must be positive, got %d", amount)
	}

	w, err := l.wallets.Debit(ctx, userID, amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, nil, models.Errorf(models.ErrCodeWalletNotFound, "user %s has no wallet", userID.Hex())
		case errors.Is(err, repository.ErrConflict):
			return nil, nil, l.debitRefusal(ctx, userID, amount)
		default:
			return nil, nil, fmt.Errorf("failed to debit wallet: %w", err)
		}
	}

	tx, err := l.record(ctx, w, amount, entry)
	return w, tx, err
}

// debitRefusal explains a debit guard miss by re-reading the wallet.
func (l *Ledger) debitRefusal(ctx context.Context, userID primitive.ObjectID, amount int64) error {
	w, err := l.wallets.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Errorf(models.ErrCodeWalletNotFound, "user %s has no wallet", userID.Hex())
		}
		return fmt.Errorf("failed to load wallet: %w", err)
	}
	if w.Status == models.WalletLocked {
		if w.LockedReason != "" {
			return models.Errorf(models.ErrCodeWalletLocked, "wallet is locked: %s", w.LockedReason)
		}
		return models.ErrWalletLocked
	}
	return models.Errorf(models.ErrCodeInsufficientFunds, "balance %d is below %d", w.Balance, amount)
}

// Credit adds amount to the wallet, creating it if needed. Credits succeed on
// locked wallets so refunds are never blocked.
func (l *Ledger) Credit(ctx context.Context, userID primitive.ObjectID, amount int64, entry Entry) (*models.Wallet, *models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, nil, models.Errorf(models.ErrCodeInvalidRequest, "amount must be positive, got %d", amount)
	}

	w, err := l.wallets.Credit(ctx, userID, amount)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to credit wallet: %w", err)
	}

	tx, err := l.record(ctx, w, amount, entry)
	return w, tx, err
}

func (l *Ledger) record(ctx context.Context, w *models.Wallet, amount int64, entry Entry) (*models.WalletTransaction, error) {
	now := l.now()
	status := entry.Status
	if status == "" {
		status = models.TransactionSuccess
	}
	tx := &models.WalletTransaction{
		WalletID:    w.ID,
		UserID:      w.UserID,
		Type:        entry.Type,
		Amount:      amount,
		Status:      status,
		OrderID:     entry.OrderID,
		Reference:   entry.Reference,
		Destination: entry.Destination,
		Description: entry.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if status != models.TransactionPending {
		tx.ProcessedAt = &now
	}

	// The balance already moved; the row must be written even if the request
	// was cancelled meanwhile.
	if err := l.txs.Create(context.WithoutCancel(ctx), tx); err != nil {
		l.logger.Error("Wallet balance changed without audit row",
			zap.String("user_id", w.UserID.Hex()),
			zap.String("type", string(entry.Type)),
			zap.Int64("amount", amount),
			zap.Int64("balance", w.Balance),
			zap.Bool("alert", true),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", models.Errorf(models.ErrCodeLedgerAudit,
			"%s of %d applied to wallet %s but its audit row was not written", entry.Type, amount, w.ID.Hex()), err)
	}
	return tx, nil
}

// Captured sums the successful payment rows taken from a wallet for orderID.
func (l *Ledger) Captured(ctx context.Context, orderID primitive.ObjectID) (int64, error) {
	txs, err := l.txs.List(ctx, repository.TransactionFilter{
		OrderID: &orderID,
		Type:    models.TransactionPayment,
		Status:  models.TransactionSuccess,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list order payments: %w", err)
	}
	var total int64
	for _, tx := range txs {
		total += tx.Amount
	}
	return total, nil
}
