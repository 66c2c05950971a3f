package wallet

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/paygate"
	"github.com/duchieu205/bookworld/pkg/repository"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// TopUp is a pending top-up and the link the customer pays it through.
type TopUp struct {
	Transaction *models.WalletTransaction `json:"transaction"`
	Payment     *paygate.PaymentLink      `json:"payment"`
}

// Service is the customer and admin facing side of the wallet: balances,
// history, top-ups through the payment gateway, withdrawals and locks.
type Service struct {
	ledger  *Ledger
	wallets repository.WalletRepository
	txs     repository.WalletTransactionRepository
	gateway *paygate.Client
	config  *config.Config
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(ledger *Ledger, wallets repository.WalletRepository, txs repository.WalletTransactionRepository, gateway *paygate.Client, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		ledger:  ledger,
		wallets: wallets,
		txs:     txs,
		gateway: gateway,
		config:  cfg,
		logger:  logger.Named("wallet-service"),
		now:     time.Now,
	}
}

func (s *Service) GetWallet(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error) {
	w, err := s.wallets.Ensure(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return w, nil
}

func (s *Service) ListTransactions(ctx context.Context, filter repository.TransactionFilter) ([]*models.WalletTransaction, error) {
	txs, err := s.txs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet transactions: %w", err)
	}
	return txs, nil
}

func (s *Service) loadTransaction(ctx context.Context, id primitive.ObjectID, txType models.TransactionType) (*models.WalletTransaction, error) {
	tx, err := s.txs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.Errorf(models.ErrCodeTransactionNotFound, "wallet transaction %s not found", id.Hex())
		}
		return nil, fmt.Errorf("failed to load wallet transaction: %w", err)
	}
	if tx.Type != txType {
		return nil, models.Errorf(models.ErrCodeTransactionNotFound, "wallet transaction %s is not a %s", id.Hex(), txType)
	}
	return tx, nil
}

// resolve moves a pending row to a terminal status. Losing the race to
// another resolver is AlreadySettled.
func (s *Service) resolve(ctx context.Context, id primitive.ObjectID, to models.TransactionStatus) (*models.WalletTransaction, error) {
	return s.resolveFrom(ctx, id, models.TransactionPending, to)
}

func (s *Service) resolveFrom(ctx context.Context, id primitive.ObjectID, from, to models.TransactionStatus) (*models.WalletTransaction, error) {
	tx, err := s.txs.Resolve(ctx, id, from, to, s.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, models.Errorf(models.ErrCodeAlreadySettled, "wallet transaction %s is already settled", id.Hex())
		case errors.Is(err, repository.ErrNotFound):
			return nil, models.Errorf(models.ErrCodeTransactionNotFound, "wallet transaction %s not found", id.Hex())
		}
		return nil, fmt.Errorf("failed to resolve wallet transaction: %w", err)
	}
	return tx, nil
}

// CreateTopUp records a pending top-up and returns the payment link for it.
// The balance only changes when the gateway confirms the payment.
func (s *Service) CreateTopUp(ctx context.Context, userID primitive.ObjectID, amount int64, ip string) (*TopUp, error) {
	if amount < s.config.Wallet.MinTopUp {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "top-up amount %d is below the minimum %d", amount, s.config.Wallet.MinTopUp)
	}
	w, err := s.wallets.Ensure(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	now := s.now()
	expires := now.Add(s.config.Wallet.TopUpTTL)
	tx := &models.WalletTransaction{
		WalletID:    w.ID,
		UserID:      userID,
		Type:        models.TransactionTopUp,
		Amount:      amount,
		Status:      models.TransactionPending,
		Description: "wallet top-up",
		ExpiresAt:   &expires,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create top-up: %w", err)
	}

	link, err := s.gateway.BuildPaymentURL(paygate.PaymentRequest{
		Reference: tx.ID.Hex(),
		Amount:    amount,
		OrderInfo: fmt.Sprintf("Nap tien vi %s", tx.ID.Hex()),
		IPAddr:    ip,
		ReturnURL: s.config.Payment.TopUpReturnURL,
	})
	if err != nil {
		if _, resolveErr := s.resolve(context.WithoutCancel(ctx), tx.ID, models.TransactionFailed); resolveErr != nil {
			s.logger.Warn("Failed to fail top-up without payment link", zap.String("transaction_id", tx.ID.Hex()), zap.Error(resolveErr))
		}
		return nil, fmt.Errorf("failed to build top-up payment link: %w", err)
	}
	return &TopUp{Transaction: tx, Payment: link}, nil
}

// HandleTopUpReturn settles a top-up from the gateway's return redirect. A
// replayed redirect for a settled row is AlreadySettled and changes nothing.
func (s *Service) HandleTopUpReturn(ctx context.Context, query url.Values) (*models.WalletTransaction, error) {
	res, err := s.gateway.ParseReturn(query)
	if err != nil {
		return nil, err
	}
	id, err := primitive.ObjectIDFromHex(res.Reference)
	if err != nil {
		return nil, models.Errorf(models.ErrCodeTransactionNotFound, "wallet transaction %s not found", res.Reference)
	}
	tx, err := s.loadTransaction(ctx, id, models.TransactionTopUp)
	if err != nil {
		return nil, err
	}
	late := lateTopUp(tx, res)
	if tx.Status != models.TransactionPending && !late {
		return tx, models.Errorf(models.ErrCodeAlreadySettled, "top-up %s is already %s", tx.ID.Hex(), tx.Status)
	}

	if !late && (!res.Succeeded() || !res.AmountMatches(tx.Amount)) {
		failed, err := s.resolve(ctx, tx.ID, models.TransactionFailed)
		if err != nil {
			return nil, err
		}
		if !res.Succeeded() {
			return failed, models.Errorf(models.ErrCodePaymentDeclined, "top-up %s was declined with code %s", tx.ID.Hex(), res.ResponseCode)
		}
		return failed, models.Errorf(models.ErrCodeAmountMismatch, "paid amount %d does not match top-up %d", res.RawAmount, tx.Amount*s.config.Payment.AmountScale)
	}
	if late {
		// The customer paid, so the money is theirs even though the row expired.
		s.logger.Warn("Top-up paid after it expired",
			zap.String("transaction_id", tx.ID.Hex()),
			zap.String("user_id", tx.UserID.Hex()),
			zap.Int64("amount", tx.Amount),
			zap.Bool("alert", true))
	}
	return s.creditTopUp(ctx, tx, res)
}

// lateTopUp reports a successful payment for a top-up the expiry sweep
// already failed.
func lateTopUp(tx *models.WalletTransaction, res *paygate.Result) bool {
	return tx.Status == models.TransactionFailed &&
		tx.ExpiresAt != nil &&
		tx.ProcessedAt != nil &&
		!tx.ProcessedAt.Before(*tx.ExpiresAt) &&
		res.Succeeded() &&
		res.AmountMatches(tx.Amount)
}

// creditTopUp marks the row successful and credits its amount. When the
// credit fails the row goes back to its previous status so a replayed return
// can settle it.
func (s *Service) creditTopUp(ctx context.Context, tx *models.WalletTransaction, res *paygate.Result) (*models.WalletTransaction, error) {
	done, err := s.resolveFrom(ctx, tx.ID, tx.Status, models.TransactionSuccess)
	if err != nil {
		return nil, err
	}
	// The row itself is the audit record, so the balance is credited directly.
	if _, err := s.wallets.Credit(context.WithoutCancel(ctx), tx.UserID, tx.Amount); err != nil {
		s.logger.Error("Top-up balance not credited, reopening it",
			zap.String("transaction_id", tx.ID.Hex()),
			zap.String("user_id", tx.UserID.Hex()),
			zap.Int64("amount", tx.Amount),
			zap.Error(err))
		if _, undoErr := s.txs.Resolve(context.WithoutCancel(ctx), tx.ID, models.TransactionSuccess, tx.Status, tx.UpdatedAt); undoErr != nil {
			s.logger.Error("Top-up marked successful but balance not credited",
				zap.String("transaction_id", tx.ID.Hex()),
				zap.Bool("alert", true),
				zap.Error(undoErr))
		}
		return nil, fmt.Errorf("failed to credit top-up: %w", err)
	}
	s.logger.Info("Top-up settled",
		zap.String("transaction_id", tx.ID.Hex()),
		zap.String("provider_transaction", res.TransactionNo),
		zap.Int64("amount", tx.Amount))
	return done, nil
}

// RequestWithdrawal takes the amount out of the wallet immediately and
// leaves a pending withdrawal for an admin to approve or reject.
func (s *Service) RequestWithdrawal(ctx context.Context, userID primitive.ObjectID, amount int64, destination string) (*models.WalletTransaction, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "withdrawal destination is required")
	}
	if amount < s.config.Wallet.MinWithdrawal {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "withdrawal amount %d is below the minimum %d", amount, s.config.Wallet.MinWithdrawal)
	}
	_, tx, err := s.ledger.Debit(ctx, userID, amount, Entry{
		Type:        models.TransactionWithdrawal,
		Status:      models.TransactionPending,
		Destination: destination,
		Description: "withdrawal request",
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Service) ApproveWithdrawal(ctx context.Context, id primitive.ObjectID) (*models.WalletTransaction, error) {
	if _, err := s.loadTransaction(ctx, id, models.TransactionWithdrawal); err != nil {
		return nil, err
	}
	return s.resolve(ctx, id, models.TransactionSuccess)
}

// RejectWithdrawal fails a pending withdrawal and returns its amount to the
// wallet with a refund row.
func (s *Service) RejectWithdrawal(ctx context.Context, id primitive.ObjectID, reason string) (*models.WalletTransaction, error) {
	if _, err := s.loadTransaction(ctx, id, models.TransactionWithdrawal); err != nil {
		return nil, err
	}
	tx, err := s.resolve(ctx, id, models.TransactionFailed)
	if err != nil {
		return nil, err
	}

	description := "withdrawal rejected"
	if reason = strings.TrimSpace(reason); reason != "" {
		description += ": " + reason
	}
	if _, _, err := s.ledger.Credit(context.WithoutCancel(ctx), tx.UserID, tx.Amount, Entry{
		Type:        models.TransactionRefund,
		Reference:   tx.ID.Hex(),
		Description: description,
	}); err != nil && !errors.Is(err, models.ErrLedgerAudit) {
		s.logger.Error("Rejected withdrawal not refunded",
			zap.String("transaction_id", tx.ID.Hex()),
			zap.Int64("amount", tx.Amount),
			zap.Bool("alert", true),
			zap.Error(err))
		return nil, err
	}
	return tx, nil
}

func (s *Service) Lock(ctx context.Context, userID primitive.ObjectID, reason string) (*models.Wallet, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.Errorf(models.ErrCodeInvalidRequest, "a reason is required to lock a wallet")
	}
	return s.setStatus(ctx, userID, models.WalletLocked, reason)
}

func (s *Service) Unlock(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error) {
	return s.setStatus(ctx, userID, models.WalletActive, "")
}

func (s *Service) setStatus(ctx context.Context, userID primitive.ObjectID, status models.WalletStatus, reason string) (*models.Wallet, error) {
	w, err := s.wallets.SetStatus(ctx, userID, status, reason, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.Errorf(models.ErrCodeWalletNotFound, "user %s has no wallet", userID.Hex())
		}
		return nil, fmt.Errorf("failed to update wallet status: %w", err)
	}
	s.logger.Info("Wallet status changed",
		zap.String("user_id", userID.Hex()),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return w, nil
}

// ExpiredTopUps lists pending top-ups whose payment window closed before now.
// Withdrawals wait for an admin and never expire.
func (s *Service) ExpiredTopUps(ctx context.Context, now time.Time, limit int64) ([]*models.WalletTransaction, error) {
	txs, err := s.txs.FindExpiredPending(ctx, models.TransactionTopUp, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired top-ups: %w", err)
	}
	return txs, nil
}

// ExpireTopUp fails one pending top-up. A top-up settled in the meantime is
// AlreadySettled.
func (s *Service) ExpireTopUp(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.resolve(ctx, id, models.TransactionFailed)
	return err
}
