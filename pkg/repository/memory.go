package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// In-memory repositories honour the same conditional-update contract as the
// Mongo ones: every guarded method checks and mutates under one lock, which is
// the in-process equivalent of a single-document FindOneAndUpdate.

// Ensure interfaces
var (
	_ VariantRepository           = (*MemoryVariants)(nil)
	_ DiscountRepository          = (*MemoryDiscounts)(nil)
	_ WalletRepository            = (*MemoryWallets)(nil)
	_ WalletTransactionRepository = (*MemoryWalletTransactions)(nil)
	_ OrderRepository             = (*MemoryOrders)(nil)
	_ CartRepository              = (*MemoryCarts)(nil)
)

func newID(id primitive.ObjectID) primitive.ObjectID {
	if id.IsZero() {
		return primitive.NewObjectID()
	}
	return id
}

func page[T any](items []T, skip, limit int64) []T {
	if skip > 0 {
		if skip >= int64(len(items)) {
			return []T{}
		}
		items = items[skip:]
	}
	if limit > 0 && int64(len(items)) > limit {
		items = items[:limit]
	}
	return items
}

// MemoryVariants

type MemoryVariants struct {
	mu   sync.Mutex
	byID map[primitive.ObjectID]models.Variant
}

func NewMemoryVariants() *MemoryVariants {
	return &MemoryVariants{byID: make(map[primitive.ObjectID]models.Variant)}
}

func (m *MemoryVariants) Create(ctx context.Context, v *models.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = newID(v.ID)
	m.byID[v.ID] = *v
	return nil
}

func (m *MemoryVariants) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *MemoryVariants) DecrementQuantity(ctx context.Context, id primitive.ObjectID, qty int64) (*models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if v.Quantity < qty {
		return nil, ErrConflict
	}
	v.Quantity -= qty
	v.UpdatedAt = time.Now()
	m.byID[id] = v
	return &v, nil
}

func (m *MemoryVariants) IncrementQuantity(ctx context.Context, id primitive.ObjectID, qty int64) (*models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	v.Quantity += qty
	v.UpdatedAt = time.Now()
	m.byID[id] = v
	return &v, nil
}

// MemoryDiscounts

type MemoryDiscounts struct {
	mu     sync.Mutex
	byID   map[primitive.ObjectID]models.Discount
	byCode map[string]primitive.ObjectID
}

func NewMemoryDiscounts() *MemoryDiscounts {
	return &MemoryDiscounts{
		byID:   make(map[primitive.ObjectID]models.Discount),
		byCode: make(map[string]primitive.ObjectID),
	}
}

func (m *MemoryDiscounts) Create(ctx context.Context, d *models.Discount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byCode[d.Code]; exists {
		return fmt.Errorf("discount code %s already exists", d.Code)
	}
	d.ID = newID(d.ID)
	m.byID[d.ID] = cloneDiscount(d)
	m.byCode[d.Code] = d.ID
	return nil
}

func (m *MemoryDiscounts) GetByCode(ctx context.Context, code string) (*models.Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	d := cloneDiscount(ptr(m.byID[id]))
	return &d, nil
}

func (m *MemoryDiscounts) IncrementUsage(ctx context.Context, id, orderID primitive.ObjectID) (*models.Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.RedeemedBy(orderID) {
		out := cloneDiscount(&d)
		return &out, nil
	}
	if d.TotalUsageLimit != nil && d.UsedCount >= *d.TotalUsageLimit {
		return nil, ErrConflict
	}
	d.UsedCount++
	d.RedeemedOrders = append(append([]primitive.ObjectID(nil), d.RedeemedOrders...), orderID)
	d.UpdatedAt = time.Now()
	m.byID[id] = d
	out := cloneDiscount(&d)
	return &out, nil
}

func (m *MemoryDiscounts) DecrementUsage(ctx context.Context, id, orderID primitive.ObjectID) (*models.Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.UsedCount <= 0 || !d.RedeemedBy(orderID) {
		return nil, ErrConflict
	}
	redeemed := make([]primitive.ObjectID, 0, len(d.RedeemedOrders))
	for _, o := range d.RedeemedOrders {
		if o != orderID {
			redeemed = append(redeemed, o)
		}
	}
	d.RedeemedOrders = redeemed
	d.UsedCount--
	d.UpdatedAt = time.Now()
	m.byID[id] = d
	out := cloneDiscount(&d)
	return &out, nil
}

func cloneDiscount(d *models.Discount) models.Discount {
	cp := *d
	cp.ApplicableProducts = append([]primitive.ObjectID(nil), d.ApplicableProducts...)
	cp.RedeemedOrders = append([]primitive.ObjectID(nil), d.RedeemedOrders...)
	if d.TotalUsageLimit != nil {
		limit := *d.TotalUsageLimit
		cp.TotalUsageLimit = &limit
	}
	if d.EndsAt != nil {
		end := *d.EndsAt
		cp.EndsAt = &end
	}
	return cp
}

func ptr[T any](v T) *T { return &v }

// MemoryWallets

type MemoryWallets struct {
	mu     sync.Mutex
	byUser map[primitive.ObjectID]models.Wallet
}

func NewMemoryWallets() *MemoryWallets {
	return &MemoryWallets{byUser: make(map[primitive.ObjectID]models.Wallet)}
}

func (m *MemoryWallets) GetByUser(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *MemoryWallets) ensureLocked(userID primitive.ObjectID) models.Wallet {
	w, ok := m.byUser[userID]
	if !ok {
		now := time.Now()
		w = models.Wallet{
			ID:        primitive.NewObjectID(),
			UserID:    userID,
			Status:    models.WalletActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.byUser[userID] = w
	}
	return w
}

func (m *MemoryWallets) Ensure(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.ensureLocked(userID)
	return &w, nil
}

func (m *MemoryWallets) Debit(ctx context.Context, userID primitive.ObjectID, amount int64) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if w.Status != models.WalletActive || w.Balance < amount {
		return nil, ErrConflict
	}
	w.Balance -= amount
	w.UpdatedAt = time.Now()
	m.byUser[userID] = w
	return &w, nil
}

func (m *MemoryWallets) Credit(ctx context.Context, userID primitive.ObjectID, amount int64) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.ensureLocked(userID)
	w.Balance += amount
	w.UpdatedAt = time.Now()
	m.byUser[userID] = w
	return &w, nil
}

func (m *MemoryWallets) SetStatus(ctx context.Context, userID primitive.ObjectID, status models.WalletStatus, reason string, at time.Time) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = at
	if status == models.WalletLocked {
		w.LockedReason = reason
		w.LockedAt = &at
	} else {
		w.LockedReason = ""
		w.LockedAt = nil
	}
	m.byUser[userID] = w
	return &w, nil
}

// MemoryWalletTransactions

type MemoryWalletTransactions struct {
	mu   sync.Mutex
	byID map[primitive.ObjectID]models.WalletTransaction
}

func NewMemoryWalletTransactions() *MemoryWalletTransactions {
	return &MemoryWalletTransactions{byID: make(map[primitive.ObjectID]models.WalletTransaction)}
}

func (m *MemoryWalletTransactions) Create(ctx context.Context, tx *models.WalletTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.ID = newID(tx.ID)
	m.byID[tx.ID] = *tx
	return nil
}

func (m *MemoryWalletTransactions) GetByID(ctx context.Context, id primitive.ObjectID) (*models.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tx, nil
}

func (m *MemoryWalletTransactions) Resolve(ctx context.Context, id primitive.ObjectID, from, to models.TransactionStatus, at time.Time) (*models.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if tx.Status != from {
		return nil, ErrConflict
	}
	tx.Status = to
	tx.ProcessedAt = &at
	tx.UpdatedAt = at
	m.byID[id] = tx
	return &tx, nil
}

func (m *MemoryWalletTransactions) List(ctx context.Context, filter TransactionFilter) ([]*models.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.WalletTransaction, 0)
	for _, tx := range m.byID {
		if filter.UserID != nil && tx.UserID != *filter.UserID {
			continue
		}
		if filter.OrderID != nil && (tx.OrderID == nil || *tx.OrderID != *filter.OrderID) {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		tx := tx
		out = append(out, &tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Skip, filter.Limit), nil
}

func (m *MemoryWalletTransactions) FindExpiredPending(ctx context.Context, txType models.TransactionType, now time.Time, limit int64) ([]*models.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.WalletTransaction, 0)
	for _, tx := range m.byID {
		if tx.Type != txType || tx.Status != models.TransactionPending {
			continue
		}
		if tx.ExpiresAt == nil || !tx.ExpiresAt.Before(now) {
			continue
		}
		tx := tx
		out = append(out, &tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return page(out, 0, limit), nil
}

// MemoryOrders

type MemoryOrders struct {
	mu   sync.Mutex
	byID map[primitive.ObjectID]*models.Order
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{byID: make(map[primitive.ObjectID]*models.Order)}
}

func (m *MemoryOrders) Create(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = newID(o.ID)
	m.byID[o.ID] = o.Clone()
	return nil
}

func (m *MemoryOrders) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryOrders) GetByReference(ctx context.Context, reference string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.byID {
		if o.Payment.Reference == reference {
			return o.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryOrders) collect(match func(o *models.Order) bool, less func(a, b *models.Order) bool, skip, limit int64) []*models.Order {
	out := make([]*models.Order, 0)
	for _, o := range m.byID {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return page(out, skip, limit)
}

func newestFirst(a, b *models.Order) bool  { return a.CreatedAt.After(b.CreatedAt) }
func oldestUpdate(a, b *models.Order) bool { return a.UpdatedAt.Before(b.UpdatedAt) }

func (m *MemoryOrders) List(ctx context.Context, filter OrderFilter) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(o *models.Order) bool {
		if filter.UserID != nil && o.UserID != *filter.UserID {
			return false
		}
		return filter.Status == "" || o.Status == filter.Status
	}, newestFirst, filter.Skip, filter.Limit), nil
}

func (m *MemoryOrders) ApplyTransition(ctx context.Context, id primitive.ObjectID, t OrderTransition) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != t.From {
		return nil, ErrConflict
	}
	if t.ExpectPayment != "" && o.Payment.Status != t.ExpectPayment {
		return nil, ErrConflict
	}
	if t.ExpectStockReserved != nil && o.StockReserved != *t.ExpectStockReserved {
		return nil, ErrConflict
	}
	if t.ExpectDiscountCommitted != nil && (o.Discount == nil || o.Discount.Committed != *t.ExpectDiscountCommitted) {
		return nil, ErrConflict
	}

	o.Status = t.To
	o.StatusLog = append(o.StatusLog, t.Log)
	for _, e := range t.Effects {
		if !o.HasEffect(e) {
			o.PendingEffects = append(o.PendingEffects, e)
		}
	}
	if t.Payment != nil {
		o.Payment.Status = t.Payment.Status
		if t.Payment.TransactionID != "" {
			o.Payment.TransactionID = t.Payment.TransactionID
		}
		if t.Payment.PaidAt != nil {
			paidAt := *t.Payment.PaidAt
			o.Payment.PaidAt = &paidAt
		}
	}
	if t.DiscountCommitted != nil && o.Discount != nil {
		o.Discount.Committed = *t.DiscountCommitted
	}
	if t.DeliveredAt != nil {
		deliveredAt := *t.DeliveredAt
		o.DeliveredAt = &deliveredAt
	}
	o.UpdatedAt = t.At
	return o.Clone(), nil
}

func (m *MemoryOrders) update(id primitive.ObjectID, fn func(o *models.Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(o)
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryOrders) MarkStockReserved(ctx context.Context, id primitive.ObjectID) error {
	return m.update(id, func(o *models.Order) { o.StockReserved = true })
}

func (m *MemoryOrders) SetPaymentReference(ctx context.Context, id primitive.ObjectID, reference, checksum string) error {
	return m.update(id, func(o *models.Order) {
		o.Payment.Reference = reference
		o.Payment.Checksum = checksum
	})
}

func (m *MemoryOrders) SetDiscountCommitted(ctx context.Context, id primitive.ObjectID, committed bool) error {
	return m.update(id, func(o *models.Order) {
		if o.Discount != nil {
			o.Discount.Committed = committed
		}
	})
}

func (m *MemoryOrders) SetPaymentStatus(ctx context.Context, id primitive.ObjectID, from, to models.PaymentStatus, at time.Time) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Payment.Status != from {
		return nil, ErrConflict
	}
	o.Payment.Status = to
	if to == models.PaymentRefunded {
		o.RefundedAt = &at
	}
	o.UpdatedAt = at
	return o.Clone(), nil
}

func (m *MemoryOrders) ClaimEffect(ctx context.Context, id primitive.ObjectID, effect models.Effect) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	for i, e := range o.PendingEffects {
		if e == effect {
			o.PendingEffects = append(o.PendingEffects[:i:i], o.PendingEffects[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryOrders) RestoreEffect(ctx context.Context, id primitive.ObjectID, effect models.Effect) error {
	return m.update(id, func(o *models.Order) {
		if !o.HasEffect(effect) {
			o.PendingEffects = append(o.PendingEffects, effect)
		}
	})
}

func (m *MemoryOrders) CountDiscountUses(ctx context.Context, userID primitive.ObjectID, code string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.byID {
		if o.UserID != userID || o.DiscountCode() != code {
			continue
		}
		if o.Payment.Status == models.PaymentPaid || isSuccessStatus(o.Status) {
			n++
		}
	}
	return n, nil
}

func isSuccessStatus(status models.OrderStatus) bool {
	for _, s := range models.SuccessStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (m *MemoryOrders) FindExpiredUnpaid(ctx context.Context, now time.Time, limit int64) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(o *models.Order) bool {
		return o.Status == models.StatusPending &&
			o.Payment.Status == models.PaymentUnpaid &&
			o.Payment.Method.Prepaid() &&
			o.ExpiresAt != nil && o.ExpiresAt.Before(now)
	}, func(a, b *models.Order) bool { return a.ExpiresAt.Before(*b.ExpiresAt) }, 0, limit), nil
}

func (m *MemoryOrders) FindByStatus(ctx context.Context, status models.OrderStatus, limit int64) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(o *models.Order) bool { return o.Status == status }, oldestUpdate, 0, limit), nil
}

func (m *MemoryOrders) FindDeliveredBefore(ctx context.Context, cutoff time.Time, limit int64) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(o *models.Order) bool {
		return o.Status == models.StatusDelivered && o.DeliveredAt != nil && !o.DeliveredAt.After(cutoff)
	}, oldestUpdate, 0, limit), nil
}

func (m *MemoryOrders) FindWithPendingEffects(ctx context.Context, limit int64) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(func(o *models.Order) bool { return len(o.PendingEffects) > 0 }, oldestUpdate, 0, limit), nil
}

// MemoryCarts

type MemoryCarts struct {
	mu    sync.Mutex
	items map[primitive.ObjectID][]primitive.ObjectID
}

func NewMemoryCarts() *MemoryCarts {
	return &MemoryCarts{items: make(map[primitive.ObjectID][]primitive.ObjectID)}
}

func (m *MemoryCarts) Add(userID, variantID primitive.ObjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[userID] = append(m.items[userID], variantID)
}

func (m *MemoryCarts) Items(userID primitive.ObjectID) []primitive.ObjectID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]primitive.ObjectID(nil), m.items[userID]...)
}

func (m *MemoryCarts) RemoveItems(ctx context.Context, userID primitive.ObjectID, variantIDs []primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[primitive.ObjectID]bool, len(variantIDs))
	for _, id := range variantIDs {
		drop[id] = true
	}
	kept := m.items[userID][:0]
	for _, id := range m.items[userID] {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	m.items[userID] = kept
	return nil
}

// MemoryLocker is a process-local lock used when Redis is not configured.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if until, ok := m.held[key]; ok && now.Before(until) {
		return nil, ErrLockHeld
	}
	until := now.Add(ttl)
	m.held[key] = until
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held[key] == until {
			delete(m.held, key)
		}
	}, nil
}
