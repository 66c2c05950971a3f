package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	_ VariantRepository           = (*MongoVariants)(nil)
	_ DiscountRepository          = (*MongoDiscounts)(nil)
	_ WalletRepository            = (*MongoWallets)(nil)
	_ WalletTransactionRepository = (*MongoWalletTransactions)(nil)
	_ CartRepository              = (*MongoCarts)(nil)
)

type MongoVariants struct {
	coll *mongo.Collection
}

func (r *MongoVariants) Create(ctx context.Context, v *models.Variant) error {
	v.ID = newID(v.ID)
	if _, err := r.coll.InsertOne(ctx, v); err != nil {
		return fmt.Errorf("failed to insert variant: %w", err)
	}
	return nil
}

func (r *MongoVariants) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Variant, error) {
	var v models.Variant
	if err := findOne(ctx, r.coll, bson.M{"_id": id}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *MongoVariants) DecrementQuantity(ctx context.Context, id primitive.ObjectID, qty int64) (*models.Variant, error) {
	var v models.Variant
	err := casUpdate(ctx, r.coll,
		bson.M{"_id": id},
		bson.M{"quantity": bson.M{"$gte": qty}},
		bson.M{"$inc": bson.M{"quantity": -qty}, "$set": bson.M{"updated_at": time.Now()}},
		&v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *MongoVariants) IncrementQuantity(ctx context.Context, id primitive.ObjectID, qty int64) (*models.Variant, error) {
	var v models.Variant
	err := casUpdate(ctx, r.coll,
		bson.M{"_id": id},
		nil,
		bson.M{"$inc": bson.M{"quantity": qty}, "$set": bson.M{"updated_at": time.Now()}},
		&v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

type MongoDiscounts struct {
	coll *mongo.Collection
}

func (r *MongoDiscounts) Create(ctx context.Context, d *models.Discount) error {
	d.ID = newID(d.ID)
	if _, err := r.coll.InsertOne(ctx, d); err != nil {
		return fmt.Errorf("failed to insert discount: %w", err)
	}
	return nil
}

func (r *MongoDiscounts) GetByCode(ctx context.Context, code string) (*models.Discount, error) {
	var d models.Discount
	if err := findOne(ctx, r.coll, bson.M{"code": code}, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *MongoDiscounts) IncrementUsage(ctx context.Context, id, orderID primitive.ObjectID) (*models.Discount, error) {
	var d models.Discount
	// A null total_usage_limit also matches documents without the field.
	guard := bson.M{
		"redeemed_orders": bson.M{"$ne": orderID},
		"$or": bson.A{
			bson.M{"total_usage_limit": nil},
			bson.M{"$expr": bson.M{"$lt": bson.A{"$used_count", "$total_usage_limit"}}},
		},
	}
	err := casUpdate(ctx, r.coll,
		bson.M{"_id": id},
		guard,
		bson.M{
			"$inc":      bson.M{"used_count": 1},
			"$addToSet": bson.M{"redeemed_orders": orderID},
			"$set":      bson.M{"updated_at": time.Now()},
		},
		&d)
	if errors.Is(err, ErrConflict) {
		// A repeat for the same order is not a second redemption.
		if findErr := findOne(ctx, r.coll, bson.M{"_id": id, "redeemed_orders": orderID}, &d); findErr == nil {
			return &d, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *MongoDiscounts) DecrementUsage(ctx context.Context, id, orderID primitive.ObjectID) (*models.Discount, error) {
	var d models.Discount
	err := casUpdate(ctx, r.coll,
		bson.M{"_id": id},
		bson.M{"redeemed_orders": orderID, "used_count": bson.M{"$gt": 0}},
		bson.M{
			"$inc":  bson.M{"used_count": -1},
			"$pull": bson.M{"redeemed_orders": orderID},
			"$set":  bson.M{"updated_at": time.Now()},
		},
		&d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type MongoWallets struct {
	coll *mongo.Collection
}

func (r *MongoWallets) GetByUser(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error) {
	var w models.Wallet
	if err := findOne(ctx, r.coll, bson.M{"user_id": userID}, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// upsert applies update to the user's wallet, creating an active empty wallet
// first when none exists. A concurrent first insert loses on the unique
// user_id index and is retried once as a plain update.
func (r *MongoWallets) upsert(ctx context.Context, userID primitive.ObjectID, update bson.M) (*models.Wallet, error) {
	now := time.Now()
	onInsert := bson.M{"status": models.WalletActive, "created_at": now}
	if _, incBalance := update["$inc"]; !incBalance {
		onInsert["balance"] = int64(0)
	}
	update["$setOnInsert"] = onInsert
	if _, ok := update["$set"]; !ok {
		update["$set"] = bson.M{"updated_at": now}
	}

	opts := afterUpdate().SetUpsert(true)
	var w models.Wallet
	for attempt := 0; ; attempt++ {
		err := r.coll.FindOneAndUpdate(ctx, bson.M{"user_id": userID}, update, opts).Decode(&w)
		if err == nil {
			return &w, nil
		}
		if mongo.IsDuplicateKeyError(err) && attempt == 0 {
			continue
		}
		return nil, fmt.Errorf("failed to upsert wallet: %w", err)
	}
}

func (r *MongoWallets) Ensure(ctx context.Context, userID primitive.ObjectID) (*models.Wallet, error) {
	return r.upsert(ctx, userID, bson.M{})
}

func (r *MongoWallets) Debit(ctx context.Context, userID primitive.ObjectID, amount int64) (*models.Wallet, error) {
	var w models.Wallet
	err := casUpdate(ctx, r.coll,
		bson.M{"user_id": userID},
		bson.M{"status": models.WalletActive, "balance": bson.M{"$gte": amount}},
		bson.M{"$inc": bson.M{"balance": -amount}, "$set": bson.M{"updated_at": time.Now()}},
		&w)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *MongoWallets) Credit(ctx context.Context, userID primitive.ObjectID, amount int64) (*models.Wallet, error) {
	return r.upsert(ctx, userID, bson.M{
		"$inc": bson.M{"balance": amount},
		"$set": bson.M{"updated_at": time.Now()},
	})
}

func (r *MongoWallets) SetStatus(ctx context.Context, userID primitive.ObjectID, status models.WalletStatus, reason string, at time.Time) (*models.Wallet, error) {
	update := bson.M{"$set": bson.M{"status": status, "updated_at": at}}
	if status == models.WalletLocked {
		update["$set"].(bson.M)["locked_reason"] = reason
		update["$set"].(bson.M)["locked_at"] = at
	} else {
		update["$unset"] = bson.M{"locked_reason": "", "locked_at": ""}
	}

	var w models.Wallet
	if err := casUpdate(ctx, r.coll, bson.M{"user_id": userID}, nil, update, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

type MongoWalletTransactions struct {
	coll *mongo.Collection
}

func (r *MongoWalletTransactions) Create(ctx context.Context, tx *models.WalletTransaction) error {
	tx.ID = newID(tx.ID)
	if _, err := r.coll.InsertOne(ctx, tx); err != nil {
		return fmt.Errorf("failed to insert wallet transaction: %w", err)
	}
	return nil
}

func (r *MongoWalletTransactions) GetByID(ctx context.Context, id primitive.ObjectID) (*models.WalletTransaction, error) {
	var tx models.WalletTransaction
	if err := findOne(ctx, r.coll, bson.M{"_id": id}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *MongoWalletTransactions) Resolve(ctx context.Context, id primitive.ObjectID, from, to models.TransactionStatus, at time.Time) (*models.WalletTransaction, error) {
	var tx models.WalletTransaction
	err := casUpdate(ctx, r.coll,
		bson.M{"_id": id},
		bson.M{"status": from},
		bson.M{"$set": bson.M{"status": to, "processed_at": at, "updated_at": at}},
		&tx)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *MongoWalletTransactions) List(ctx context.Context, filter TransactionFilter) ([]*models.WalletTransaction, error) {
	query := bson.M{}
	if filter.UserID != nil {
		query["user_id"] = *filter.UserID
	}
	if filter.OrderID != nil {
		query["order_id"] = *filter.OrderID
	}
	if filter.Type != "" {
		query["type"] = filter.Type
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetSkip(filter.Skip)
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}
	return findMany[models.WalletTransaction](ctx, r.coll, query, opts)
}

func (r *MongoWalletTransactions) FindExpiredPending(ctx context.Context, txType models.TransactionType, now time.Time, limit int64) ([]*models.WalletTransaction, error) {
	query := bson.M{
		"type":       txType,
		"status":     models.TransactionPending,
		"expires_at": bson.M{"$lt": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}}).SetLimit(limit)
	return findMany[models.WalletTransaction](ctx, r.coll, query, opts)
}

type MongoCarts struct {
	coll *mongo.Collection
}

func (r *MongoCarts) RemoveItems(ctx context.Context, userID primitive.ObjectID, variantIDs []primitive.ObjectID) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$pull": bson.M{"items": bson.M{"variant_id": bson.M{"$in": variantIDs}}},
			"$set":  bson.M{"updated_at": time.Now()},
		})
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("failed to clear cart items: %w", err)
	}
	return nil
}
