package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ OrderRepository = (*MongoOrders)(nil)

type MongoOrders struct {
	coll *mongo.Collection
}

func (r *MongoOrders) Create(ctx context.Context, o *models.Order) error {
	o.ID = newID(o.ID)
	// $push and $addToSet need real arrays, never null.
	if o.StatusLog == nil {
		o.StatusLog = []models.StatusLogEntry{}
	}
	if o.PendingEffects == nil {
		o.PendingEffects = []models.Effect{}
	}
	if _, err := r.coll.InsertOne(ctx, o); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (r *MongoOrders) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Order, error) {
	var o models.Order
	if err := findOne(ctx, r.coll, bson.M{"_id": id}, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *MongoOrders) GetByReference(ctx context.Context, reference string) (*models.Order, error) {
	var o models.Order
	if err := findOne(ctx, r.coll, bson.M{"payment.reference": reference}, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *MongoOrders) List(ctx context.Context, filter OrderFilter) ([]*models.Order, error) {
	query := bson.M{}
	if filter.UserID != nil {
		query["user_id"] = *filter.UserID
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetSkip(filter.Skip)
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}
	return findMany[models.Order](ctx, r.coll, query, opts)
}

func (r *MongoOrders) ApplyTransition(ctx context.Context, id primitive.ObjectID, t OrderTransition) (*models.Order, error) {
	guard := bson.M{"status": t.From}
	if t.ExpectPayment != "" {
		guard["payment.status"] = t.ExpectPayment
	}
	if t.ExpectStockReserved != nil {
		guard["stock_reserved"] = *t.ExpectStockReserved
	}
	if t.ExpectDiscountCommitted != nil {
		guard["discount.committed"] = *t.ExpectDiscountCommitted
	}

	set := bson.M{"status": t.To, "updated_at": t.At}
	if t.Payment != nil {
		set["payment.status"] = t.Payment.Status
		if t.Payment.TransactionID != "" {
			set["payment.transaction_id"] = t.Payment.TransactionID
		}
		if t.Payment.PaidAt != nil {
			set["payment.paid_at"] = *t.Payment.PaidAt
		}
	}
	if t.DiscountCommitted != nil {
		guard["discount.code"] = bson.M{"$exists": true}
		set["discount.committed"] = *t.DiscountCommitted
	}
	if t.DeliveredAt != nil {
		set["delivered_at"] = *t.DeliveredAt
	}

	update := bson.M{
		"$set":  set,
		"$push": bson.M{"status_log": t.Log},
	}
	if len(t.Effects) > 0 {
		update["$addToSet"] = bson.M{"pending_effects": bson.M{"$each": t.Effects}}
	}

	var o models.Order
	if err := casUpdate(ctx, r.coll, bson.M{"_id": id}, guard, update, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *MongoOrders) set(ctx context.Context, id primitive.ObjectID, fields bson.M) error {
	fields["updated_at"] = time.Now()
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoOrders) MarkStockReserved(ctx context.Context, id primitive.ObjectID) error {
	return r.set(ctx, id, bson.M{"stock_reserved": true})
}

func (r *MongoOrders) SetPaymentReference(ctx context.Context, id primitive.ObjectID, reference, checksum string) error {
	return r.set(ctx, id, bson.M{"payment.reference": reference, "payment.checksum": checksum})
}

func (r *MongoOrders) SetDiscountCommitted(ctx context.Context, id primitive.ObjectID, committed bool) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "discount.code": bson.M{"$exists": true}},
		bson.M{"$set": bson.M{"discount.committed": committed, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to update order discount: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoOrders) SetPaymentStatus(ctx context.Context, id primitive.ObjectID, from, to models.PaymentStatus, at time.Time) (*models.Order, error) {
	set := bson.M{"payment.status": to, "updated_at": at}
	if to == models.PaymentRefunded {
		set["refunded_at"] = at
	}
	var o models.Order
	err := casUpdate(ctx, r.coll,
		bson.M{"_id": id},
		bson.M{"payment.status": from},
		bson.M{"$set": set},
		&o)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *MongoOrders) ClaimEffect(ctx context.Context, id primitive.ObjectID, effect models.Effect) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "pending_effects": effect},
		bson.M{"$pull": bson.M{"pending_effects": effect}})
	if err != nil {
		return false, fmt.Errorf("failed to claim order effect: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *MongoOrders) RestoreEffect(ctx context.Context, id primitive.ObjectID, effect models.Effect) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$addToSet": bson.M{"pending_effects": effect}})
	if err != nil {
		return fmt.Errorf("failed to restore order effect: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoOrders) CountDiscountUses(ctx context.Context, userID primitive.ObjectID, code string) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{
		"user_id":       userID,
		"discount.code": code,
		"$or": bson.A{
			bson.M{"payment.status": models.PaymentPaid},
			bson.M{"status": bson.M{"$in": models.SuccessStatuses}},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count discount uses: %w", err)
	}
	return n, nil
}

func (r *MongoOrders) FindExpiredUnpaid(ctx context.Context, now time.Time, limit int64) ([]*models.Order, error) {
	query := bson.M{
		"status":         models.StatusPending,
		"payment.status": models.PaymentUnpaid,
		"payment.method": bson.M{"$in": bson.A{models.PaymentWallet, models.PaymentGateway}},
		"expires_at":     bson.M{"$lt": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}}).SetLimit(limit)
	return findMany[models.Order](ctx, r.coll, query, opts)
}

func (r *MongoOrders) FindByStatus(ctx context.Context, status models.OrderStatus, limit int64) ([]*models.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}).SetLimit(limit)
	return findMany[models.Order](ctx, r.coll, bson.M{"status": status}, opts)
}

func (r *MongoOrders) FindDeliveredBefore(ctx context.Context, cutoff time.Time, limit int64) ([]*models.Order, error) {
	query := bson.M{
		"status":       models.StatusDelivered,
		"delivered_at": bson.M{"$lte": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "delivered_at", Value: 1}}).SetLimit(limit)
	return findMany[models.Order](ctx, r.coll, query, opts)
}

func (r *MongoOrders) FindWithPendingEffects(ctx context.Context, limit int64) ([]*models.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}).SetLimit(limit)
	return findMany[models.Order](ctx, r.coll, bson.M{"pending_effects.0": bson.M{"$exists": true}}, opts)
}
