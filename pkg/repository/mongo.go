package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duchieu205/bookworld/pkg/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionOrders             = "orders"
	collectionVariants           = "variants"
	collectionDiscounts          = "discounts"
	collectionWallets            = "wallets"
	collectionWalletTransactions = "wallet_transactions"
	collectionCarts              = "carts"
)

type MongoRepository struct {
	client   *mongo.Client
	database *mongo.Database
	config   *config.MongoDBConfig
}

func NewMongoRepository(cfg *config.MongoDBConfig) (*MongoRepository, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	return &MongoRepository{
		client:   client,
		database: client.Database(cfg.Database),
		config:   cfg,
	}, nil
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoRepository) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoRepository) Orders() *MongoOrders {
	return &MongoOrders{coll: m.database.Collection(collectionOrders)}
}

func (m *MongoRepository) Variants() *MongoVariants {
	return &MongoVariants{coll: m.database.Collection(collectionVariants)}
}

func (m *MongoRepository) Discounts() *MongoDiscounts {
	return &MongoDiscounts{coll: m.database.Collection(collectionDiscounts)}
}

func (m *MongoRepository) Wallets() *MongoWallets {
	return &MongoWallets{coll: m.database.Collection(collectionWallets)}
}

func (m *MongoRepository) WalletTransactions() *MongoWalletTransactions {
	return &MongoWalletTransactions{coll: m.database.Collection(collectionWalletTransactions)}
}

func (m *MongoRepository) Carts() *MongoCarts {
	return &MongoCarts{coll: m.database.Collection(collectionCarts)}
}

// EnsureIndexes creates the unique and sweep indexes the engine relies on.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collectionDiscounts: {
			{Keys: bson.D{{Key: "code", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collectionWallets: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collectionWalletTransactions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "type", Value: 1}, {Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
			{Keys: bson.D{{Key: "order_id", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		collectionOrders: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "payment.reference", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "delivered_at", Value: 1}}},
			{Keys: bson.D{{Key: "discount.code", Value: 1}, {Key: "user_id", Value: 1}}},
		},
		collectionCarts: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}

	for name, specs := range indexes {
		if _, err := m.database.Collection(name).Indexes().CreateMany(ctx, specs); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}
	return nil
}

func afterUpdate() *options.FindOneAndUpdateOptions {
	return options.FindOneAndUpdate().SetReturnDocument(options.After)
}

// guardMiss tells a missing document apart from a guard that did not hold
// after a conditional update matched nothing.
func guardMiss(ctx context.Context, coll *mongo.Collection, key bson.M) error {
	n, err := coll.CountDocuments(ctx, key, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("failed to check document: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// casUpdate runs a guarded FindOneAndUpdate and decodes the post-image into out.
func casUpdate(ctx context.Context, coll *mongo.Collection, key, guard, update bson.M, out any) error {
	filter := bson.M{}
	for k, v := range key {
		filter[k] = v
	}
	for k, v := range guard {
		filter[k] = v
	}

	err := coll.FindOneAndUpdate(ctx, filter, update, afterUpdate()).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return guardMiss(ctx, coll, key)
	}
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", coll.Name(), err)
	}
	return nil
}

func findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, out any) error {
	err := coll.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find in %s: %w", coll.Name(), err)
	}
	return nil
}

func findMany[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, opts *options.FindOptions) ([]*T, error) {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", coll.Name(), err)
	}
	defer cursor.Close(ctx)

	out := make([]*T, 0)
	if err = cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", coll.Name(), err)
	}
	return out, nil
}
