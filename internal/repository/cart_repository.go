package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d1gallar/forest/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoCartRepository struct {
	collection *mongo.Collection
}

func NewCartRepository(db *mongo.Database) CartRepository {
	return &mongoCartRepository{
		collection: db.Collection("carts"),
	}
}

func (m *mongoCartRepository) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	var cart domain.Cart

	filter := bson.M{"user_id": userID}
	err := m.collection.FindOne(ctx, filter).Decode(&cart)

	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	if cart.Items == nil {
		cart.Items = []domain.LineItem{}
	}

	return &cart, nil
}

func (m *mongoCartRepository) CreateCart(ctx context.Context, cart *domain.Cart) error {
	if cart.Items == nil {
		cart.Items = []domain.LineItem{}
	}
	cart.Version = 1

	res, err := m.collection.InsertOne(ctx, cart)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrCartExists
		}
		return fmt.Errorf("failed to create cart: %w", err)
	}
	cart.ID = objectIDString(res.InsertedID)
	return nil
}

func (m *mongoCartRepository) SaveCart(ctx context.Context, cart *domain.Cart) error {
	filter := bson.M{"user_id": cart.UserID, "version": cart.Version}
	update := bson.M{
		"$set": bson.M{
			"items":         cart.Items,
			"subtotal":      cart.Subtotal,
			"shipping_cost": cart.ShippingCost,
			"tax":           cart.Tax,
			"total":         cart.Total,
			"last_modified": cart.LastModified,
		},
		"$inc": bson.M{"version": 1},
	}

	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to save cart: %w", err)
	}

	if result.MatchedCount == 0 {
		n, errCount := m.collection.CountDocuments(ctx, bson.M{"user_id": cart.UserID})
		if errCount != nil {
			return fmt.Errorf("failed to check cart: %w", errCount)
		}
		if n == 0 {
			return ErrCartNotFound
		}
		return ErrVersionConflict
	}

	cart.Version++
	return nil
}

func (m *mongoCartRepository) ClearCartIfUnmodifiedSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	filter := bson.M{
		"user_id":       userID,
		"last_modified": bson.M{"$lte": since},
		"items.0":       bson.M{"$exists": true},
	}
	update := bson.M{
		"$set": bson.M{
			"items":         []domain.LineItem{},
			"subtotal":      0.0,
			"shipping_cost": 0.0,
			"tax":           0.0,
			"total":         0.0,
			"last_modified": time.Now().UTC(),
		},
		"$inc": bson.M{"version": 1},
	}

	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to clear cart: %w", err)
	}

	return result.ModifiedCount > 0, nil
}

func (m *mongoCartRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create cart indexes: %w", err)
	}

	return nil
}
