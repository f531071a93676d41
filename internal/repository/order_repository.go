package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/d1gallar/forest/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoOrderRepository struct {
	collection *mongo.Collection
}

func NewOrderRepository(db *mongo.Database) OrderRepository {
	return &mongoOrderRepository{
		collection: db.Collection("orders"),
	}
}

// CreateOrder inserts order. A second order for the same (user_id,
// payment_id) is rejected by the unique index with ErrDuplicateOrder.
func (m *mongoOrderRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	_, err := m.collection.InsertOne(ctx, order)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.PaymentID)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (m *mongoOrderRepository) findOne(ctx context.Context, filter bson.M) (*domain.Order, error) {
	var order domain.Order
	err := m.collection.FindOne(ctx, filter).Decode(&order)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

func (m *mongoOrderRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

func (m *mongoOrderRepository) GetOrderByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error) {
	return m.findOne(ctx, bson.M{"payment_id": paymentID})
}

func (m *mongoOrderRepository) ListOrders(ctx context.Context, userID string) ([]*domain.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := m.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer cursor.Close(ctx)

	orders := make([]*domain.Order, 0)
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, fmt.Errorf("failed to decode orders: %w", err)
	}
	return orders, nil
}

func (m *mongoOrderRepository) UpdateOrder(ctx context.Context, order *domain.Order, expectStatus domain.OrderStatus, expectPayment domain.PaymentStatus) error {
	filter := bson.M{
		"_id":            order.ID,
		"status":         expectStatus,
		"payment_status": expectPayment,
	}
	update := bson.M{
		"$set": bson.M{
			"status":         order.Status,
			"payment_status": order.PaymentStatus,
			"carrier":        order.Carrier,
			"tracking":       order.Tracking,
			"updated_at":     order.UpdatedAt,
		},
	}

	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if result.MatchedCount == 0 {
		n, errCount := m.collection.CountDocuments(ctx, bson.M{"_id": order.ID})
		if errCount != nil {
			return fmt.Errorf("failed to check order: %w", errCount)
		}
		if n == 0 {
			return ErrOrderNotFound
		}
		return ErrOrderChanged
	}
	return nil
}

func (m *mongoOrderRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "payment_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_user_payment"),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "payment_id", Value: 1}},
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create order indexes: %w", err)
	}

	return nil
}
