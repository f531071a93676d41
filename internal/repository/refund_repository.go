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

type mongoRefundRepository struct {
	collection *mongo.Collection
}

func NewRefundRepository(db *mongo.Database) RefundRepository {
	return &mongoRefundRepository{
		collection: db.Collection("refunds"),
	}
}

// CreateRefund appends refund. Only one refund per order is accepted.
func (m *mongoRefundRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	_, err := m.collection.InsertOne(ctx, refund)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateRefund
		}
		return fmt.Errorf("failed to create refund: %w", err)
	}
	return nil
}

func (m *mongoRefundRepository) get(ctx context.Context, filter bson.M) (*domain.Refund, error) {
	var refund domain.Refund
	if err := m.collection.FindOne(ctx, filter).Decode(&refund); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return &refund, nil
}

func (m *mongoRefundRepository) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	return m.get(ctx, bson.M{"_id": id})
}

func (m *mongoRefundRepository) GetRefundByOrderID(ctx context.Context, orderID string) (*domain.Refund, error) {
	return m.get(ctx, bson.M{"order_id": orderID})
}

func (m *mongoRefundRepository) CreateIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "order_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create refund indexes: %w", err)
	}
	return nil
}
