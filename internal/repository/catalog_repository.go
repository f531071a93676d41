package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/d1gallar/forest/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// productDocument mirrors the storefront products collection.
type productDocument struct {
	ID            primitive.ObjectID `bson:"_id"`
	Name          string             `bson:"name"`
	ImgURL        string             `bson:"imgUrl"`
	Price         float64            `bson:"price"`
	StockQuantity int                `bson:"stockQuantity"`
}

func (d productDocument) toDomain() *domain.Product {
	return &domain.Product{
		ID:            d.ID.Hex(),
		Name:          d.Name,
		ImgURL:        d.ImgURL,
		Price:         d.Price,
		StockQuantity: d.StockQuantity,
	}
}

type mongoCatalog struct {
	collection *mongo.Collection
}

func NewProductCatalog(db *mongo.Database) ProductCatalog {
	return &mongoCatalog{collection: db.Collection("products")}
}

func (m *mongoCatalog) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidObjectID, id)
	}

	var doc productDocument
	if err := m.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return doc.toDomain(), nil
}

// GetProducts loads every product in ids that exists. Unknown or malformed
// ids are absent from the result.
func (m *mongoCatalog) GetProducts(ctx context.Context, ids []string) (map[string]*domain.Product, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
	}
	products := make(map[string]*domain.Product, len(oids))
	if len(oids) == 0 {
		return products, nil
	}

	cursor, err := m.collection.Find(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return nil, fmt.Errorf("failed to find products: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc productDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode product: %w", err)
		}
		products[doc.ID.Hex()] = doc.toDomain()
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("product cursor: %w", err)
	}
	return products, nil
}

// addressDocument mirrors the address book collection.
type addressDocument struct {
	FirstName           string `bson:"firstName"`
	LastName            string `bson:"lastName"`
	Line1               string `bson:"line_1"`
	Line2               string `bson:"line_2"`
	City                string `bson:"city"`
	PostalCode          string `bson:"postalCode"`
	StateProvinceCounty string `bson:"stateProvinceCounty"`
	Country             string `bson:"country"`
	IsDefault           bool   `bson:"isDefault"`
}

type mongoAddressBook struct {
	collection *mongo.Collection
}

func NewAddressBook(db *mongo.Database) AddressBook {
	return &mongoAddressBook{collection: db.Collection("addresses")}
}

func (m *mongoAddressBook) GetDefaultAddress(ctx context.Context, userID string) (*domain.Address, error) {
	owners := bson.A{userID}
	if oid, err := primitive.ObjectIDFromHex(userID); err == nil {
		owners = append(owners, oid)
	}

	var doc addressDocument
	err := m.collection.FindOne(ctx, bson.M{"userId": bson.M{"$in": owners}, "isDefault": true}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAddressNotFound
		}
		return nil, fmt.Errorf("failed to get default address: %w", err)
	}

	return &domain.Address{
		FullName:            strings.TrimSpace(doc.FirstName + " " + doc.LastName),
		Line1:               doc.Line1,
		Line2:               doc.Line2,
		City:                doc.City,
		PostalCode:          doc.PostalCode,
		StateProvinceCounty: doc.StateProvinceCounty,
		Country:             doc.Country,
	}, nil
}

func objectIDString(v interface{}) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(v)
	}
}
