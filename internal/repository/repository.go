package repository

import (
	"context"
	"errors"
	"time"

	"github.com/d1gallar/forest/internal/domain"
)

var (
	ErrCartNotFound    = errors.New("cart not found")
	ErrCartExists      = errors.New("cart already exists")
	ErrVersionConflict = errors.New("cart was modified concurrently")
	ErrOrderNotFound   = errors.New("order not found")
	ErrDuplicateOrder  = errors.New("order already exists for payment")
	ErrOrderChanged    = errors.New("order status changed concurrently")
	ErrRefundNotFound  = errors.New("refund not found")
	ErrDuplicateRefund = errors.New("refund already recorded for order")
	ErrProductNotFound = errors.New("product not found")
	ErrAddressNotFound = errors.New("default address not found")
	ErrInvalidObjectID = errors.New("invalid object id")
)

// CartRepository defines the interface for cart data operations
// Consumers define this interface, not the MongoDB implementation
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (*domain.Cart, error)
	CreateCart(ctx context.Context, cart *domain.Cart) error
	// SaveCart writes cart if its stored version still equals cart.Version and
	// bumps cart.Version on success.
	SaveCart(ctx context.Context, cart *domain.Cart) error
	// ClearCartIfUnmodifiedSince empties the cart only when it has not been
	// touched after since. It reports whether anything was cleared.
	ClearCartIfUnmodifiedSince(ctx context.Context, userID string, since time.Time) (bool, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetOrderByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error)
	ListOrders(ctx context.Context, userID string) ([]*domain.Order, error)
	// UpdateOrder persists the mutable fields of order provided the stored
	// statuses still equal the expected ones.
	UpdateOrder(ctx context.Context, order *domain.Order, expectStatus domain.OrderStatus, expectPayment domain.PaymentStatus) error
}

type RefundRepository interface {
	CreateRefund(ctx context.Context, refund *domain.Refund) error
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)
	GetRefundByOrderID(ctx context.Context, orderID string) (*domain.Refund, error)
}

// ProductCatalog is the read-only view of the products collection.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]*domain.Product, error)
}

// AddressBook is the read-only view of saved user addresses.
type AddressBook interface {
	GetDefaultAddress(ctx context.Context, userID string) (*domain.Address, error)
}
