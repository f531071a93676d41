package service

import (
	"context"
	"errors"
	"time"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/sessions"
)

// CartReader is the slice of CartService the checkout needs. It must read
// the authoritative copy, never a cache.
type CartReader interface {
	GetStoredCart(ctx context.Context, userID string) (*d.Cart, error)
}

// CartClearer empties carts once their order is settled.
type CartClearer interface {
	Clear(ctx context.Context, userID string) (*d.Cart, error)
}

// OutboxWriter appends events that the outbox poller later publishes.
type OutboxWriter interface {
	AppendOutboxEvent(ctx context.Context, aggregateID, eventType string, payload []byte) error
}

type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

func sessionError(err error) error {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		return d.NewNotFoundError("checkout_not_found", "checkout session not found")
	case errors.Is(err, sessions.ErrSessionVersionConflict):
		return d.NewConflictError("checkout_busy", "checkout was updated concurrently, try again", err)
	}
	return err
}

func orderNotFound() error {
	return d.NewNotFoundError("order_not_found", "order not found")
}
