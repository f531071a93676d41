package cache

import (
	"context"
	"errors"

	"github.com/d1gallar/forest/internal/domain"
)

// CartCache holds raw carts keyed by user. Entries are dropped on every
// mutation; readers fall back to the repository on a miss.
//
// Every Delete bumps a per-user generation. A reader that fills the cache
// after a miss reads Generation before loading the cart and passes it to Set,
// which refuses the fill if a Delete happened in between.
type CartCache interface {
	Get(ctx context.Context, userID string) (*domain.Cart, error)
	Generation(ctx context.Context, userID string) (int64, error)
	Set(ctx context.Context, userID string, gen int64, cart *domain.Cart) error
	Delete(ctx context.Context, userID string) error
}

var (
	ErrCacheMiss = errors.New("cache miss")
	ErrStaleFill = errors.New("cache fill superseded by a newer write")
)
