package service

import (
	"context"
	"errors"
	"time"

	"github.com/d1gallar/forest/internal/cache"
	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/pricing"
	r "github.com/d1gallar/forest/internal/repository"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const maxSaveAttempts = 5

type CartService struct {
	repo    r.CartRepository
	cache   cache.CartCache
	catalog r.ProductCatalog
	pricing pricing.Engine
	locks   *keyedMutex
	sfg     singleflight.Group // Prevents cache stampede
	log     zerolog.Logger
	now     func() time.Time
}

func NewCartService(repo r.CartRepository, cache cache.CartCache, catalog r.ProductCatalog, engine pricing.Engine, logger zerolog.Logger) *CartService {
	return &CartService{
		repo:    repo,
		cache:   cache,
		catalog: catalog,
		pricing: engine,
		locks:   newKeyedMutex(),
		log:     logger.With().Str("component", "cart_service").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func cartNotFound() error {
	return d.NewNotFoundError("cart_not_found", "cart not found for user")
}

// GetCart returns the stored cart, served from cache when possible.
func (s *CartService) GetCart(ctx context.Context, userID string) (*d.Cart, error) {
	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do(userID, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, userID)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("cache get failed")
		}

		// read before the repository so a concurrent invalidation voids the fill
		gen, genErr := s.cache.Generation(ctx, userID)

		cart, err = s.repo.GetCart(ctx, userID)
		if errors.Is(err, r.ErrCartNotFound) {
			return nil, cartNotFound()
		}
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			s.log.Warn().Err(genErr).Str("user_id", userID).Msg("cache generation unavailable, skipping fill")
			return cart, nil
		}

		go func() {
			setCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err := s.cache.Set(setCtx, userID, gen, cart)
			switch {
			case errors.Is(err, cache.ErrStaleFill):
				s.log.Debug().Str("user_id", userID).Msg("cart changed during load, fill dropped")
			case err != nil:
				s.log.Warn().Err(err).Str("user_id", userID).Msg("cache set failed")
			}
		}()
		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*d.Cart), nil
}

// GetStoredCart reads the cart from the repository only. Checkout prices
// from it so a payment never uses a cached total.
func (s *CartService) GetStoredCart(ctx context.Context, userID string) (*d.Cart, error) {
	cart, err := s.repo.GetCart(ctx, userID)
	if errors.Is(err, r.ErrCartNotFound) {
		return nil, cartNotFound()
	}
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// CreateCart creates the empty cart for a user. An existing cart is returned
// as is.
func (s *CartService) CreateCart(ctx context.Context, userID string) (*d.Cart, error) {
	cart := d.NewCart(userID, s.now())
	s.pricing.Apply(cart)

	err := s.repo.CreateCart(ctx, cart)
	if errors.Is(err, r.ErrCartExists) {
		return s.GetCart(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// AddItem adds quantity of productID at the catalog's current price.
func (s *CartService) AddItem(ctx context.Context, userID, productID string, quantity int) (*d.Cart, error) {
	if err := d.ValidateAddQuantity(quantity); err != nil {
		return nil, err
	}
	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		switch {
		case errors.Is(err, r.ErrInvalidObjectID):
			return nil, d.NewFieldError("productId", "product id is malformed")
		case errors.Is(err, r.ErrProductNotFound):
			return nil, d.NewNotFoundError("product_not_found", "product not found")
		}
		return nil, err
	}

	return s.mutate(ctx, userID, func(c *d.Cart, now time.Time) error {
		return c.AddItem(product.ID, product.Price, quantity, now)
	})
}

func (s *CartService) SetQuantity(ctx context.Context, userID, productID string, quantity int) (*d.Cart, error) {
	if err := d.ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, func(c *d.Cart, now time.Time) error {
		return c.SetQuantity(productID, quantity, now)
	})
}

func (s *CartService) RemoveItem(ctx context.Context, userID, productID string) (*d.Cart, error) {
	return s.mutate(ctx, userID, func(c *d.Cart, now time.Time) error {
		return c.RemoveItem(productID, now)
	})
}

func (s *CartService) Clear(ctx context.Context, userID string) (*d.Cart, error) {
	return s.mutate(ctx, userID, func(c *d.Cart, now time.Time) error {
		c.Clear(now)
		return nil
	})
}

// ClearIfUnmodifiedSince empties the cart unless it changed after since.
func (s *CartService) ClearIfUnmodifiedSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	cleared, err := s.repo.ClearCartIfUnmodifiedSince(ctx, userID, since)
	if err != nil {
		return false, err
	}
	if cleared {
		s.invalidateCache(userID)
	}
	return cleared, nil
}

// GetPopulated joins the cart with catalog display fields. Lines whose product
// has disappeared keep their snapshot price and report InStock=false.
func (s *CartService) GetPopulated(ctx context.Context, userID string) (*d.PopulatedCart, error) {
	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(cart.Items))
	for _, it := range cart.Items {
		ids = append(ids, it.ProductID)
	}
	products, err := s.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := &d.PopulatedCart{
		UserID:       cart.UserID,
		Items:        make([]d.PopulatedItem, 0, len(cart.Items)),
		Totals:       cart.Totals,
		LastModified: cart.LastModified,
	}
	for _, it := range cart.Items {
		item := d.PopulatedItem{LineItem: it}
		if p, ok := products[it.ProductID]; ok {
			item.Name = p.Name
			item.ImgURL = p.ImgURL
			item.InStock = p.StockQuantity >= it.Quantity
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// mutate serializes writers per user in this process and relies on the
// stored version to catch writers in other processes.
func (s *CartService) mutate(ctx context.Context, userID string, fn func(*d.Cart, time.Time) error) (*d.Cart, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		cart, err := s.repo.GetCart(ctx, userID)
		if errors.Is(err, r.ErrCartNotFound) {
			return nil, cartNotFound()
		}
		if err != nil {
			return nil, err
		}

		if err := fn(cart, s.now()); err != nil {
			return nil, err
		}
		s.pricing.Apply(cart)

		err = s.repo.SaveCart(ctx, cart)
		if errors.Is(err, r.ErrVersionConflict) {
			s.log.Debug().Str("user_id", userID).Int("attempt", attempt).Msg("cart version conflict, retrying")
			continue
		}
		if errors.Is(err, r.ErrCartNotFound) {
			return nil, cartNotFound()
		}
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("save cart failed")
			return nil, err
		}

		s.invalidateCache(userID)
		return cart, nil
	}
	return nil, d.NewConflictError("cart_busy", "cart is being modified, try again", r.ErrVersionConflict)
}

func (s *CartService) invalidateCache(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("cache invalidate failed")
	}
}
