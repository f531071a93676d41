package payment

import (
	"context"
	"errors"
	"time"

	"github.com/d1gallar/forest/internal/domain"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const maxAttempts = 2

// ResilientGateway decorates a Gateway with a per-call deadline, a single
// retry for transient failures and a circuit breaker.
type ResilientGateway struct {
	next    Gateway
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]
	log     zerolog.Logger
}

func NewResilientGateway(next Gateway, timeout time.Duration, logger zerolog.Logger) *ResilientGateway {
	log := logger.With().Str("component", "payment_gateway").Logger()
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Card declines and validation errors are the caller's problem, not
		// the provider's.
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &ResilientGateway{next: next, timeout: timeout, cb: cb, log: log}
}

func do[T any](g *ResilientGateway, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := g.cb.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return fn(callCtx)
		})
		if err == nil {
			return res.(T), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, domain.NewGatewayUnavailable(err)
		}
		if !domain.IsTransient(err) {
			return zero, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		g.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient gateway failure")
	}
	return zero, domain.NewGatewayUnavailable(lastErr)
}

func (g *ResilientGateway) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	return do(g, ctx, "create_intent", func(ctx context.Context) (*Intent, error) {
		return g.next.CreateIntent(ctx, p)
	})
}

func (g *ResilientGateway) UpdateIntent(ctx context.Context, id string, p UpdateIntentParams) (*Intent, error) {
	return do(g, ctx, "update_intent", func(ctx context.Context) (*Intent, error) {
		return g.next.UpdateIntent(ctx, id, p)
	})
}

func (g *ResilientGateway) ConfirmIntent(ctx context.Context, id string, p ConfirmIntentParams) (*Intent, error) {
	return do(g, ctx, "confirm_intent", func(ctx context.Context) (*Intent, error) {
		return g.next.ConfirmIntent(ctx, id, p)
	})
}

func (g *ResilientGateway) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	return do(g, ctx, "cancel_intent", func(ctx context.Context) (*Intent, error) {
		return g.next.CancelIntent(ctx, id)
	})
}

func (g *ResilientGateway) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	return do(g, ctx, "retrieve_intent", func(ctx context.Context) (*Intent, error) {
		return g.next.RetrieveIntent(ctx, id)
	})
}

func (g *ResilientGateway) RetrievePaymentMethod(ctx context.Context, id string) (*PaymentMethod, error) {
	return do(g, ctx, "retrieve_payment_method", func(ctx context.Context) (*PaymentMethod, error) {
		return g.next.RetrievePaymentMethod(ctx, id)
	})
}

func (g *ResilientGateway) Refund(ctx context.Context, p RefundParams) (string, error) {
	return do(g, ctx, "refund", func(ctx context.Context) (string, error) {
		return g.next.Refund(ctx, p)
	})
}
