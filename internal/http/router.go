// Package http exposes the storefront over REST.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/d1gallar/forest/internal/auth"
	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/payment"
	"github.com/d1gallar/forest/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type CartAPI interface {
	GetCart(ctx context.Context, userID string) (*d.Cart, error)
	CreateCart(ctx context.Context, userID string) (*d.Cart, error)
	AddItem(ctx context.Context, userID, productID string, quantity int) (*d.Cart, error)
	SetQuantity(ctx context.Context, userID, productID string, quantity int) (*d.Cart, error)
	RemoveItem(ctx context.Context, userID, productID string) (*d.Cart, error)
	Clear(ctx context.Context, userID string) (*d.Cart, error)
	GetPopulated(ctx context.Context, userID string) (*d.PopulatedCart, error)
}

type CheckoutAPI interface {
	Start(ctx context.Context, userID, idempotencyKey string) (*service.CheckoutResult, error)
	GetSession(ctx context.Context, userID, paymentID string) (*service.CheckoutResult, error)
	CollectPersonalInfo(ctx context.Context, userID, paymentID string, info d.PersonalInfo) (*service.CheckoutResult, error)
	CollectShipping(ctx context.Context, userID, paymentID string, req service.ShippingRequest) (*service.CheckoutResult, error)
	AuthorizePayment(ctx context.Context, userID, paymentID string, req service.AuthorizeRequest) (*service.CheckoutResult, error)
	Abandon(ctx context.Context, userID, paymentID string) (*service.CheckoutResult, error)
	RetrieveIntent(ctx context.Context, userID, paymentID string) (*payment.Intent, error)
	RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (*payment.PaymentMethod, error)
}

type OrderAPI interface {
	Get(ctx context.Context, userID, id string) (*d.Order, error)
	List(ctx context.Context, userID string) ([]*d.Order, error)
	FindByPayment(ctx context.Context, userID, paymentID string) (*d.Order, error)
	Update(ctx context.Context, userID, id string, upd d.OrderUpdate) (*d.Order, error)
	Cancel(ctx context.Context, userID, id, reason string) (*d.Refund, error)
	GetRefund(ctx context.Context, userID, id string) (*d.Refund, error)
}

type WebhookHandler interface {
	Handle(ctx context.Context, ev *payment.Event) error
}

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Carts    CartAPI
	Checkout CheckoutAPI
	Orders   OrderAPI
	Webhooks WebhookHandler
	Verifier payment.WebhookVerifier
	Tokens   TokenVerifier
	Checks   map[string]HealthCheck
}

type Config struct {
	RequestTimeout     time.Duration
	PublishableKey     string
	MaxRequestBodySize int64
}

type handler struct {
	Deps
	cfg Config
	log zerolog.Logger
}

func NewRouter(deps Deps, cfg Config, logger zerolog.Logger) http.Handler {
	if cfg.MaxRequestBodySize == 0 {
		cfg.MaxRequestBodySize = 1 << 20 // 1MB
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	h := &handler{Deps: deps, cfg: cfg, log: logger.With().Str("component", "http").Logger()}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(h.log))
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", h.health)

	// Signed by the provider, not the user.
	r.Post("/stripe/webhook", h.webhook)
	r.Post("/payments/webhook", h.webhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Use(AuthMiddleware(deps.Tokens, h.log))

		r.Route("/cart", func(r chi.Router) {
			r.Post("/", h.createCart)
			r.Patch("/clear", h.clearCart)
			r.Get("/{userId}", h.getCart)
			r.Get("/{userId}/populate", h.getPopulatedCart)
			r.Patch("/{userId}/{productId}/add", h.addItem)
			r.Patch("/{userId}/{productId}/quantity", h.setQuantity)
			r.Patch("/{userId}/{productId}/remove", h.removeItem)
		})

		r.Route("/stripe", func(r chi.Router) {
			r.Get("/config", h.stripeConfig)
			r.Post("/create-payment-intent", h.createPaymentIntent)
			r.Post("/update-payment-intent", h.updatePaymentIntent)
			r.Post("/confirm-payment-intent", h.confirmPaymentIntent)
			r.Post("/cancel-payment-intent", h.cancelPaymentIntent)
			r.Post("/retrieve-payment-intent", h.retrievePaymentIntent)
			r.Post("/retrieve-payment-method", h.retrievePaymentMethod)
		})
		r.Get("/checkout/{paymentId}", h.getCheckout)

		r.Route("/order", func(r chi.Router) {
			r.Get("/", h.listOrders)
			r.Get("/payment/{paymentId}", h.getOrderByPayment)
			r.Get("/{id}", h.getOrder)
			r.Patch("/{id}", h.updateOrder)
		})

		r.Route("/refund", func(r chi.Router) {
			r.Post("/", h.createRefund)
			r.Get("/{id}", h.getRefund)
		})
	})

	return otelhttp.NewHandler(r, "storefront")
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range h.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
		cancel()
	}
	if len(failed) > 0 {
		respondJSON(w, h.log, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "checks": failed})
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]string{"status": "ok"})
}

// currentUser returns the authenticated caller. Routes behind AuthMiddleware
// always have one.
func currentUser(r *http.Request) string {
	userID, _ := auth.UserIDFrom(r.Context())
	return userID
}

// ownUser checks that the {userId} path segment names the caller.
func ownUser(r *http.Request) (string, error) {
	userID := currentUser(r)
	if chi.URLParam(r, "userId") != userID {
		return "", d.NewUnauthorizedError("cannot access another user's cart")
	}
	return userID, nil
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return d.NewValidationError("invalid_request", "invalid JSON body")
	}
	return nil
}

// decodeOptional is decode for bodies that may be empty.
func (h *handler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return d.NewValidationError("invalid_request", "invalid JSON body")
	}
	return nil
}
