package http

import (
	"net/http"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/service"
	"github.com/go-chi/chi/v5"
)

type CreateIntentRequestDTO struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

type ShippingDTO struct {
	Address               *d.Address `json:"address"`
	BillingSameAsShipping bool       `json:"billingSameAsShipping"`
	BillingAddress        *d.Address `json:"billingAddress"`
}

// UpdateIntentRequestDTO carries one or both of the personal info and
// shipping steps. Personal info is applied first.
type UpdateIntentRequestDTO struct {
	PaymentID    string          `json:"paymentId"`
	PersonalInfo *d.PersonalInfo `json:"personalInfo"`
	Shipping     *ShippingDTO    `json:"shipping"`
}

type ConfirmIntentRequestDTO struct {
	PaymentID       string     `json:"paymentId"`
	PaymentMethodID string     `json:"paymentMethodId"`
	BillingAddress  *d.Address `json:"billingAddress"`
}

type PaymentRequestDTO struct {
	PaymentID string `json:"paymentId"`
}

type PaymentMethodRequestDTO struct {
	PaymentMethodID string `json:"paymentMethodId"`
}

func requirePaymentID(id string) error {
	if id == "" {
		return d.NewFieldError("paymentId", "paymentId is required")
	}
	return nil
}

func (h *handler) stripeConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.log, http.StatusOK, map[string]string{"publishableKey": h.cfg.PublishableKey})
}

func (h *handler) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequestDTO
	if err := h.decodeOptional(w, r, &req); err != nil {
		respondError(w, h.log, err)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	res, err := h.Checkout.Start(r.Context(), currentUser(r), key)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

func (h *handler) updatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req UpdateIntentRequestDTO
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.log, err)
		return
	}
	if err := requirePaymentID(req.PaymentID); err != nil {
		respondError(w, h.log, err)
		return
	}
	if req.PersonalInfo == nil && req.Shipping == nil {
		respondError(w, h.log, d.NewValidationError("invalid_request", "personalInfo or shipping is required"))
		return
	}

	ctx, userID := r.Context(), currentUser(r)
	var (
		res *service.CheckoutResult
		err error
	)
	if req.PersonalInfo != nil {
		if res, err = h.Checkout.CollectPersonalInfo(ctx, userID, req.PaymentID, *req.PersonalInfo); err != nil {
			respondError(w, h.log, err)
			return
		}
	}
	if req.Shipping != nil {
		res, err = h.Checkout.CollectShipping(ctx, userID, req.PaymentID, service.ShippingRequest{
			Shipping:              req.Shipping.Address,
			BillingSameAsShipping: req.Shipping.BillingSameAsShipping,
			Billing:               req.Shipping.BillingAddress,
		})
		if err != nil {
			respondError(w, h.log, err)
			return
		}
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

func (h *handler) confirmPaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req ConfirmIntentRequestDTO
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.log, err)
		return
	}
	if err := requirePaymentID(req.PaymentID); err != nil {
		respondError(w, h.log, err)
		return
	}
	res, err := h.Checkout.AuthorizePayment(r.Context(), currentUser(r), req.PaymentID, service.AuthorizeRequest{
		PaymentMethodID: req.PaymentMethodID,
		Billing:         req.BillingAddress,
	})
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

func (h *handler) cancelPaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequestDTO
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.log, err)
		return
	}
	if err := requirePaymentID(req.PaymentID); err != nil {
		respondError(w, h.log, err)
		return
	}
	res, err := h.Checkout.Abandon(r.Context(), currentUser(r), req.PaymentID)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

func (h *handler) retrievePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequestDTO
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.log, err)
		return
	}
	if err := requirePaymentID(req.PaymentID); err != nil {
		respondError(w, h.log, err)
		return
	}
	intent, err := h.Checkout.RetrieveIntent(r.Context(), currentUser(r), req.PaymentID)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, intent)
}

func (h *handler) retrievePaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req PaymentMethodRequestDTO
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.log, err)
		return
	}
	if req.PaymentMethodID == "" {
		respondError(w, h.log, d.NewFieldError("paymentMethodId", "paymentMethodId is required"))
		return
	}
	pm, err := h.Checkout.RetrievePaymentMethod(r.Context(), req.PaymentMethodID)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, pm)
}

func (h *handler) getCheckout(w http.ResponseWriter, r *http.Request) {
	res, err := h.Checkout.GetSession(r.Context(), currentUser(r), chi.URLParam(r, "paymentId"))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}
