package http

import (
	"errors"
	"net/http"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/go-chi/chi/v5"
)

type RefundRequestDTO struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// RefundResponseDTO reports a cancellation. Pending is set when the order was
// cancelled but the provider refund still has to be retried.
type RefundResponseDTO struct {
	Refund  *d.Refund `json:"refund"`
	Pending bool      `json:"pending"`
}

const defaultRefundReason = "requested_by_customer"

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Orders.List(r.Context(), currentUser(r))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, orders)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.Get(r.Context(), currentUser(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, order)
}

func (h *handler) getOrderByPayment(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.FindByPayment(r.Context(), currentUser(r), chi.URLParam(r, "paymentId"))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, order)
}

func (h *handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	var upd d.OrderUpdate
	if err := h.decode(w, r, &upd); err != nil {
		respondError(w, h.log, err)
		return
	}
	order, err := h.Orders.Update(r.Context(), currentUser(r), chi.URLParam(r, "id"), upd)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, order)
}

func (h *handler) createRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequestDTO
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.log, err)
		return
	}
	if req.OrderID == "" {
		respondError(w, h.log, d.NewFieldError("orderId", "orderId is required"))
		return
	}
	if req.Reason == "" {
		req.Reason = defaultRefundReason
	}

	refund, err := h.Orders.Cancel(r.Context(), currentUser(r), req.OrderID, req.Reason)
	var de *d.Error
	if err != nil && refund != nil && errors.As(err, &de) && de.Code == "refund_pending" {
		respondJSON(w, h.log, http.StatusAccepted, RefundResponseDTO{Refund: refund, Pending: true})
		return
	}
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusCreated, RefundResponseDTO{Refund: refund})
}

func (h *handler) getRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.Orders.GetRefund(r.Context(), currentUser(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, refund)
}
