package http

import (
	"context"
	"net/http"

	d "github.com/d1gallar/forest/internal/domain"
	"github.com/go-chi/chi/v5"
)

type QuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

type ClearCartRequestDTO struct {
	UserID string `json:"userId"`
}

func (h *handler) createCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.Carts.CreateCart(r.Context(), currentUser(r))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusCreated, cart)
}

func (h *handler) getCart(w http.ResponseWriter, r *http.Request) {
	userID, err := ownUser(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	cart, err := h.Carts.GetCart(r.Context(), userID)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, cart)
}

func (h *handler) getPopulatedCart(w http.ResponseWriter, r *http.Request) {
	userID, err := ownUser(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	cart, err := h.Carts.GetPopulated(r.Context(), userID)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, cart)
}

func (h *handler) addItem(w http.ResponseWriter, r *http.Request) {
	h.changeQuantity(w, r, h.Carts.AddItem)
}

func (h *handler) setQuantity(w http.ResponseWriter, r *http.Request) {
	h.changeQuantity(w, r, h.Carts.SetQuantity)
}

type quantityOp func(ctx context.Context, userID, productID string, quantity int) (*d.Cart, error)

func (h *handler) changeQuantity(w http.ResponseWriter, r *http.Request, op quantityOp) {
	userID, err := ownUser(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	var req QuantityRequestDTO
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.log, err)
		return
	}
	cart, err := op(r.Context(), userID, chi.URLParam(r, "productId"), req.Quantity)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, cart)
}

func (h *handler) removeItem(w http.ResponseWriter, r *http.Request) {
	userID, err := ownUser(r)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	cart, err := h.Carts.RemoveItem(r.Context(), userID, chi.URLParam(r, "productId"))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, cart)
}

func (h *handler) clearCart(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)
	var req ClearCartRequestDTO
	if err := h.decodeOptional(w, r, &req); err != nil {
		respondError(w, h.log, err)
		return
	}
	if req.UserID != "" && req.UserID != userID {
		respondError(w, h.log, d.NewUnauthorizedError("cannot clear another user's cart"))
		return
	}
	cart, err := h.Carts.Clear(r.Context(), userID)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, cart)
}
