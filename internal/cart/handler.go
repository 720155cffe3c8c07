package cart

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/commercekit/fulfillment/internal/domain"
)

type Handler struct {
	repo   *CartRepository
	logger *slog.Logger
}

func NewHandler(repo *CartRepository, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	carts, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list carts", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, carts)
}

func (h *Handler) HandleGetByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	cart, err := h.repo.GetByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get cart", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if cart == nil {
		h.writeError(w, http.StatusNotFound, "cart not found")
		return
	}

	h.writeJSON(w, http.StatusOK, cart)
}

type addLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) HandleAddLine(w http.ResponseWriter, r *http.Request) {
	cartID := r.PathValue("cartId")
	if cartID == "" {
		h.writeError(w, http.StatusBadRequest, "missing cart id")
		return
	}

	var req addLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	if err := h.repo.AddLine(r.Context(), cartID, req.ProductID, req.Quantity); err != nil {
		h.respondError(w, err, "failed to add cart line", cartID, req.ProductID)
		return
	}

	h.logger.Info("cart line added", "cart_id", cartID, "product_id", req.ProductID, "quantity", req.Quantity)
	w.WriteHeader(http.StatusNoContent)
}

type updateLineRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) HandleUpdateLine(w http.ResponseWriter, r *http.Request) {
	cartID := r.PathValue("cartId")
	productID := r.PathValue("productId")
	if cartID == "" || productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing cart or product id")
		return
	}

	var req updateLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.repo.UpdateQuantity(r.Context(), cartID, productID, req.Quantity); err != nil {
		h.respondError(w, err, "failed to update cart line", cartID, productID)
		return
	}

	h.logger.Info("cart line updated", "cart_id", cartID, "product_id", productID, "quantity", req.Quantity)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRemoveLine(w http.ResponseWriter, r *http.Request) {
	cartID := r.PathValue("cartId")
	productID := r.PathValue("productId")
	if cartID == "" || productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing cart or product id")
		return
	}

	if err := h.repo.RemoveLine(r.Context(), cartID, productID); err != nil {
		h.respondError(w, err, "failed to remove cart line", cartID, productID)
		return
	}

	h.logger.Info("cart line removed", "cart_id", cartID, "product_id", productID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	cartID := r.PathValue("cartId")
	if cartID == "" {
		h.writeError(w, http.StatusBadRequest, "missing cart id")
		return
	}

	if err := h.repo.Clear(r.Context(), h.repo.db, cartID); err != nil {
		h.respondError(w, err, "failed to clear cart", cartID, "")
		return
	}

	h.logger.Info("cart cleared", "cart_id", cartID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error, msg, cartID, productID string) {
	switch {
	case errors.Is(err, domain.ErrCartNotFound):
		h.writeError(w, http.StatusNotFound, "cart not found")
	case errors.Is(err, domain.ErrProductNotFound):
		h.writeError(w, http.StatusNotFound, "product not found")
	case errors.Is(err, domain.ErrLineNotFound):
		h.writeError(w, http.StatusNotFound, "product not in cart")
	case errors.Is(err, domain.ErrInvalidQuantity):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error(msg, "error", err, "cart_id", cartID, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
