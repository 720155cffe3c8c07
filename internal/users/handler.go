package users

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/commercekit/fulfillment/internal/cart"
	"github.com/commercekit/fulfillment/internal/domain"
)

type Handler struct {
	repo   *UserRepository
	carts  *cart.CartRepository
	logger *slog.Logger
}

func NewHandler(repo *UserRepository, carts *cart.CartRepository, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		carts:  carts,
		logger: logger,
	}
}

type registerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type registerResponse struct {
	User domain.User `json:"user"`
	Cart domain.Cart `json:"cart"`
}

// HandleRegister creates the user together with their cart: one cart per
// user, present from registration on.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Email == "" {
		h.writeError(w, http.StatusBadRequest, "name and email are required")
		return
	}

	user := &domain.User{Name: req.Name, Email: req.Email}
	if err := h.repo.Create(r.Context(), user); err != nil {
		h.logger.Error("failed to create user", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	userCart, err := h.carts.CreateForUser(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to create cart for user", "error", err, "user_id", user.ID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("user registered", "user_id", user.ID, "cart_id", userCart.ID)
	h.writeJSON(w, http.StatusCreated, registerResponse{User: *user, Cart: *userCart})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("userId")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	user, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get user", "error", err, "user_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if user == nil {
		h.writeError(w, http.StatusNotFound, "user not found")
		return
	}

	h.writeJSON(w, http.StatusOK, user)
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
