package billing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/commercekit/fulfillment/internal/domain"
)

type Handler struct {
	service *Service
	repo    *BillRepository
	logger  *slog.Logger
}

func NewHandler(service *Service, repo *BillRepository, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		repo:    repo,
		logger:  logger,
	}
}

type convertRequest struct {
	PaymentMethod string `json:"payment_method"`
}

func (h *Handler) HandleConvert(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderId")
	if orderID == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	paymentMethod, err := domain.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bill, err := h.service.ConvertOrderToBill(r.Context(), orderID, paymentMethod)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, domain.ErrAlreadyConverted):
			h.writeError(w, http.StatusConflict, "order already converted to bill")
		default:
			h.logger.Error("failed to convert order to bill", "error", err, "order_id", orderID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("order converted to bill", "order_id", orderID, "bill_id", bill.ID)
	h.writeJSON(w, http.StatusCreated, bill)
}

func (h *Handler) HandleMarkPaid(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing bill id")
		return
	}

	bill, err := h.service.MarkBillAsPaid(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrBillNotFound) {
			h.writeError(w, http.StatusNotFound, "bill not found")
			return
		}
		h.logger.Error("failed to mark bill as paid", "error", err, "bill_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("bill marked as paid", "bill_id", id)
	h.writeJSON(w, http.StatusOK, bill)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing bill id")
		return
	}

	bill, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get bill", "error", err, "bill_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if bill == nil {
		h.writeError(w, http.StatusNotFound, "bill not found")
		return
	}

	h.writeJSON(w, http.StatusOK, bill)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	bills, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list bills", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, bills)
}

func (h *Handler) HandleListByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	bills, err := h.repo.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list bills", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, bills)
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
