package payments

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kasoahq/kasoa/internal/ledger"
	"github.com/kasoahq/kasoa/internal/money"
	"github.com/kasoahq/kasoa/internal/orders"
	"github.com/kasoahq/kasoa/internal/validation"
)

// Handler provides HTTP endpoints for checkout and top-ups.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/pay", h.PayWithWallet)
	r.POST("/topups", h.InitTopup)
	r.GET("/topups/:id", h.GetTopup)
	r.GET("/buyers/:id/topups", h.ListTopups)
}

// RegisterWebhookRoutes sets up the Stripe webhook endpoint. Registered
// separately because it bypasses the usual auth middleware.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// PayRequest identifies the buyer paying for an order.
type PayRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
}

// PayWithWallet handles POST /orders/:id/pay
func (h *Handler) PayWithWallet(c *gin.Context) {
	orderID := c.Param("id")

	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	order, err := h.service.PayWithWallet(c.Request.Context(), orderID, req.BuyerID)
	if err != nil {
		status, code := http.StatusInternalServerError, "payment_error"
		switch {
		case errors.Is(err, orders.ErrOrderNotFound):
			status, code = http.StatusNotFound, "order_not_found"
		case errors.Is(err, orders.ErrUnauthorized):
			status, code = http.StatusForbidden, "unauthorized"
		case errors.Is(err, ErrNotWalletOrder):
			status, code = http.StatusBadRequest, "not_wallet_order"
		case errors.Is(err, ErrAlreadyPaid):
			status, code = http.StatusConflict, "already_paid"
		case errors.Is(err, ledger.ErrInsufficientFunds):
			status, code = http.StatusPaymentRequired, "insufficient_funds"
		case errors.Is(err, ledger.ErrAccountNotFound):
			status, code = http.StatusPaymentRequired, "insufficient_funds"
		case errors.Is(err, ledger.ErrAccountBusy):
			status, code = http.StatusConflict, "account_busy"
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
	})
}

// TopupRequest initiates a wallet top-up.
type TopupRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// InitTopup handles POST /topups
func (h *Handler) InitTopup(c *gin.Context) {
	var req TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, ok := money.Parse(req.Amount)
	if !ok || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal with at most 2 decimal places",
		})
		return
	}

	topup, clientSecret, err := h.service.InitTopup(c.Request.Context(), req.BuyerID, amount)
	if err != nil {
		if errors.Is(err, ErrStripeDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "topups_disabled",
				"message": "Card top-ups are not available",
			})
			return
		}
		h.logger.Error("topup init failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "topup_error",
			"message": "Failed to initiate top-up",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"topup":        topup,
		"clientSecret": clientSecret,
	})
}

// GetTopup handles GET /topups/:id
func (h *Handler) GetTopup(c *gin.Context) {
	topup, err := h.service.GetTopup(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTopupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "topup_not_found",
				"message": "Top-up does not exist",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "topup_error",
			"message": "Failed to retrieve top-up",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"topup": topup})
}

// ListTopups handles GET /buyers/:id/topups
func (h *Handler) ListTopups(c *gin.Context) {
	buyerID := validation.SanitizeString(c.Param("id"), 64)
	if buyerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_buyer",
			"message": "Buyer ID is required",
		})
		return
	}

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			limit = n
		}
	}

	topups, err := h.service.ListTopups(c.Request.Context(), buyerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "topup_error",
			"message": "Failed to list top-ups",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"topups": topups,
		"count":  len(topups),
	})
}

// StripeWebhook handles POST /webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_error"})
		return
	}

	err = h.service.HandleStripeWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, ErrBadWebhook) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
			return
		}
		// Processing failure: 500 so Stripe retries the delivery.
		h.logger.Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
