package orders

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kasoahq/kasoa/internal/pagination"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.PUT("/orders/:id/status", h.TransitionOrder)
	r.GET("/sellers/:id/orders", h.ListSellerOrders)
	r.GET("/buyers/:id/orders", h.ListBuyerOrders)
}

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	order, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidOrder) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_order",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_error",
			"message": "Failed to create order",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "order_not_found",
				"message": "Order does not exist",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_error",
			"message": "Failed to retrieve order",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// TransitionOrder handles PUT /orders/:id/status
func (h *Handler) TransitionOrder(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	order, err := h.service.Transition(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		status, code := http.StatusInternalServerError, "transition_error"
		switch {
		case errors.Is(err, ErrOrderNotFound):
			status, code = http.StatusNotFound, "order_not_found"
		case errors.Is(err, ErrInvalidStatus):
			status, code = http.StatusBadRequest, "invalid_status"
		case errors.Is(err, ErrUnauthorized):
			status, code = http.StatusForbidden, "unauthorized"
		case errors.Is(err, ErrPaymentPending):
			status, code = http.StatusConflict, "payment_pending"
		case errors.Is(err, ErrInvalidTransition):
			status, code = http.StatusConflict, "invalid_transition"
		case errors.Is(err, ErrStaleOrder):
			status, code = http.StatusConflict, "stale_order"
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": gin.H{
			"id":            order.ID,
			"orderNumber":   order.OrderNumber,
			"currentStatus": order.CurrentStatus,
			"tracking":      order.Tracking,
		},
	})
}

// ListSellerOrders handles GET /sellers/:id/orders
func (h *Handler) ListSellerOrders(c *gin.Context) {
	h.list(c, func(limit int, before *pagination.Cursor) ([]*Order, error) {
		return h.service.ListBySeller(c.Request.Context(), c.Param("id"), limit, before)
	})
}

// ListBuyerOrders handles GET /buyers/:id/orders
func (h *Handler) ListBuyerOrders(c *gin.Context) {
	h.list(c, func(limit int, before *pagination.Cursor) ([]*Order, error) {
		return h.service.ListByBuyer(c.Request.Context(), c.Param("id"), limit, before)
	})
}

func (h *Handler) list(c *gin.Context, fetch func(limit int, before *pagination.Cursor) ([]*Order, error)) {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	orders, err := fetch(limit+1, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_error",
			"message": "Failed to list orders",
		})
		return
	}

	orders, next, hasMore := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})

	resp := gin.H{
		"orders":  orders,
		"count":   len(orders),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
