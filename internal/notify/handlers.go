package notify

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kasoahq/kasoa/internal/idgen"
	"github.com/kasoahq/kasoa/internal/ledger"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:kind/:id/webhooks", h.CreateSubscription)
	r.GET("/accounts/:kind/:id/webhooks", h.ListSubscriptions)
	r.DELETE("/accounts/:kind/:id/webhooks/:webhookId", h.DeleteSubscription)
}

func ownerKeyFromParams(c *gin.Context) (string, bool) {
	ref := ledger.AccountRef{Kind: ledger.OwnerKind(c.Param("kind")), ID: c.Param("id")}
	if !ref.Kind.Valid() || ref.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_account",
			"message": "Account kind must be buyer, seller or admin",
		})
		return "", false
	}
	return ref.Key(), true
}

// CreateSubscriptionRequest registers a webhook endpoint.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /accounts/:kind/:id/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	ownerKey, ok := ownerKeyFromParams(c)
	if !ok {
		return
	}

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": "URL must be an absolute http or https URL",
		})
		return
	}

	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_events",
			"message": "At least one event type is required",
		})
		return
	}
	for _, e := range req.Events {
		if !ValidEvent(e) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_events",
				"message": "Unknown event type: " + e,
			})
			return
		}
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		OwnerKey:  ownerKey,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Kasoa-Signature",
		},
	})
}

// ListSubscriptions handles GET /accounts/:kind/:id/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	ownerKey, ok := ownerKeyFromParams(c)
	if !ok {
		return
	}

	subs, err := h.store.GetByOwner(c.Request.Context(), ownerKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// DeleteSubscription handles DELETE /accounts/:kind/:id/webhooks/:webhookId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	ownerKey, ok := ownerKeyFromParams(c)
	if !ok {
		return
	}

	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	if err != nil || sub.OwnerKey != ownerKey {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "subscription_not_found",
			"message": "Subscription does not exist",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "subscription_not_found",
				"message": "Subscription does not exist",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
