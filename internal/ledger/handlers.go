package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kasoahq/kasoa/internal/money"
	"github.com/kasoahq/kasoa/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:kind/:id/balance", h.GetBalance)
	r.GET("/accounts/:kind/:id/ledger", h.GetHistory)
	r.POST("/sellers/:id/account", h.CreateSellerAccount)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/adjustments", h.AdminAdjust)
	r.GET("/admin/reconcile", h.Reconcile)
	r.GET("/admin/audit", h.QueryAudit)
}

func accountKeyFromParams(c *gin.Context) (string, bool) {
	ref := AccountRef{Kind: OwnerKind(c.Param("kind")), ID: c.Param("id")}
	if !ref.Kind.Valid() || ref.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_account",
			"message": "Account kind must be buyer, seller or admin",
		})
		return "", false
	}
	return ref.Key(), true
}

// GetBalance handles GET /accounts/:kind/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	key, ok := accountKeyFromParams(c)
	if !ok {
		return
	}

	account, err := h.ledger.GetBalance(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "Account does not exist",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":   account,
		"formatted": money.Format(account.Available()),
	})
}

// GetHistory handles GET /accounts/:kind/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	key, ok := accountKeyFromParams(c)
	if !ok {
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), key, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// CreateSellerAccount handles POST /sellers/:id/account (onboarding).
func (h *Handler) CreateSellerAccount(c *gin.Context) {
	sellerID := validation.SanitizeString(c.Param("id"), 64)
	if sellerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_seller",
			"message": "Seller ID is required",
		})
		return
	}

	account, err := h.ledger.CreateSellerAccount(c.Request.Context(), sellerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "account_error",
			"message": "Failed to create seller account",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": account,
	})
}

// AdjustRequest for manual balance corrections.
type AdjustRequest struct {
	AccountKey string `json:"accountKey" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	Direction  string `json:"direction" binding:"required"` // credit | debit
	Reason     string `json:"reason" binding:"required"`
	Reference  string `json:"reference,omitempty"`
}

// AdminAdjust handles POST /admin/adjustments
func (h *Handler) AdminAdjust(c *gin.Context) {
	var req AdjustRequest
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

	ctx := WithActor(c.Request.Context(), "admin", c.GetHeader("X-Actor-ID"))
	ctx = WithAuditIP(ctx, c.ClientIP())

	var (
		result *Result
		err    error
	)
	switch req.Direction {
	case "credit":
		result, err = h.ledger.Credit(ctx, req.AccountKey, amount, KindAdminAdjust, req.Reason, req.Reference)
	case "debit":
		result, err = h.ledger.Debit(ctx, req.AccountKey, amount, KindAdminAdjust, req.Reason, req.Reference)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_direction",
			"message": "Direction must be credit or debit",
		})
		return
	}

	if err != nil {
		status, code := http.StatusInternalServerError, "adjustment_error"
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			status, code = http.StatusBadRequest, "insufficient_funds"
		case errors.Is(err, ErrAccountNotFound):
			status, code = http.StatusNotFound, "account_not_found"
		case errors.Is(err, ErrInvalidAccountKey):
			status, code = http.StatusBadRequest, "invalid_account"
		case errors.Is(err, ErrAccountBusy):
			status, code = http.StatusConflict, "account_busy"
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// Reconcile handles GET /admin/reconcile, replaying entries vs stored balances.
func (h *Handler) Reconcile(c *gin.Context) {
	results, err := h.ledger.ReconcileAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_error",
			"message": err.Error(),
		})
		return
	}

	// Filter to show only discrepancies if requested
	if c.Query("discrepancies") == "true" {
		var filtered []*ReconcileResult
		for _, r := range results {
			if !r.Match {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

// QueryAudit handles GET /admin/audit?account=&from=&to=&operation=
func (h *Handler) QueryAudit(c *gin.Context) {
	if h.ledger.audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_configured",
			"message": "Audit logging is not enabled",
		})
		return
	}

	accountKey := c.Query("account")
	if accountKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_account",
			"message": "account query parameter is required",
		})
		return
	}

	from := time.Time{}
	to := time.Now()
	if fromStr := c.Query("from"); fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			from = t
		}
	}
	if toStr := c.Query("to"); toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			to = t
		}
	}

	operation := c.Query("operation")
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := h.ledger.audit.Query(c.Request.Context(), accountKey, from, to, operation, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_error",
			"message": "Failed to query audit log",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}
