package escrow

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tixpay/internal/stellar"
)

// Handler provides HTTP endpoints for escrow account operations.
type Handler struct {
	provisioner *Provisioner
}

// NewHandler creates a new escrow handler.
func NewHandler(provisioner *Provisioner) *Handler {
	return &Handler{provisioner: provisioner}
}

// ReleaseRequest contains the parameters for releasing an escrow account.
type ReleaseRequest struct {
	Destination string `json:"destination" binding:"required"`
}

// PayoutRequest contains the parameters for a partial payout. An empty or
// XLM asset code pays the native asset; credit assets need an issuer.
type PayoutRequest struct {
	Destination string `json:"destination" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	AssetCode   string `json:"assetCode"`
	AssetIssuer string `json:"assetIssuer"`
}

func (r PayoutRequest) asset() (stellar.Asset, bool) {
	if r.AssetCode == "" || strings.EqualFold(r.AssetCode, stellar.NativeCode) {
		return stellar.Native(), true
	}
	if r.AssetIssuer == "" {
		return stellar.Asset{}, false
	}
	return stellar.Credit(r.AssetCode, r.AssetIssuer), true
}

// RegisterRoutes sets up escrow routes. They move funds, so r must carry
// the operator admin check.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:eventId", h.GetAccount)
	r.POST("/escrow/:eventId", h.Provision)
	r.POST("/escrow/:eventId/release", h.Release)
	r.POST("/escrow/:eventId/payout", h.Payout)
}

// GetAccount handles GET /v1/escrow/:eventId
func (h *Handler) GetAccount(c *gin.Context) {
	eventID := c.Param("eventId")

	acct, err := h.provisioner.Get(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	balance, err := h.provisioner.Balance(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": acct, "nativeBalance": balance})
}

// Provision handles POST /v1/escrow/:eventId
func (h *Handler) Provision(c *gin.Context) {
	acct, err := h.provisioner.Provision(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// Release handles POST /v1/escrow/:eventId/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "destination is required",
		})
		return
	}

	acct, err := h.provisioner.Release(c.Request.Context(), c.Param("eventId"), req.Destination)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// Payout handles POST /v1/escrow/:eventId/payout
func (h *Handler) Payout(c *gin.Context) {
	var req PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "destination and amount are required",
		})
		return
	}
	asset, ok := req.asset()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "assetIssuer is required for credit assets",
		})
		return
	}

	res, err := h.provisioner.Payout(c.Request.Context(), c.Param("eventId"), req.Destination, req.Amount, asset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactionHash": res.Hash,
		"ledger":          res.Ledger,
	})
}

func respondError(c *gin.Context, err error) {
	var rejected *stellar.RejectedError
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow account not found"})
	case errors.Is(err, ErrInvalidDestination):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_destination", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, ErrAlreadyProvisioned), errors.Is(err, ErrAlreadyReleased), errors.Is(err, ErrNotFunded):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.As(err, &rejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "ledger_rejected",
			"message":    rejected.Error(),
			"resultCode": rejected.TransactionCode,
		})
	case errors.Is(err, stellar.ErrLedgerUnavailable), errors.Is(err, ErrFundingNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Escrow operation failed"})
	}
}
