package challenge

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet challenges.
type Handler struct {
	service *Service
}

// NewHandler creates a new challenge handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet challenge routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/challenge", h.RequestChallenge)
	r.POST("/wallet/verify", h.Verify)
}

// ChallengeRequest asks for a challenge for a wallet.
type ChallengeRequest struct {
	PublicKey string `json:"publicKey" binding:"required"`
}

// VerifyRequest submits a signed challenge.
type VerifyRequest struct {
	PublicKey string `json:"publicKey" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// RequestChallenge handles POST /v1/wallet/challenge
func (h *Handler) RequestChallenge(c *gin.Context) {
	var req ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "publicKey is required",
		})
		return
	}

	msg, err := h.service.RequestChallenge(c.Request.Context(), req.PublicKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// Verify handles POST /v1/wallet/verify
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "publicKey and signature are required",
		})
		return
	}

	ok, err := h.service.VerifyAndConsume(c.Request.Context(), req.PublicKey, req.Signature)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Signature does not match the pending challenge",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "publicKey": req.PublicKey})
}

func respondError(c *gin.Context, err error) {
	var keyErr *InvalidKeyFormatError
	switch {
	case errors.As(err, &keyErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_public_key", "message": "Invalid public key format"})
	case errors.Is(err, ErrNoChallenge):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_challenge", "message": "No pending challenge; request a new one"})
	case errors.Is(err, ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Challenge store unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Challenge operation failed"})
	}
}
