package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tixpay/internal/stellar"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/intent", h.CreateIntent)
	r.POST("/payments/confirm", h.Confirm)
	r.GET("/payments/:id", h.GetPayment)
}

// IntentRequest asks for a payment intent. UserID is used only when no
// authenticated user is present on the request.
type IntentRequest struct {
	EventID string `json:"eventId" binding:"required"`
	UserID  string `json:"userId"`
}

// ConfirmRequest submits a ledger transaction for confirmation.
type ConfirmRequest struct {
	TransactionHash string `json:"transactionHash" binding:"required"`
}

// CreateIntent handles POST /v1/payments/intent
func (h *Handler) CreateIntent(c *gin.Context) {
	var req IntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "eventId is required",
		})
		return
	}

	payer := c.GetString("authUserID")
	if payer == "" {
		payer = req.UserID
	}
	if payer == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "payer is required",
		})
		return
	}

	intent, err := h.service.CreatePaymentIntent(c.Request.Context(), req.EventID, payer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"intent": intent})
}

// Confirm handles POST /v1/payments/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transactionHash is required",
		})
		return
	}

	payment, err := h.service.ConfirmPayment(c.Request.Context(), req.TransactionHash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment not found"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

func respondError(c *gin.Context, err error) {
	var cerr *ConfirmationError
	switch {
	case errors.As(err, &cerr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     "payment_failed",
			"message":   cerr.Error(),
			"reason":    cerr.Reason,
			"paymentId": cerr.PaymentID,
		})
	case errors.Is(err, ErrUnsupportedAsset), errors.Is(err, ErrMissingMemo):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrEventNotFound), errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrEventNotPurchasable), errors.Is(err, ErrTransactionFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "not_allowed", "message": err.Error()})
	case errors.Is(err, stellar.ErrLedgerUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "Ledger unavailable, retry later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Payment operation failed"})
	}
}
