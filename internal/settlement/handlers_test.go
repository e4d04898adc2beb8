package settlement

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tixpay/internal/stellar"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set("authUserID", id)
		}
		c.Next()
	})
	NewHandler(env.svc).RegisterRoutes(v1)
	return r, env
}

func doJSON(r http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_IntentConfirmGet(t *testing.T) {
	router, env := setupTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/payments/intent", IntentRequest{EventID: "evt_usdc"}, "X-Test-User", "user_42")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Intent PaymentIntent `json:"intent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, escrowWallet, created.Intent.EscrowWallet)
	assert.Equal(t, "25", created.Intent.Amount.String())

	env.ledger.add(&stellar.TransactionView{
		Hash:       "tx_http",
		Memo:       created.Intent.Memo,
		Operations: []stellar.Operation{payOp(escrowWallet, usdcAsset(), "25.0000000")},
	})

	w = doJSON(router, http.MethodPost, "/v1/payments/confirm", ConfirmRequest{TransactionHash: "tx_http"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(router, http.MethodGet, "/v1/payments/"+created.Intent.PaymentID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Payment Payment `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, StatusConfirmed, got.Payment.Status)
	assert.Equal(t, "user_42", got.Payment.UserID)
	assert.Equal(t, "tx_http", got.Payment.TransactionHash)

	w = doJSON(router, http.MethodPost, "/v1/payments/confirm", ConfirmRequest{TransactionHash: "tx_http"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StatusMapping(t *testing.T) {
	router, env := setupTestRouter(t)
	intent := env.intent(t, "evt_usdc")
	env.ledger.add(&stellar.TransactionView{
		Hash:       "tx_short",
		Memo:       intent.Memo,
		Operations: []stellar.Operation{payOp(escrowWallet, usdcAsset(), "1")},
	})
	env.ledger.add(&stellar.TransactionView{Hash: "tx_nomemo", MemoType: "none"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing event id", http.MethodPost, "/v1/payments/intent", map[string]string{}, http.StatusBadRequest},
		{"missing payer", http.MethodPost, "/v1/payments/intent", IntentRequest{EventID: "evt_usdc"}, http.StatusBadRequest},
		{"unknown event", http.MethodPost, "/v1/payments/intent", IntentRequest{EventID: "nope", UserID: "u"}, http.StatusNotFound},
		{"draft event", http.MethodPost, "/v1/payments/intent", IntentRequest{EventID: "evt_draft", UserID: "u"}, http.StatusUnprocessableEntity},
		{"unsupported currency", http.MethodPost, "/v1/payments/intent", IntentRequest{EventID: "evt_eur", UserID: "u"}, http.StatusBadRequest},
		{"missing hash", http.MethodPost, "/v1/payments/confirm", map[string]string{}, http.StatusBadRequest},
		{"unknown tx", http.MethodPost, "/v1/payments/confirm", ConfirmRequest{TransactionHash: "nope"}, http.StatusNotFound},
		{"no memo", http.MethodPost, "/v1/payments/confirm", ConfirmRequest{TransactionHash: "tx_nomemo"}, http.StatusBadRequest},
		{"amount mismatch", http.MethodPost, "/v1/payments/confirm", ConfirmRequest{TransactionHash: "tx_short"}, http.StatusUnprocessableEntity},
		{"unknown payment", http.MethodGet, "/v1/payments/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_LedgerUnavailable(t *testing.T) {
	router, env := setupTestRouter(t)
	env.ledger.err = stellar.ErrLedgerUnavailable

	w := doJSON(router, http.MethodPost, "/v1/payments/confirm", ConfirmRequest{TransactionHash: "tx"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
