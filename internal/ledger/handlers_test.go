package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(svc *Service, p auth.Principal) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyPrincipal, p)
		c.Next()
	})
	h := NewHandler(svc)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_BalanceAndWithdraw(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Credit(context.Background(), guest.UserID, domain.ClassWallet, 10000, "seed", "")
	require.NoError(t, err)
	r := setupRouter(svc, guest)

	w := doJSON(r, http.MethodGet, "/v1/wallet/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"guest_1","balanceClass":"WALLET","balance":10000}`, w.Body.String())

	w = doJSON(r, http.MethodPost, "/v1/wallet/withdraw", WithdrawRequest{Amount: 7000, Destination: "mpesa:254700000001"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3000), resp.Balance)

	w = doJSON(r, http.MethodPost, "/v1/wallet/withdraw", WithdrawRequest{Amount: 7000, Destination: "mpesa:254700000001"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_funds")
	assert.NotContains(t, w.Body.String(), "guest_1", "error bodies must not echo internal ids")

	w = doJSON(r, http.MethodPost, "/v1/wallet/withdraw", WithdrawRequest{Amount: -1, Destination: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/wallet/balance?class=GOLD", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_History(t *testing.T) {
	svc, _, _ := newTestService(t)
	for i := 0; i < 3; i++ {
		_, err := svc.Credit(context.Background(), guest.UserID, domain.ClassWallet, 10, "seed", "")
		require.NoError(t, err)
	}
	r := setupRouter(svc, guest)

	w := doJSON(r, http.MethodGet, "/v1/wallet/history?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)
}

func TestHandler_AdminRoutes(t *testing.T) {
	svc, _, _ := newTestService(t)

	w := doJSON(setupRouter(svc, guest), http.MethodPost, "/v1/admin/balances/resync",
		ResyncRequest{UserID: "u1", BalanceClass: "WALLET"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	r := setupRouter(svc, admin)
	w = doJSON(r, http.MethodPost, "/v1/admin/wallet/credit",
		CreditRequest{UserID: "u1", BalanceClass: "WALLET", Amount: 500, Reason: "bank transfer"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(r, http.MethodPost, "/v1/admin/balances/resync", ResyncRequest{UserID: "u1", BalanceClass: "WALLET"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"changed":false`)

	w = doJSON(r, http.MethodPost, "/v1/admin/balances/resync", ResyncRequest{BalanceClass: "WALLET"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
