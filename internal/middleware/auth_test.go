package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interledger/connector-go/internal/model"
	"github.com/interledger/connector-go/internal/store/memstore"
)

func setupRouter(t *testing.T) (*gin.Engine, *model.Account) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memstore.New()
	acct := &model.Account{ID: uuid.New(), ILPAddress: "g.node.alice"}
	require.NoError(t, st.Accounts().Upsert(t.Context(), acct, "alice-token"))

	r := gin.New()
	r.Use(AccountAuth(st.Accounts()))
	r.POST("/ilp", func(c *gin.Context) {
		got, ok := Account(c)
		require.True(t, ok)
		c.String(http.StatusOK, got.(*model.Account).ID.String())
	})
	return r, acct
}

func TestAccountAuthResolvesToken(t *testing.T) {
	r, acct := setupRouter(t)

	req := httptest.NewRequest("POST", "/ilp", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, acct.ID.String(), w.Body.String())
}

func TestAccountAuthRejectsBadToken(t *testing.T) {
	r, _ := setupRouter(t)

	req := httptest.NewRequest("POST", "/ilp", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccountAuthRejectsMissingHeader(t *testing.T) {
	r, _ := setupRouter(t)

	req := httptest.NewRequest("POST", "/ilp", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBusyShedsLoad(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Busy(1))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		codes[w.Code]++
	}
	assert.Greater(t, codes[http.StatusOK], 0)
	assert.Greater(t, codes[http.StatusTooManyRequests], 0, "burst beyond the limit must shed")
}
