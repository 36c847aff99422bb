// Package middleware holds the gin middleware guarding the connector's
// HTTP surface.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/interledger/connector-go/internal/store"
)

// accountKey is where AccountAuth stores the resolved account.
const accountKey = "account"

// AccountAuth resolves the Bearer token to an account and aborts with 401
// when it cannot. Auth failures are HTTP-level, never ILP rejects.
func AccountAuth(accounts store.Accounts) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		acct, err := accounts.GetByToken(c.Request.Context(), token)
		if err == store.ErrNotFound {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "account store unavailable"})
			return
		}

		c.Set(accountKey, acct)
		c.Next()
	}
}

// Account fetches the authenticated account placed by AccountAuth.
func Account(c *gin.Context) (interface{}, bool) {
	return c.Get(accountKey)
}

// Busy sheds load once the node-wide inbound rate is exceeded. A zero rate
// disables shedding.
func Busy(packetsPerSecond float64) gin.HandlerFunc {
	if packetsPerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := rate.NewLimiter(rate.Limit(packetsPerSecond), int(packetsPerSecond)+1)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "connector busy"})
			return
		}
		c.Next()
	}
}
