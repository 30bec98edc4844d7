package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminKeyHeader is accepted alongside "Authorization: Bearer".
const AdminKeyHeader = "X-Admin-Key"

// AdminAuth rejects requests that do not present the admin key. The key is
// compared in constant time, or against a bcrypt hash when hash is set.
// With neither configured every request passes.
func AdminAuth(key, hash string) gin.HandlerFunc {
	if key == "" && hash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" || !validAdminKey(token, key, hash) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid or missing admin key", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

func validAdminKey(token, key, hash string) bool {
	if key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
		return true
	}
	if hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
	}
	return false
}

func extractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.GetHeader(AdminKeyHeader))
}
