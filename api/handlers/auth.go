package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireToken rejects requests whose Authorization header does not carry
// "Bearer <token>".
func RequireToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="wsterm"`)
			sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			c.Abort()
			return
		}
		c.Next()
	}
}
