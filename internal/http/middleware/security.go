package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAdminToken carries the shared ops secret.
const HeaderAdminToken = "X-Admin-Token"

// SecurityHeaders sets conservative headers for a JSON-only API. Ops
// responses carry order data, so they are never cached.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")

		const expose = "Access-Control-Expose-Headers"
		if cur := h.Get(expose); cur == "" {
			h.Set(expose, requestIDHeader)
		} else if !strings.Contains(cur, requestIDHeader) {
			h.Set(expose, cur+", "+requestIDHeader)
		}
		c.Next()
	}
}

// AdminToken requires X-Admin-Token to equal token. An empty token leaves
// the group open, which is only meant for local setups.
func AdminToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(HeaderAdminToken))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			httpRejected.WithLabelValues("unauthorized").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "missing or invalid admin token",
			})
			return
		}
		c.Set(adminKey, true)
		c.Next()
	}
}

// IsAdmin reports whether AdminToken accepted the request.
func IsAdmin(c *gin.Context) bool {
	v, ok := c.Get(adminKey)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
