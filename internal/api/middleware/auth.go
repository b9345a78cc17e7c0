package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// OperatorAuth guards operational endpoints with HTTP basic auth checked
// against a bcrypt hash. An empty user disables the check.
func OperatorAuth(user, passwordHash string) gin.HandlerFunc {
	if user == "" {
		return func(c *gin.Context) { c.Next() }
	}

	hash := []byte(passwordHash)
	return func(c *gin.Context) {
		u, p, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			bcrypt.CompareHashAndPassword(hash, []byte(p)) != nil {
			c.Header("WWW-Authenticate", `Basic realm="frameproxy"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "operator credentials required",
			})
			return
		}
		c.Next()
	}
}
