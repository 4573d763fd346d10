package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/john-savepoint/T3-Close-ne-sub001/internal/common"
)

// UserIDKey is the gin context key under which AuthRequired stores the
// authenticated user id.
const UserIDKey = "user_id"

// AuthRequired validates an HS256 bearer token. Token issuance is external;
// this middleware only checks the signature and expiry and extracts the
// "uid" claim.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		tokenStr := strings.TrimPrefix(h, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		uid, ok := claims["uid"].(float64)
		if !ok || uid <= 0 {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token claims")
			c.Abort()
			return
		}

		c.Set(UserIDKey, uint64(uid))
		c.Next()
	}
}
