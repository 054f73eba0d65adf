package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys for authenticated request data
const (
	ContextKeyUserID = "user_id"
	ContextKeyClaims = "account_claims"
)

// Middleware creates a JWT authentication middleware. Disabled auth passes
// every request through with no claims set.
func Middleware(jwtManager *JWTManager, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := jwtManager.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireAccount ensures the token grants access to the :accountId path
// param. With auth disabled there are no claims and every account passes.
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			c.Next()
			return
		}
		accountID := c.Param("accountId")
		if accountID != "" && !claims.CanAccess(accountID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account not authorized"})
			return
		}
		c.Next()
	}
}

// bearerToken pulls the token from the Authorization header, falling back
// to the token query param for EventSource clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

// GetUserID extracts the user ID from the Gin context
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get(ContextKeyUserID); exists {
		return userID.(string)
	}
	return ""
}

// GetClaims extracts the account claims from the Gin context
func GetClaims(c *gin.Context) *AccountClaims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		return claims.(*AccountClaims)
	}
	return nil
}
