// auth.go validates HS256 bearer tokens on API routes. Rate limiting is registered after
// authentication on the ingest route so budgets are per actor rather than per proxy IP.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/auditlogs/auditlogs/internal/auth"
)

const (
	// ClaimsKey is the gin.Context key holding the validated *auth.Claims
	ClaimsKey = "claims"
	// ActorIDKey is the gin.Context key holding the token subject as an int64 users.id
	ActorIDKey = "actor_id"
)

// TokenValidator verifies bearer tokens
type TokenValidator interface {
	ValidateJWT(token string) (*auth.Claims, error)
}

// AuthMiddleware requires a valid bearer token. A nil validator disables authentication,
// which is how the server runs when auth.jwt_secret is unset.
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := validator.ValidateJWT(token)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		c.Set(ClaimsKey, claims)
		if id, ok := claims.ActorID(); ok {
			c.Set(ActorIDKey, id)
		}

		c.Next()
	}
}

// ActorID returns the authenticated users.id, if the token carried a numeric subject
func ActorID(c *gin.Context) (int64, bool) {
	v, exists := c.Get(ActorIDKey)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// RequireScope rejects requests whose token lacks the scope. Requests that passed a
// disabled AuthMiddleware carry no claims and are let through.
func RequireScope(required auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(ClaimsKey)
		if !exists {
			c.Next()
			return
		}

		claims, ok := v.(*auth.Claims)
		if !ok || !auth.HasScope(claims.Scopes, required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":          "Insufficient permissions",
				"required_scope": string(required),
			})
			return
		}

		c.Next()
	}
}
