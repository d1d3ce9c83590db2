package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
	"github.com/flowiselabs/flowise-proxy-service/internal/user"
)

// identityKey is the gin context key holding the authenticated identity.
const identityKey = "auth_identity"

// Identity is the authenticated principal attached to each request.
type Identity struct {
	UserID   string
	Username string
	Role     user.Role
	RawToken string
}

// Verifier validates an access token and returns its claims.
type Verifier interface {
	Verify(tokenString string) (*AccessClaims, error)
}

// Middleware guards routes with bearer-token authentication.
type Middleware struct {
	verifier Verifier
}

// NewMiddleware creates the authorization middleware.
func NewMiddleware(verifier Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// RequireAuth validates the Authorization header and attaches the identity
// to both the gin context and the request context.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			apperrors.AbortWithUnauthorized(c, "Authorization header is required")
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			apperrors.AbortWithUnauthorized(c, "Authorization header must be a Bearer token")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			apperrors.AbortWithUnauthorized(c, "Bearer token is empty")
			return
		}

		claims, err := m.verifier.Verify(token)
		if err != nil {
			apperrors.AbortWithUnauthorized(c, "Invalid or expired token")
			return
		}

		identity := Identity{
			UserID:   claims.UserID,
			Username: claims.Username,
			Role:     claims.Role,
			RawToken: token,
		}

		ctx := logger.WithUserID(c.Request.Context(), identity.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(identityKey, identity)

		c.Next()
	}
}

// RequireRole gates a route to the given roles. Must run after RequireAuth.
func RequireRole(roles ...user.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok {
			apperrors.AbortWithUnauthorized(c, "Authentication required")
			return
		}
		for _, role := range roles {
			if identity.Role == role {
				c.Next()
				return
			}
		}
		apperrors.AbortWithForbidden(c, "Insufficient role")
	}
}

// GetIdentity extracts the authenticated identity from the gin context.
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, exists := c.Get(identityKey)
	if !exists {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}

// SetIdentity attaches an identity to the gin context. Used by tests.
func SetIdentity(c *gin.Context, identity Identity) {
	c.Set(identityKey, identity)
}
