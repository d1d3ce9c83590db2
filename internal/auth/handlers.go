package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
	"github.com/flowiselabs/flowise-proxy-service/internal/user"
)

// PrincipalStore is the slice of the user service the auth handlers need.
type PrincipalStore interface {
	Authenticate(ctx context.Context, username, password string) (*user.Principal, error)
	GetByID(ctx context.Context, userID string) (*user.Principal, error)
	Credits(ctx context.Context, userID string) (int64, error)
}

// RefreshStore is the slice of the refresh service the auth handlers need.
type RefreshStore interface {
	Issue(ctx context.Context, userID string, client ClientInfo) (string, error)
	Rotate(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, userID, tokenID string) error
	RevokeAll(ctx context.Context, userID string) error
}

// Handler serves the authentication endpoints.
type Handler struct {
	principals PrincipalStore
	tokens     *TokenService
	refresh    RefreshStore
	logger     *logger.Logger
}

// NewHandler creates the auth handler.
func NewHandler(principals PrincipalStore, tokens *TokenService, refresh RefreshStore, log *logger.Logger) *Handler {
	return &Handler{
		principals: principals,
		tokens:     tokens,
		refresh:    refresh,
		logger:     log.WithComponent("auth"),
	}
}

type authenticateRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenPairResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	User         *user.Principal `json:"user,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Authenticate handles POST /chat/authenticate.
func (h *Handler) Authenticate(c *gin.Context) {
	var req authenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.AbortWithUnauthorized(c, "username and password are required")
		return
	}

	p, err := h.principals.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		// Credential failures and store failures look identical to the
		// caller; details stay in the log.
		h.logger.Info("authentication failed", slog.String("username", req.Username))
		apperrors.AbortWithUnauthorized(c, "Invalid credentials")
		return
	}

	pair, err := h.mintPair(c, p)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	pair.User = p
	pair.Message = "Authentication successful"

	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh handles POST /chat/refresh. No access token is required; the
// refresh token alone authenticates the rotation.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.AbortWithUnauthorized(c, "refresh_token is required")
		return
	}

	userID, err := h.refresh.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}

	p, err := h.principals.GetByID(c.Request.Context(), userID)
	if err != nil || !p.IsActive {
		apperrors.AbortWithUnauthorized(c, "account unavailable")
		return
	}

	pair, err := h.mintPair(c, p)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}
	pair.Message = "Token refreshed"

	c.JSON(http.StatusOK, pair)
}

type revokeRequest struct {
	TokenID   string `json:"token_id"`
	AllTokens bool   `json:"all_tokens"`
}

// Revoke handles POST /chat/revoke. Requires an access token.
func (h *Handler) Revoke(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}

	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.TokenID == "" && !req.AllTokens) {
		apperrors.Abort(c, apperrors.New(apperrors.KindInvalidRequest, "token_id or all_tokens is required"))
		return
	}

	if req.AllTokens {
		if err := h.refresh.RevokeAll(c.Request.Context(), identity.UserID); err != nil {
			apperrors.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "All refresh tokens revoked"})
		return
	}

	if err := h.refresh.Revoke(c.Request.Context(), identity.UserID, req.TokenID); err != nil {
		apperrors.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Refresh token revoked"})
}

// Credits handles GET /chat/credits.
func (h *Handler) Credits(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "Authentication required")
		return
	}

	credits, err := h.principals.Credits(c.Request.Context(), identity.UserID)
	if err != nil {
		apperrors.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":  identity.UserID,
		"username": identity.Username,
		"credits":  credits,
	})
}

func (h *Handler) mintPair(c *gin.Context, p *user.Principal) (*tokenPairResponse, error) {
	access, err := h.tokens.Mint(p)
	if err != nil {
		return nil, err
	}

	refresh, err := h.refresh.Issue(c.Request.Context(), p.UserID, ClientInfo{
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		return nil, err
	}

	return &tokenPairResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
	}, nil
}
