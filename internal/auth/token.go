package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/user"
)

const (
	// TokenIssuer and TokenAudience are fixed claim values; verification
	// rejects tokens that do not carry exactly these.
	TokenIssuer   = "flowise-proxy-service"
	TokenAudience = "flowise-api"
)

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Role     user.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies HS256 access tokens. The algorithm is
// pinned: tokens signed with anything else fail verification regardless of
// signature validity.
type TokenService struct {
	secret     []byte
	expiration time.Duration
}

// NewTokenService creates a token service with the given signing secret and
// access-token lifetime.
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		expiration: expiration,
	}
}

// Mint issues an access token for the principal.
func (t *TokenService) Mint(p *user.Principal) (string, error) {
	now := time.Now().UTC()
	claims := AccessClaims{
		UserID:   p.UserID,
		Username: p.Username,
		Role:     p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "failed to sign access token", err)
	}
	return signed, nil
}

// Verify parses and validates an access token, returning its claims.
func (t *TokenService) Verify(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Explicit algorithm pinning: only HS256 is ever accepted.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnauthorized, "invalid or expired token", err)
	}
	if !token.Valid {
		return nil, apperrors.New(apperrors.KindUnauthorized, "invalid or expired token")
	}

	if !claims.VerifyIssuer(TokenIssuer, true) {
		return nil, apperrors.New(apperrors.KindUnauthorized, "invalid token issuer")
	}
	if !claims.VerifyAudience(TokenAudience, true) {
		return nil, apperrors.New(apperrors.KindUnauthorized, "invalid token audience")
	}
	if claims.UserID == "" {
		return nil, apperrors.New(apperrors.KindUnauthorized, "token missing user_id claim")
	}

	return claims, nil
}
