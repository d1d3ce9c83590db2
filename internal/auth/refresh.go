package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
)

// RefreshToken is the stored record for one issued refresh token. Only the
// hash of the emitted token is persisted; the hash is never logged.
type RefreshToken struct {
	TokenID   string    `bson:"token_id" json:"token_id"`
	UserID    string    `bson:"user_id" json:"user_id"`
	TokenHash string    `bson:"token_hash" json:"-"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"`
	IsRevoked bool      `bson:"is_revoked" json:"is_revoked"`
	UserAgent string    `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	IPAddress string    `bson:"ip_address,omitempty" json:"ip_address,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// ClientInfo carries optional request metadata stored with a refresh token.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

// RefreshService issues, rotates and revokes opaque refresh tokens.
//
// Token format: "<token_id>.<256-bit hex secret>". The token_id prefix
// locates the stored record; the sha256 of the whole token must match the
// stored hash. A mismatch against an existing record is treated as theft
// and revokes every token of that user.
type RefreshService struct {
	tokens *mongodriver.Collection
	ttl    time.Duration
	logger *logger.Logger
}

// NewRefreshService creates a refresh token service with the given lifetime.
func NewRefreshService(tokens *mongodriver.Collection, ttl time.Duration, log *logger.Logger) *RefreshService {
	return &RefreshService{
		tokens: tokens,
		ttl:    ttl,
		logger: log.WithComponent("refresh"),
	}
}

// Issue mints a new refresh token for the user and stores its hash.
func (s *RefreshService) Issue(ctx context.Context, userID string, client ClientInfo) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "failed to generate refresh token", err)
	}

	tokenID := uuid.New().String()
	token := tokenID + "." + hex.EncodeToString(secret)

	rec := RefreshToken{
		TokenID:   tokenID,
		UserID:    userID,
		TokenHash: hashToken(token),
		ExpiresAt: time.Now().UTC().Add(s.ttl),
		IsRevoked: false,
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := s.tokens.InsertOne(ctx, rec); err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "failed to store refresh token", err)
	}

	return token, nil
}

// Rotate validates the presented token, revokes its record and returns the
// owning user ID so the caller can mint a fresh pair. Rotation is serialized
// per token_id by the conditional revoke update: of two concurrent rotations
// only one matches the un-revoked record, the other takes the theft path.
func (s *RefreshService) Rotate(ctx context.Context, token string) (string, error) {
	rec, err := s.lookup(ctx, token)
	if err != nil {
		return "", err
	}

	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(hashToken(token))) != 1 {
		// A syntactically valid token pointing at a real record with the
		// wrong secret means the token_id leaked: assume theft.
		s.revokeAllForUser(ctx, rec.UserID, "refresh token hash mismatch")
		return "", apperrors.New(apperrors.KindUnauthorized, "invalid refresh token")
	}

	if rec.IsRevoked {
		// Replay of an already rotated token: assume theft.
		s.revokeAllForUser(ctx, rec.UserID, "revoked refresh token replayed")
		return "", apperrors.New(apperrors.KindUnauthorized, "invalid refresh token")
	}

	if !rec.ExpiresAt.After(time.Now().UTC()) {
		return "", apperrors.New(apperrors.KindUnauthorized, "refresh token expired")
	}

	res, err := s.tokens.UpdateOne(ctx,
		bson.M{"token_id": rec.TokenID, "is_revoked": false},
		bson.M{"$set": bson.M{"is_revoked": true}},
	)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "failed to revoke refresh token", err)
	}
	if res.ModifiedCount == 0 {
		// Lost the race with a concurrent rotation of the same token.
		s.revokeAllForUser(ctx, rec.UserID, "concurrent refresh token rotation")
		return "", apperrors.New(apperrors.KindUnauthorized, "invalid refresh token")
	}

	return rec.UserID, nil
}

// Revoke marks a single token revoked. The token must belong to userID.
func (s *RefreshService) Revoke(ctx context.Context, userID, tokenID string) error {
	res, err := s.tokens.UpdateOne(ctx,
		bson.M{"token_id": tokenID, "user_id": userID},
		bson.M{"$set": bson.M{"is_revoked": true}},
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to revoke refresh token", err)
	}
	if res.MatchedCount == 0 {
		return apperrors.New(apperrors.KindNotFound, "refresh token not found")
	}
	return nil
}

// RevokeAll marks every token of the user revoked.
func (s *RefreshService) RevokeAll(ctx context.Context, userID string) error {
	if _, err := s.tokens.UpdateMany(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"is_revoked": true}},
	); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to revoke refresh tokens", err)
	}
	return nil
}

func (s *RefreshService) revokeAllForUser(ctx context.Context, userID, reason string) {
	s.logger.Warn("revoking all refresh tokens", slog.String("user_id", userID), slog.String("reason", reason))
	if err := s.RevokeAll(ctx, userID); err != nil {
		s.logger.Error("failed to revoke all refresh tokens", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

func (s *RefreshService) lookup(ctx context.Context, token string) (*RefreshToken, error) {
	tokenID, _, ok := strings.Cut(token, ".")
	if !ok || tokenID == "" {
		return nil, apperrors.New(apperrors.KindUnauthorized, "invalid refresh token")
	}

	var rec RefreshToken
	err := s.tokens.FindOne(ctx, bson.M{"token_id": tokenID}).Decode(&rec)
	if err == mongodriver.ErrNoDocuments {
		return nil, apperrors.New(apperrors.KindUnauthorized, "invalid refresh token")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to load refresh token", err)
	}
	return &rec, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
