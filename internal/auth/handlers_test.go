package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
	"github.com/flowiselabs/flowise-proxy-service/internal/user"
)

type fakePrincipals struct {
	principal *user.Principal
	authErr   error
	credits   int64
}

func (f *fakePrincipals) Authenticate(ctx context.Context, username, password string) (*user.Principal, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.principal, nil
}

func (f *fakePrincipals) GetByID(ctx context.Context, userID string) (*user.Principal, error) {
	if f.principal == nil || f.principal.UserID != userID {
		return nil, apperrors.New(apperrors.KindNotFound, "user not found")
	}
	return f.principal, nil
}

func (f *fakePrincipals) Credits(ctx context.Context, userID string) (int64, error) {
	return f.credits, nil
}

type fakeRefresh struct {
	issued     int
	rotateUser string
	rotateErr  error
	revoked    []string
	revokedAll bool
}

func (f *fakeRefresh) Issue(ctx context.Context, userID string, client ClientInfo) (string, error) {
	f.issued++
	return "rt-token", nil
}

func (f *fakeRefresh) Rotate(ctx context.Context, token string) (string, error) {
	if f.rotateErr != nil {
		return "", f.rotateErr
	}
	return f.rotateUser, nil
}

func (f *fakeRefresh) Revoke(ctx context.Context, userID, tokenID string) error {
	f.revoked = append(f.revoked, tokenID)
	return nil
}

func (f *fakeRefresh) RevokeAll(ctx context.Context, userID string) error {
	f.revokedAll = true
	return nil
}

func newAuthTestHandler(principals *fakePrincipals, refresh *fakeRefresh) *Handler {
	return NewHandler(principals, NewTokenService("test-secret", time.Hour), refresh,
		logger.New(logger.Config{Format: "text"}))
}

func performJSON(t *testing.T, handler gin.HandlerFunc, body string, identity *Identity) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	if identity != nil {
		SetIdentity(c, *identity)
	}
	handler(c)
	return w
}

func TestAuthenticateSuccess(t *testing.T) {
	principals := &fakePrincipals{principal: &user.Principal{
		UserID: "u1", Username: "alice", Role: user.RoleEndUser, IsActive: true,
	}}
	refresh := &fakeRefresh{}
	h := newAuthTestHandler(principals, refresh)

	w := performJSON(t, h.Authenticate, `{"username":"alice","password":"pw"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		AccessToken  string          `json:"access_token"`
		RefreshToken string          `json:"refresh_token"`
		TokenType    string          `json:"token_type"`
		User         *user.Principal `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken != "rt-token" || resp.TokenType != "bearer" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.User == nil || resp.User.UserID != "u1" {
		t.Errorf("user = %+v", resp.User)
	}
	if refresh.issued != 1 {
		t.Errorf("issued %d refresh tokens, want 1", refresh.issued)
	}
}

func TestAuthenticateInvalidCredentials(t *testing.T) {
	principals := &fakePrincipals{authErr: apperrors.New(apperrors.KindUnauthorized, "invalid credentials")}
	h := newAuthTestHandler(principals, &fakeRefresh{})

	w := performJSON(t, h.Authenticate, `{"username":"alice","password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	principals := &fakePrincipals{principal: &user.Principal{
		UserID: "u1", Username: "alice", Role: user.RoleEndUser, IsActive: true,
	}}
	refresh := &fakeRefresh{rotateUser: "u1"}
	h := newAuthTestHandler(principals, refresh)

	w := performJSON(t, h.Refresh, `{"refresh_token":"old.token"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if refresh.issued != 1 {
		t.Errorf("issued %d refresh tokens, want 1", refresh.issued)
	}
}

func TestRefreshRejectsInactiveUser(t *testing.T) {
	principals := &fakePrincipals{principal: &user.Principal{
		UserID: "u1", Username: "alice", IsActive: false,
	}}
	h := newAuthTestHandler(principals, &fakeRefresh{rotateUser: "u1"})

	w := performJSON(t, h.Refresh, `{"refresh_token":"old.token"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRefreshPropagatesRotationFailure(t *testing.T) {
	refresh := &fakeRefresh{rotateErr: apperrors.New(apperrors.KindUnauthorized, "refresh token reuse detected")}
	h := newAuthTestHandler(&fakePrincipals{}, refresh)

	w := performJSON(t, h.Refresh, `{"refresh_token":"stolen.token"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRevokeSingleAndAll(t *testing.T) {
	refresh := &fakeRefresh{}
	h := newAuthTestHandler(&fakePrincipals{}, refresh)
	identity := &Identity{UserID: "u1", Username: "alice", Role: user.RoleEndUser}

	w := performJSON(t, h.Revoke, `{"token_id":"t1"}`, identity)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(refresh.revoked) != 1 || refresh.revoked[0] != "t1" {
		t.Errorf("revoked = %v", refresh.revoked)
	}

	w = performJSON(t, h.Revoke, `{"all_tokens":true}`, identity)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !refresh.revokedAll {
		t.Error("RevokeAll not called")
	}

	w = performJSON(t, h.Revoke, `{}`, identity)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty revoke: status = %d, want 400", w.Code)
	}
}

func TestCredits(t *testing.T) {
	h := newAuthTestHandler(&fakePrincipals{credits: 7}, &fakeRefresh{})
	identity := &Identity{UserID: "u1", Username: "alice", Role: user.RoleEndUser}

	w := performJSON(t, h.Credits, ``, identity)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Credits int64 `json:"credits"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Credits != 7 {
		t.Errorf("credits = %d, want 7", resp.Credits)
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := NewTokenService("test-secret", time.Hour)
	mw := NewMiddleware(tokens)

	router := gin.New()
	router.GET("/protected", mw.RequireAuth(), func(c *gin.Context) {
		identity, _ := GetIdentity(c)
		c.JSON(http.StatusOK, gin.H{"user_id": identity.UserID})
	})

	// No header.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing header: status = %d, want 401", w.Code)
	}

	// Wrong scheme.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Basic abc")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong scheme: status = %d, want 401", w.Code)
	}

	// Valid token.
	signed, err := tokens.Mint(&user.Principal{UserID: "u1", Username: "alice", Role: user.RoleEndUser})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/admin", func(c *gin.Context) {
		SetIdentity(c, Identity{UserID: "u1", Role: user.RoleEndUser})
	}, RequireRole(user.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}
