package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"truthlens/backend/internal/store"
)

func newTestService(t *testing.T, admins ...string) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "auth.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc, err := NewService(db, Config{Secret: "test-secret", AdminUsers: admins, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	return svc
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	cases := []struct {
		name     string
		username string
		password string
		want     error
	}{
		{"missing fields", "", "", ErrValidation},
		{"short username", "ab", "secret1", ErrValidation},
		{"short password", "alice", "12345", ErrValidation},
		{"ok", "alice", "123456", nil},
		{"duplicate", "alice", "another1", ErrUserExists},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user, err := svc.Register(tc.username, tc.password)
			if tc.want != nil {
				if !errors.Is(err, tc.want) {
					t.Fatalf("expected %v got %v", tc.want, err)
				}
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, tc.password, user.PasswordHash)
			assert.False(t, user.IsAdmin)
		})
	}
}

func TestRegisterAdmin(t *testing.T) {
	svc := newTestService(t, "root")
	user, err := svc.Register("root", "password")
	require.NoError(t, err)
	assert.True(t, user.IsAdmin)
}

func TestLoginAndVerify(t *testing.T) {
	svc := newTestService(t)
	registered, err := svc.Register("alice", "wonderland")
	require.NoError(t, err)

	_, _, _, err = svc.Login("alice", "wrong-pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, _, err = svc.Login("nobody", "wonderland")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	user, token, expires, err := svc.Login("alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), expires, time.Minute)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	_, err = svc.Verify(token + "x")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignAndExpiredTokens(t *testing.T) {
	svc := newTestService(t)

	other := &Claims{UserID: 1, Username: "alice", RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}}
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, other).SignedString([]byte("another-secret"))
	require.NoError(t, err)
	_, err = svc.Verify(foreign)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := &Claims{UserID: 1, Username: "alice", RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}
	stale, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = svc.Verify(stale)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t, "admin")
	_, err := svc.Register("alice", "wonderland")
	require.NoError(t, err)
	_, err = svc.Register("admin", "password")
	require.NoError(t, err)
	_, userToken, _, err := svc.Login("alice", "wonderland")
	require.NoError(t, err)
	_, adminToken, _, err := svc.Login("admin", "password")
	require.NoError(t, err)

	router := gin.New()
	authed := router.Group("/", svc.Middleware())
	authed.GET("/me", func(c *gin.Context) {
		claims, _ := CurrentUser(c)
		c.String(http.StatusOK, claims.Username)
	})
	authed.GET("/admin", RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		name   string
		path   string
		header string
		cookie string
		want   int
	}{
		{"no token", "/me", "", "", http.StatusUnauthorized},
		{"bad token", "/me", "Bearer nope", "", http.StatusUnauthorized},
		{"bearer", "/me", "Bearer " + userToken, "", http.StatusOK},
		{"cookie", "/me", "", userToken, http.StatusOK},
		{"admin denied", "/admin", "Bearer " + userToken, "", http.StatusForbidden},
		{"admin allowed", "/admin", "Bearer " + adminToken, "", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tc.cookie})
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}
