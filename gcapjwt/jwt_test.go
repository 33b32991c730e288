package gcapjwt

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/lemmego/gcap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("s3cr3t", "gcap")
	token, err := v.Issue("alice", []string{"admin"}, time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID())
	assert.True(t, p.HasRole("admin"))
	assert.True(t, p.HasRole(gcap.RoleAuthenticated))
	assert.True(t, p.HasRole(gcap.RoleAny))
	assert.False(t, p.HasRole("root"))
	assert.True(t, gcap.Authorized(p, gcap.RoleAuthenticated))
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("s3cr3t", "gcap")

	// Issue never mints expired tokens
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "gcap",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cr3t"))
	require.NoError(t, err)

	otherSecret, err := NewVerifier("other", "gcap").Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	otherIssuer, err := NewVerifier("s3cr3t", "elsewhere").Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	noSubject, err := v.Issue("", nil, time.Hour)
	require.NoError(t, err)

	tests := map[string]string{
		"malformed":    "not-a-token",
		"expired":      expired,
		"other secret": otherSecret,
		"other issuer": otherIssuer,
		"no subject":   noSubject,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.True(t, errors.Is(err, ErrInvalidToken), "%v", err)
		})
	}
}

func TestVerifyWithoutIssuer(t *testing.T) {
	token, err := NewVerifier("s3cr3t", "anyone").Issue("bob", nil, 0)
	require.NoError(t, err)

	p, err := NewVerifier("s3cr3t", "").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Subject)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("s3cr3t", "")
	e := echo.New()
	e.GET("/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, FromContext(c).ID())
	}, Middleware(v))

	token, err := v.Issue("carol", []string{"reader"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"anonymous", "", http.StatusOK, "anonymous"},
		{"bearer", "Bearer " + token, http.StatusOK, "carol"},
		{"lower case scheme", "bearer " + token, http.StatusOK, "carol"},
		{"basic", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}
