// Package gcapjwt turns HS256 bearer tokens into gcap principals.
package gcapjwt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/lemmego/gcap"
)

var ErrInvalidToken error = errors.New("invalid token")

const principalItem = "gcap.principal"

// Claims are the registered claims plus the caller's roles
type Claims struct {
	jwt.RegisteredClaims

	// private claims
	Roles []string `json:"roles,omitempty"`
}

// Principal is a caller authenticated by a token
type Principal struct {
	Subject string
	Roles   []string
}

func (p Principal) ID() string { return p.Subject }

func (p Principal) HasRole(role string) bool {
	if role == gcap.RoleAny || role == gcap.RoleAuthenticated {
		return true
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier signs and verifies tokens with a shared secret
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier. A non-empty issuer is both stamped on
// issued tokens and required on verified ones.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Issue mints a token for subject. A ttl <= 0 issues a token that never expires.
func (v *Verifier) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			// jti
			ID: uuid.NewString(),

			// sub
			Subject:  subject,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(v.secret)
}

// Verify checks token and returns its principal
func (v *Verifier) Verify(token string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: unexpected claims type: %T", ErrInvalidToken, tok.Claims)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}
	return Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// Middleware verifies "Authorization: Bearer" headers. Requests without
// the header stay anonymous; a bad token is rejected with 401.
func Middleware(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return next(c)
			}
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "expected a bearer token")
			}
			p, err := v.Verify(strings.TrimSpace(token))
			if err != nil {
				c.Logger().Debugf("rejected token: %v", err)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(principalItem, p)
			return next(c)
		}
	}
}

// FromContext returns the principal Middleware attached to c, or Anonymous.
// It has the shape gcaprest.WithPrincipal expects.
func FromContext(c echo.Context) gcap.Principal {
	if p, ok := c.Get(principalItem).(Principal); ok {
		return p
	}
	return gcap.Anonymous{}
}
