package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"librarycore/internal/staff"
)

const tokenIssuer = "librarycore"

// StaffClaims are the JWT claims issued at login.
type StaffClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
	Role string `json:"role"`
}

// TokenIssuer signs and validates HS256 staff tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer for secret whose tokens live for ttl.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret required")
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for account and its expiry.
func (t *TokenIssuer) Issue(account staff.Account) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	claims := StaffClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   account.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Name: account.Name,
		Role: account.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate parses tokenStr and checks signature, issuer and expiry.
func (t *TokenIssuer) Validate(tokenStr string) (*StaffClaims, error) {
	claims := &StaffClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFrom returns the staff claims attached by RequireStaff.
func ClaimsFrom(ctx context.Context) (*StaffClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*StaffClaims)
	return c, ok
}

// publicPaths never require a token.
var publicPaths = map[string]bool{
	"/":           true,
	"/auth/login": true,
	"/metrics":    true,
}

// RequireStaff rejects requests without a valid bearer token. A nil issuer
// fails closed.
func RequireStaff(issuer *TokenIssuer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="librarycore"`)
				writeStatus(w, r, http.StatusUnauthorized, "Missing or malformed Authorization header")
				return
			}
			if issuer == nil {
				writeStatus(w, r, http.StatusUnauthorized, "Authentication not configured")
				return
			}
			claims, err := issuer.Validate(tokenStr)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="librarycore", error="invalid_token"`)
				writeStatus(w, r, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}
