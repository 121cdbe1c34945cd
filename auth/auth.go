/*
Package auth verifies the session tokens of the gateway.

The tokens are RS256 signed JWTs issued by the application shell. The
gateway only verifies them; it never issues tokens. A token is taken from
the session cookie, or from an "Authorization: Bearer" header.
*/
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultCookie = "auth-token"

	authHeaderName   = "Authorization"
	authHeaderPrefix = "Bearer "
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("role not allowed")
)

// Claims of a session token.
type Claims struct {
	UserID int    `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates a token and returns its claims.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// RS256Verifier verifies tokens signed with RS256.
type RS256Verifier struct {
	key *rsa.PublicKey
}

// NewRS256Verifier creates a verifier from a PEM encoded RSA public key.
func NewRS256Verifier(pem []byte) (*RS256Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	return &RS256Verifier{key: key}, nil
}

// LoadRS256Verifier creates a verifier from a PEM file.
func LoadRS256Verifier(path string) (*RS256Verifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	return NewRS256Verifier(b)
}

// Verify implements Verifier. Tokens with other signing methods than
// RS256 are rejected.
func (v *RS256Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !t.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Options of the verification handler.
type Options struct {
	Verifier Verifier

	// Cookie holding the token, defaults to DefaultCookie.
	Cookie string

	// Roles allowed to pass. When empty, every valid token passes.
	Roles []string
}

type contextKey struct{}

// ClaimsFromContext returns the claims of a verified request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

func getToken(r *http.Request, cookie string) (string, error) {
	if c, err := r.Cookie(cookie); err == nil && c.Value != "" {
		return c.Value, nil
	}

	h := r.Header.Get(authHeaderName)
	if !strings.HasPrefix(h, authHeaderPrefix) {
		return "", ErrMissingToken
	}

	return h[len(authHeaderPrefix):], nil
}

func reject(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(code),
		"message": err.Error(),
	})
}

type handler struct {
	verifier Verifier
	cookie   string
	roles    []string
	next     http.Handler
}

// NewHandler wraps next with token verification. Requests without a
// valid token get 401, tokens with a role not listed get 403.
func NewHandler(o Options, next http.Handler) http.Handler {
	if o.Cookie == "" {
		o.Cookie = DefaultCookie
	}

	return &handler{verifier: o.Verifier, cookie: o.Cookie, roles: o.Roles, next: next}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := getToken(r, h.cookie)
	if err != nil {
		reject(w, http.StatusUnauthorized, err)
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		log.WithError(err).WithField("path", r.URL.Path).Debug("rejected token")
		reject(w, http.StatusUnauthorized, ErrInvalidToken)
		return
	}

	if len(h.roles) > 0 && !slices.Contains(h.roles, claims.Role) {
		log.WithFields(log.Fields{"path": r.URL.Path, "role": claims.Role, "email": claims.Email}).Info("forbidden role")
		reject(w, http.StatusForbidden, ErrForbidden)
		return
	}

	h.next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
}
