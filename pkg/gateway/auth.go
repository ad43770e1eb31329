package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

// ErrUnauthenticated is returned when a request carries no valid identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (chat.AuthenticatedUser, error)
}

// Claims are the JWT claims identifying a chat user.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// JWTAuthenticator verifies HS256 tokens from the Authorization header or
// the token query parameter.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator creates an authenticator. An empty issuer accepts any.
func NewJWTAuthenticator(secret []byte, issuer string) (*JWTAuthenticator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	return &JWTAuthenticator{secret: secret, issuer: issuer}, nil
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (chat.AuthenticatedUser, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return chat.AuthenticatedUser{}, ErrUnauthenticated
	}
	return a.Validate(token)
}

// Validate verifies a token and returns its user.
func (a *JWTAuthenticator) Validate(tokenString string) (chat.AuthenticatedUser, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return chat.AuthenticatedUser{}, fmt.Errorf("%w: parse jwt: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return chat.AuthenticatedUser{}, fmt.Errorf("%w: invalid jwt claims", ErrUnauthenticated)
	}
	return chat.AuthenticatedUser{ID: claims.Subject, DisplayName: claims.Name}, nil
}

// Issue signs a token for user valid for ttl.
func (a *JWTAuthenticator) Issue(user chat.AuthenticatedUser, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: user.DisplayName,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
