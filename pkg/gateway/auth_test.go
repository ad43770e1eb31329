package gateway

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

func TestJWTAuthenticator(t *testing.T) {
	auth, err := NewJWTAuthenticator(testSecret, "chatengine")
	require.NoError(t, err)

	token, err := auth.Issue(chat.AuthenticatedUser{ID: "u1", DisplayName: "Ada"}, time.Hour)
	require.NoError(t, err)

	user, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, chat.AuthenticatedUser{ID: "u1", DisplayName: "Ada"}, user)

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		user, err := auth.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "u1", user.ID)
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token="+token, nil)
		user, err := auth.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "u1", user.ID)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := auth.Authenticate(httptest.NewRequest("GET", "/ws", nil))
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestJWTAuthenticatorRejects(t *testing.T) {
	auth, err := NewJWTAuthenticator(testSecret, "chatengine")
	require.NoError(t, err)

	other, err := NewJWTAuthenticator([]byte("ffffffffffffffffffffffffffffffff"), "chatengine")
	require.NoError(t, err)
	foreign, err := other.Issue(chat.AuthenticatedUser{ID: "u1"}, time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewJWTAuthenticator(testSecret, "someone-else")
	require.NoError(t, err)
	misissued, err := wrongIssuer.Issue(chat.AuthenticatedUser{ID: "u1"}, time.Hour)
	require.NoError(t, err)

	expired, err := auth.Issue(chat.AuthenticatedUser{ID: "u1"}, -time.Minute)
	require.NoError(t, err)

	noSubject, err := auth.Issue(chat.AuthenticatedUser{}, time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: "chatengine"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", foreign},
		{"wrong issuer", misissued},
		{"expired", expired},
		{"no subject", noSubject},
		{"unsigned", none},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Validate(tt.token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestJWTAuthenticatorShortSecret(t *testing.T) {
	_, err := NewJWTAuthenticator([]byte("short"), "")
	assert.Error(t, err)
}
