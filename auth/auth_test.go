package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuthenticator_BearerHeader(t *testing.T) {
	a := NewJWTAuthenticator([]byte("secret"))
	token, err := a.IssueToken("alice", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	userID, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestJWTAuthenticator_QueryParam(t *testing.T) {
	a := NewJWTAuthenticator([]byte("secret"))
	token, err := a.IssueToken("alice", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	userID, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestJWTAuthenticator_Rejections(t *testing.T) {
	a := NewJWTAuthenticator([]byte("secret"))

	t.Run("no token", func(t *testing.T) {
		_, err := a.Authenticate(httptest.NewRequest("GET", "/ws", nil))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTAuthenticator([]byte("other"))
		token, err := other.IssueToken("alice", time.Minute)
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err = a.Authenticate(r)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := a.IssueToken("alice", -time.Minute)
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err = a.Authenticate(r)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("alg none", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"})
		raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+raw)
		_, err = a.Authenticate(r)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("missing user_id claim", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		})
		raw, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+raw)
		_, err = a.Authenticate(r)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestStaticAuthenticator(t *testing.T) {
	a := StaticAuthenticator{}

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-User-ID", "bob")
	userID, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", userID)

	userID, err = a.Authenticate(httptest.NewRequest("GET", "/ws?user_id=carol", nil))
	require.NoError(t, err)
	assert.Equal(t, "carol", userID)

	_, err = a.Authenticate(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)
}
