package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "patient-42",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestExpired(t *testing.T) {
	now := time.Now()

	assert.True(t, Expired(signedToken(t, now.Add(-time.Minute)), now))
	assert.False(t, Expired(signedToken(t, now.Add(time.Hour)), now))

	// Opaque tokens never report expired.
	assert.False(t, Expired("not-a-jwt", now))
}

func TestExpiryGuard(t *testing.T) {
	fresh := signedToken(t, time.Now().Add(time.Hour))
	tok, err := ExpiryGuard(StaticToken(fresh)).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)

	stale := signedToken(t, time.Now().Add(-time.Minute))
	_, err = ExpiryGuard(StaticToken(stale)).Token(context.Background())
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Opaque tokens pass through untouched.
	tok, err = ExpiryGuard(StaticToken("session-cookie")).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "session-cookie", tok)

	// Underlying provider errors propagate as-is.
	_, err = ExpiryGuard(StaticToken("")).Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestTokenFunc(t *testing.T) {
	calls := 0
	p := TokenFunc(func(ctx context.Context) (string, error) {
		calls++
		return "fresh", nil
	})
	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, 1, calls)
}
