package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashvale/voicemesh/internal/domain"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	raw, err := NewAccessToken("top-secret", "user-42", time.Minute)
	require.NoError(t, err)

	uid, err := ParseAccessToken("top-secret", raw)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-42"), uid)
}

func TestAccessTokenWrongSecret(t *testing.T) {
	raw, err := NewAccessToken("top-secret", "user-42", time.Minute)
	require.NoError(t, err)

	_, err = ParseAccessToken("other-secret", raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessTokenExpired(t *testing.T) {
	raw, err := NewAccessToken("top-secret", "user-42", -time.Minute)
	require.NoError(t, err)

	_, err = ParseAccessToken("top-secret", raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessTokenGarbage(t *testing.T) {
	_, err := ParseAccessToken("top-secret", "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessTokenEmptySubject(t *testing.T) {
	raw, err := NewAccessToken("top-secret", "", time.Minute)
	require.NoError(t, err)

	_, err = ParseAccessToken("top-secret", raw)
	assert.ErrorIs(t, err, ErrEmptySubject)
}
