package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(accessExpiry time.Duration) *Manager {
	return NewManager("test-secret-at-least-32-characters!!", "walletrelay-test", accessExpiry, 7*24*time.Hour)
}

func TestManager_GenerateTokenPair(t *testing.T) {
	manager := newTestManager(15 * time.Minute)

	pair, err := manager.GenerateTokenPair("0xabc", "pro")
	require.NoError(t, err)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(15*60), pair.ExpiresIn)
}

func TestManager_ValidateToken(t *testing.T) {
	manager := newTestManager(15 * time.Minute)

	pair, err := manager.GenerateTokenPair("0xabc", "pro")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(pair.AccessToken)
	require.NoError(t, err)

	assert.Equal(t, "0xabc", claims.Wallet)
	assert.Equal(t, "pro", claims.Tier)
	assert.Equal(t, "walletrelay-test", claims.Issuer)
}

func TestManager_ValidateToken_Invalid(t *testing.T) {
	manager := newTestManager(15 * time.Minute)

	_, err := manager.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_ValidateToken_Expired(t *testing.T) {
	manager := newTestManager(-1 * time.Minute)

	pair, err := manager.GenerateTokenPair("0xabc", "free")
	require.NoError(t, err)

	_, err = manager.ValidateToken(pair.AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestManager_ValidateToken_WrongSecret(t *testing.T) {
	manager := newTestManager(15 * time.Minute)
	other := NewManager("another-secret-also-32-characters!!!", "walletrelay-test", 15*time.Minute, time.Hour)

	pair, err := manager.GenerateTokenPair("0xabc", "free")
	require.NoError(t, err)

	_, err = other.ValidateToken(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_RefreshTokens(t *testing.T) {
	manager := newTestManager(15 * time.Minute)

	pair, err := manager.GenerateTokenPair("0xabc", "business")
	require.NoError(t, err)

	renewed, err := manager.RefreshTokens(pair.RefreshToken)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(renewed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", claims.Wallet)
	assert.Equal(t, "business", claims.Tier)
}
