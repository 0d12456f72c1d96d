package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTenantAuthService(t *testing.T) {
	svc := NewTenantAuthService("test-secret-key-for-unit-tests")
	require.NotNil(t, svc)
	require.NotNil(t, svc.jwtService)
}

func TestIssueTokens(t *testing.T) {
	svc := NewTenantAuthService("test-secret-key-for-unit-tests")

	pair, err := svc.IssueTokens("tenant-1", "service")
	require.NoError(t, err)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.True(t, pair.AccessTokenExpiresAt.After(time.Now()))
	assert.True(t, pair.RefreshTokenExpiresAt.After(pair.AccessTokenExpiresAt))
}

func TestValidateToken(t *testing.T) {
	svc := NewTenantAuthService("test-secret-key-for-unit-tests")

	pair, err := svc.IssueTokens("tenant-42", "operator")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tenant-42", claims.TenantID)
	assert.Equal(t, "operator", claims.Role)

	_, err = svc.ValidateToken("not-a-real-token")
	assert.Error(t, err)

	otherSvc := NewTenantAuthService("a-completely-different-secret-key")
	_, err = otherSvc.ValidateToken(pair.AccessToken)
	assert.Error(t, err)
}

func TestRefreshTokens(t *testing.T) {
	svc := NewTenantAuthService("test-secret-key-for-unit-tests")

	pair, err := svc.IssueTokens("tenant-7", "service")
	require.NoError(t, err)

	newAccess, err := svc.RefreshTokens(pair.RefreshToken)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(newAccess)
	require.NoError(t, err)
	assert.Equal(t, "tenant-7", claims.TenantID)

	_, err = svc.RefreshTokens(pair.AccessToken)
	assert.Error(t, err, "an access token should not validate as a refresh token")
}

func TestBlacklistToken(t *testing.T) {
	svc := NewTenantAuthService("test-secret-key-for-unit-tests")

	pair, err := svc.IssueTokens("tenant-9", "service")
	require.NoError(t, err)

	_, err = svc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.BlacklistToken(pair.AccessToken))

	_, err = svc.ValidateToken(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenBlacklisted)
}
