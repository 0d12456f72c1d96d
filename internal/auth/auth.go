package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenBlacklisted = errors.New("token has been revoked")
)

// TokenBlacklist manages revoked tokens with automatic TTL-based cleanup.
type TokenBlacklist struct {
	tokens map[string]time.Time // token -> expiration time
	mu     sync.RWMutex
	stopCh chan struct{}
}

var tokenBlacklist *TokenBlacklist
var tokenBlacklistOnce sync.Once

func initTokenBlacklist() {
	tokenBlacklistOnce.Do(func() {
		tokenBlacklist = &TokenBlacklist{
			tokens: make(map[string]time.Time),
			stopCh: make(chan struct{}),
		}
		go tokenBlacklist.cleanupRoutine()
	})
}

func (tb *TokenBlacklist) Add(token string, expiresAt time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens[token] = expiresAt
}

func (tb *TokenBlacklist) IsBlacklisted(token string) bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	_, exists := tb.tokens[token]
	return exists
}

func (tb *TokenBlacklist) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tb.cleanup()
		case <-tb.stopCh:
			return
		}
	}
}

func (tb *TokenBlacklist) cleanup() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	for token, expiresAt := range tb.tokens {
		if now.After(expiresAt) {
			delete(tb.tokens, token)
		}
	}
}

// TokenPair represents access and refresh tokens issued for a tenant.
type TokenPair struct {
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	TokenType             string    `json:"token_type"`
}

// TenantAuthService issues and validates tenant-scoped bearer tokens for
// the HTTP surface. There is no end-user login here — tokens are minted
// by an operator path (or a trusted upstream identity provider) for a
// tenant_id, not a username/password pair.
type TenantAuthService struct {
	jwtService    *JWTService
	jwtSecret     []byte
	tokenExpiry   time.Duration
	refreshExpiry time.Duration
}

// NewTenantAuthService creates a tenant auth service from a JWT signing secret.
func NewTenantAuthService(jwtSecret string) *TenantAuthService {
	refreshSecret := jwtSecret + "_refresh"

	initTokenBlacklist()

	return &TenantAuthService{
		jwtService:    NewJWTService(jwtSecret, refreshSecret, "orchestrator"),
		jwtSecret:     []byte(jwtSecret),
		tokenExpiry:   15 * time.Minute,
		refreshExpiry: 7 * 24 * time.Hour,
	}
}

// IssueTokens mints an access/refresh token pair scoped to tenantID.
func (a *TenantAuthService) IssueTokens(tenantID, role string) (*TokenPair, error) {
	now := time.Now()
	accessToken, refreshToken, err := a.jwtService.GenerateTokens(tenantID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tokens: %w", err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		RefreshToken:          refreshToken,
		AccessTokenExpiresAt:  now.Add(a.tokenExpiry),
		RefreshTokenExpiresAt: now.Add(a.refreshExpiry),
		TokenType:             "Bearer",
	}, nil
}

// ValidateToken validates and parses an access token, rejecting any token
// that has been explicitly revoked via BlacklistToken.
func (a *TenantAuthService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenBlacklist != nil && tokenBlacklist.IsBlacklisted(tokenString) {
		return nil, ErrTokenBlacklisted
	}

	claims, err := a.jwtService.ValidateAccessToken(tokenString)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// RefreshTokens issues a new access token from a still-valid refresh token.
func (a *TenantAuthService) RefreshTokens(refreshToken string) (string, error) {
	accessToken, err := a.jwtService.RefreshAccessToken(refreshToken)
	if err != nil {
		return "", ErrInvalidToken
	}
	return accessToken, nil
}

// BlacklistToken revokes a token ahead of its natural expiration (logout,
// credential compromise). It remains blacklisted until it would have
// expired anyway.
func (a *TenantAuthService) BlacklistToken(tokenString string) error {
	if tokenBlacklist == nil {
		initTokenBlacklist()
	}

	claims, err := a.jwtService.ValidateAccessToken(tokenString)
	expiresAt := time.Now().Add(a.tokenExpiry)
	if err == nil && claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	tokenBlacklist.Add(tokenString, expiresAt)
	return nil
}
