package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the tenant and role a bearer token was issued for.
// Tokens are issued by an operator-facing admin path or a trusted
// upstream identity provider — this engine never runs an end-user
// login flow, only validates tenant-scoped tokens at the HTTP boundary.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"` // "service", "operator"
	jwt.RegisteredClaims
}

type JWTService struct {
	secretKey     []byte
	refreshSecret []byte
	issuer        string
}

func NewJWTService(secretKey, refreshSecret, issuer string) *JWTService {
	return &JWTService{
		secretKey:     []byte(secretKey),
		refreshSecret: []byte(refreshSecret),
		issuer:        issuer,
	}
}

// GenerateTokens creates both access and refresh tokens for tenantID.
func (j *JWTService) GenerateTokens(tenantID, role string) (accessToken, refreshToken string, err error) {
	now := time.Now()

	accessClaims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   tenantID,
		},
	}

	accessTokenObj := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims)
	accessToken, err = accessTokenObj.SignedString(j.secretKey)
	if err != nil {
		return "", "", err
	}

	refreshClaims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(7 * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   tenantID,
		},
	}

	refreshTokenObj := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims)
	refreshToken, err = refreshTokenObj.SignedString(j.refreshSecret)
	if err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

// ValidateAccessToken validates and parses an access token.
func (j *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return j.secretKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}

// ValidateRefreshToken validates and parses a refresh token.
func (j *JWTService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return j.refreshSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid refresh token claims")
}

// RefreshAccessToken issues a new access token from a valid refresh token.
func (j *JWTService) RefreshAccessToken(refreshToken string) (string, error) {
	claims, err := j.ValidateRefreshToken(refreshToken)
	if err != nil {
		return "", err
	}

	accessToken, _, err := j.GenerateTokens(claims.TenantID, claims.Role)
	return accessToken, err
}
