// Package auth mints and validates the proxy's inbound API keys. A key is a
// signed JWT, base64url-encoded and prefixed with "crosstalk-" so it can
// travel in either x-api-key or Authorization: Bearer.
package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeyPrefix marks keys minted by this proxy.
const KeyPrefix = "crosstalk-"

// Manager signs and validates API keys with a shared secret.
type Manager struct {
	secretKey string
}

// Claims are the JWT claims carried by an API key.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// NewManager creates a manager around the signing secret.
func NewManager(secretKey string) *Manager {
	return &Manager{secretKey: secretKey}
}

// GenerateToken signs a JWT for clientID. A zero ttl mints a non-expiring
// token; proxy keys are long-lived credentials the operator rotates by
// changing the secret.
func (m *Manager) GenerateToken(clientID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenString, nil
}

// GenerateAPIKey mints a prefixed API key for clientID.
func (m *Manager) GenerateAPIKey(clientID string, ttl time.Duration) (string, error) {
	jwtToken, err := m.GenerateToken(clientID, ttl)
	if err != nil {
		return "", err
	}

	encoded := base64.URLEncoding.EncodeToString([]byte(jwtToken))
	encoded = strings.TrimRight(encoded, "=")
	return KeyPrefix + encoded, nil
}

// ValidateAPIKey checks a prefixed API key and returns its claims. A leading
// "Bearer " is tolerated so callers can pass the raw header value.
func (m *Manager) ValidateAPIKey(key string) (*Claims, error) {
	key = strings.TrimPrefix(key, "Bearer ")
	if !strings.HasPrefix(key, KeyPrefix) {
		return nil, fmt.Errorf("invalid API key format: must start with %q", KeyPrefix)
	}

	encoded := key[len(KeyPrefix):]
	if padding := len(encoded) % 4; padding != 0 {
		encoded += strings.Repeat("=", 4-padding)
	}

	jwtBytes, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode API key: %w", err)
	}
	return m.validateJWT(string(jwtBytes))
}

// IsAPIKey reports whether the value looks like a key this proxy minted.
func IsAPIKey(value string) bool {
	return strings.HasPrefix(strings.TrimPrefix(value, "Bearer "), KeyPrefix)
}

func (m *Manager) validateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
