package entities

import (
	"strings"
	"time"
)

// Token is a bearer credential for the insurer API
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ValidAt reports whether the token can still be used at now, treating it as
// expired skew before its stated expiry
func (t *Token) ValidAt(now time.Time, skew time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return now.Add(skew).Before(t.ExpiresAt)
}

// AuthorizationHeader returns the value for the Authorization header
func (t *Token) AuthorizationHeader() string {
	tokenType := strings.TrimSpace(t.TokenType)
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + t.AccessToken
}
