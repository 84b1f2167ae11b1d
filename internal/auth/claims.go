package auth

import "github.com/golang-jwt/jwt/v5"

// ChannelClaims authorize one subscription to one session's updates.
// The tenant is carried as a fingerprint; raw API keys never go into a URL.
type ChannelClaims struct {
	jwt.RegisteredClaims

	CallID string `json:"call_id"`
	Tenant string `json:"tenant"`
}
