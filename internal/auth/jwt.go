package auth

import (
	"errors"
	"time"

	"callsim/internal/config"
	"callsim/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const channelAudience = "call-updates"

// ChannelTokens issues and verifies short-lived subscription tokens.
type ChannelTokens struct {
	secret []byte
	ttl    time.Duration
}

func NewChannelTokens(cfg config.AuthConfig) (*ChannelTokens, error) {
	if cfg.ChannelSecret == "" {
		return nil, errors.New("CHANNEL_TOKEN_SECRET is required")
	}
	ttl := cfg.ChannelTokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ChannelTokens{secret: []byte(cfg.ChannelSecret), ttl: ttl}, nil
}

// Issue returns a token that lets its bearer subscribe to callID.
func (m *ChannelTokens) Issue(now time.Time, callID, tenant string) (string, error) {
	if callID == "" {
		return "", errors.New("call_id required")
	}
	claims := ChannelClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{channelAudience},
			Subject:   callID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		CallID: callID,
		Tenant: logger.Fingerprint(tenant),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify checks signature, expiry and audience, and that the token was issued for callID.
func (m *ChannelTokens) Verify(tokenString, callID string, now time.Time) (ChannelClaims, error) {
	if tokenString == "" {
		return ChannelClaims{}, errors.New("token missing")
	}
	var claims ChannelClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second),
		jwt.WithAudience(channelAudience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return ChannelClaims{}, err
	}
	if claims.CallID != callID {
		return ChannelClaims{}, errors.New("token issued for another call")
	}
	return claims, nil
}

// VerifyChannel adapts Verify to the websocket handler.
func (m *ChannelTokens) VerifyChannel(token, callID string) error {
	_, err := m.Verify(token, callID, time.Now())
	return err
}
