package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxTenant ctxKey = iota

// WithTenant stores the caller's API key in ctx.
func WithTenant(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, ctxTenant, apiKey)
}

// Tenant returns the API key stored by RequireAPIKey.
func Tenant(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxTenant).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("tenant not in context")
}
