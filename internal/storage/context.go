package storage

import "context"

type accessTokenKey struct{}

// WithAccessToken attaches the caller's access token so backends that
// enforce row-level security can act on the caller's behalf.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

// AccessToken returns the token set by WithAccessToken.
func AccessToken(ctx context.Context) string {
	if v, ok := ctx.Value(accessTokenKey{}).(string); ok {
		return v
	}
	return ""
}
