package auth

import "context"

type handleContextKey struct{}
type tokenContextKey struct{}

// ContextWithHandle attaches verified handle claims to the context.
func ContextWithHandle(ctx context.Context, claims HandleClaims) context.Context {
	return context.WithValue(ctx, handleContextKey{}, &claims)
}

// HandleFromContext extracts verified handle claims from the context.
func HandleFromContext(ctx context.Context) (HandleClaims, bool) {
	if ctx == nil {
		return HandleClaims{}, false
	}
	v, ok := ctx.Value(handleContextKey{}).(*HandleClaims)
	if !ok || v == nil {
		return HandleClaims{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
