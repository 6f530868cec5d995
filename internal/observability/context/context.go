package context

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	accountIDKey
	sourceIPKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

func AccountIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(accountIDKey).(string)
	return v
}

func WithSourceIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, sourceIPKey, ip)
}

func SourceIPFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sourceIPKey).(string)
	return v
}
