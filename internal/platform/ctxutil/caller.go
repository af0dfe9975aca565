package ctxutil

import "context"

type callerKey struct{}

// Caller is the identity handed to the core by the auth layer. ID may be
// empty for anonymous callers; the core never validates it.
type Caller struct {
	ID     string
	Source string
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(Default(ctx), callerKey{}, c)
}

func GetCaller(ctx context.Context) Caller {
	if ctx == nil {
		return Caller{}
	}
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{}
}
