package model

import "context"

// RequestContext carries per-request identity and correlation data extracted
// by the transport middleware.
type RequestContext struct {
	ActorID       string
	Email         string
	CorrelationID string
}

type requestContextKey struct{}

// WithRequestContext stores a RequestContext in the context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext, or nil if absent.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
