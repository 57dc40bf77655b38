package compat

import "context"

type requestModelKey struct{}

// WithRequestModel returns a context carrying the original request's model
// field, so ProcessOutgoing can fall back to it instead of always resolving
// the normalized response's model to "unknown" (spec §4.5 response
// normalization: model = request.model || "unknown").
func WithRequestModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, requestModelKey{}, model)
}

// RequestModelFromContext returns the model threaded by WithRequestModel, or
// "" if none was set.
func RequestModelFromContext(ctx context.Context) string {
	model, _ := ctx.Value(requestModelKey{}).(string)
	return model
}
