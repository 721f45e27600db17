package aggregate

import "context"

type ctxKey string

const (
	ctxMeta          ctxKey = "meta"
	ctxCausationID   ctxKey = "causation_id"
	ctxCorrelationID ctxKey = "correlation_id"
)

// CtxWithMeta returns new context with meta data which will be attached
// to every event appended through the aggregate store
func CtxWithMeta(ctx context.Context, meta map[string]string) context.Context {
	return context.WithValue(ctx, ctxMeta, meta)
}

// CtxWithCausationID returns new context with causation event id
func CtxWithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCausationID, id)
}

// CtxWithCorrelationID returns new context with correlation event id
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCorrelationID, id)
}

func metaFrom(ctx context.Context) map[string]string {
	meta, _ := ctx.Value(ctxMeta).(map[string]string)

	return meta
}

func causationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxCausationID).(string)

	return id
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxCorrelationID).(string)

	return id
}
