package util

import (
	"context"

	"github.com/infigaming-com/go-mqclient/errors"
)

type CtxKey string

const (
	CorrelationIDKey CtxKey = "CorrelationId"
)

func ValueToCtx[T any](ctx context.Context, key CtxKey, value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func ValueFromCtx[T any](ctx context.Context, key CtxKey) (T, error) {
	v := ctx.Value(key)
	if v == nil {
		return *new(T), errors.Newf(errors.IllegalState, "%v not found in context", key)
	}
	value, ok := v.(T)
	if !ok {
		return *new(T), errors.Newf(errors.InvalidArgument, "%v is not of type %T on context", key, *new(T))
	}
	return value, nil
}

func CorrelationIDToCtx(ctx context.Context, correlationID string) context.Context {
	return ValueToCtx(ctx, CorrelationIDKey, correlationID)
}

func CorrelationIDFromCtx(ctx context.Context) (string, error) {
	return ValueFromCtx[string](ctx, CorrelationIDKey)
}
