package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyRunId         = ContextKey("RunId")
	ContextKeyRuleName      = ContextKey("RuleName")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyEvent is the CRM event name of an inbound webhook call.
	ContextKeyEvent = ContextKey("Event")

	// ContextKeyReadOnly marks rule evaluation; fact writes are refused.
	ContextKeyReadOnly = ContextKey("ReadOnly")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
