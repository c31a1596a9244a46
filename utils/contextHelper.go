package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/crm_auditor/appctx"
	"github.com/sirupsen/logrus"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyRunId         = appctx.ContextKeyRunId
	ContextKeyRuleName      = appctx.ContextKeyRuleName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyEvent         = appctx.ContextKeyEvent
	ContextKeyReadOnly      = appctx.ContextKeyReadOnly
)

func GetRunIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRunId)
}

func GetRuleNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRuleName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetEventFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEvent)
}

func SetRunIdInContext(ctx context.Context, runId string) context.Context {
	return appctx.Set(ctx, ContextKeyRunId, runId)
}

func SetRuleNameInContext(ctx context.Context, rule string) context.Context {
	return appctx.Set(ctx, ContextKeyRuleName, rule)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetEventInContext(ctx context.Context, event string) context.Context {
	return appctx.Set(ctx, ContextKeyEvent, event)
}

func SetReadOnlyInContext(ctx context.Context) context.Context {
	return appctx.Set(ctx, ContextKeyReadOnly, true)
}

func IsReadOnlyContext(ctx context.Context) bool {
	v, ok := appctx.GetBool(ctx, ContextKeyReadOnly)
	return ok && v
}

// LogFields collects the run/rule/correlation ids carried by ctx.
func LogFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if v, ok := GetRunIdFromContext(ctx); ok {
		fields["run_id"] = v
	}
	if v, ok := GetRuleNameFromContext(ctx); ok {
		fields["rule"] = v
	}
	if v, ok := GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = v
	}
	if v, ok := GetEventFromContext(ctx); ok {
		fields["event"] = v
	}
	return fields
}
