// Package metrics exposes the auditor's Prometheus collectors.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RuleRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_auditor_rule_runs_total",
		Help: "Rule evaluations by rule and outcome (ok, error, panic).",
	}, []string{"rule", "outcome"})

	RuleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crm_auditor_rule_duration_seconds",
		Help:    "Wall time of one rule evaluation.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"rule"})

	ViolationsFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_auditor_violations_found_total",
		Help: "Violations produced by rules before deduplication.",
	}, []string{"rule"})

	AlertsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_auditor_alerts_appended_total",
		Help: "Rows appended to the alert sink.",
	})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_auditor_alerts_suppressed_total",
		Help: "Violations skipped because the sink already had the same row.",
	})

	RunsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_auditor_runs_skipped_total",
		Help: "Scheduled runs skipped because another run held the guard.",
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_auditor_webhook_events_total",
		Help: "Inbound CRM events by event name and HTTP status.",
	}, []string{"event", "status"})
)

func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
