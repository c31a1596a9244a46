package checks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"bitbucket.org/mmdatafocus/crm_auditor/metrics"
	"bitbucket.org/mmdatafocus/crm_auditor/sla"
	"bitbucket.org/mmdatafocus/crm_auditor/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrUnknownRule = errors.New("checks: unknown rule")

// Emitter is the alert sink as seen by the runner.
type Emitter interface {
	Emit(ctx context.Context, violations []alerts.Violation) (int, error)
}

type RuleReport struct {
	Name       string
	Violations int
	Appended   int
	Duration   time.Duration
	Err        error
}

type RunReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Rules      []RuleReport
}

func (r RunReport) Appended() int {
	n := 0
	for _, rr := range r.Rules {
		n += rr.Appended
	}
	return n
}

// Runner evaluates the rules in order, one run at a time. A failing or
// panicking rule is recorded and the remaining rules still run.
type Runner struct {
	crm      bitrix.Caller
	names    bitrix.NameCache
	facts    FactReader
	sink     Emitter
	guard    RunGuard
	calendar sla.Calendar
	rules    []Rule
	now      func() time.Time
	tracer   trace.Tracer
	disabled map[string]bool

	sourceLabel     string
	portalURL       string
	placeholderName string
	phoneRegion     string
}

func NewRunner(cfg *config.Config, crm bitrix.Caller, names bitrix.NameCache, facts FactReader, sink Emitter, guard RunGuard) *Runner {
	if guard == nil {
		guard = &LocalRunGuard{}
	}
	disabled := make(map[string]bool, len(cfg.DisabledRules))
	for _, name := range cfg.DisabledRules {
		disabled[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return &Runner{
		crm:             crm,
		names:           names,
		facts:           facts,
		sink:            sink,
		guard:           guard,
		calendar:        sla.NewCalendar(cfg.Location, cfg.OpenHour, cfg.CloseHour),
		rules:           DefaultRules(),
		now:             time.Now,
		tracer:          otel.Tracer("bitbucket.org/mmdatafocus/crm_auditor/checks"),
		disabled:        disabled,
		sourceLabel:     cfg.SourceLabel,
		portalURL:       cfg.PortalURL,
		placeholderName: cfg.PlaceholderName,
		phoneRegion:     cfg.PhoneRegion,
	}
}

// WithClock replaces the wall clock.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

func (r *Runner) WithRules(rules []Rule) *Runner {
	r.rules = rules
	return r
}

func (r *Runner) RuleNames() []string {
	names := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		names = append(names, rule.Name)
	}
	return names
}

func (r *Runner) selectRules(only []string) ([]Rule, error) {
	if len(only) == 0 {
		out := make([]Rule, 0, len(r.rules))
		for _, rule := range r.rules {
			if r.disabled[strings.ToLower(rule.Name)] {
				config.GetLogger().WithField("rule", rule.Name).Info("rule disabled by DISABLED_RULES")
				continue
			}
			out = append(out, rule)
		}
		return out, nil
	}
	want := make(map[string]bool, len(only))
	for _, n := range only {
		want[n] = true
	}
	var out []Rule
	for _, rule := range r.rules {
		if want[rule.Name] {
			out = append(out, rule)
			delete(want, rule.Name)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, n)
	}
	return out, nil
}

// Run executes the selected rules (all enabled rules when only is empty). It returns
// ErrRunInProgress without doing anything when another run holds the guard,
// and otherwise an error joining every rule failure.
func (r *Runner) Run(ctx context.Context, only ...string) (RunReport, error) {
	rules, err := r.selectRules(only)
	if err != nil {
		return RunReport{}, err
	}

	release, err := r.guard.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			metrics.RunsSkipped.Inc()
		}
		return RunReport{}, err
	}
	defer release()

	report := RunReport{RunID: uuid.NewString(), StartedAt: r.now().In(r.calendar.Location)}
	ctx = utils.SetRunIdInContext(ctx, report.RunID)
	ctx = utils.SetReadOnlyInContext(ctx)
	logger := config.GetLogger().WithFields(utils.LogFields(ctx))

	ctx, span := r.tracer.Start(ctx, "crm_auditor.run", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("rules", len(rules)),
	))
	defer span.End()

	env := &Env{
		CRM:             r.crm,
		Directory:       bitrix.NewDirectory(r.crm, r.names),
		Facts:           r.facts,
		Calendar:        r.calendar,
		Now:             report.StartedAt,
		SourceLabel:     r.sourceLabel,
		PortalURL:       r.portalURL,
		PlaceholderName: r.placeholderName,
		PhoneRegion:     r.phoneRegion,
	}

	logger.WithField("rules", len(rules)).Info("run started")
	var errs []error
	for _, rule := range rules {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rule.Name, ctx.Err()))
			break
		}
		rr := r.runRule(ctx, env, rule)
		report.Rules = append(report.Rules, rr)
		if rr.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rule.Name, rr.Err))
		}
	}
	report.FinishedAt = r.now().In(r.calendar.Location)

	runErr := errors.Join(errs...)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "one or more rules failed")
	}
	logger.WithFields(logrus.Fields{
		"appended":    report.Appended(),
		"failed":      len(errs),
		"duration_ms": report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	}).Info("run finished")
	return report, runErr
}

func (r *Runner) runRule(ctx context.Context, env *Env, rule Rule) (rr RuleReport) {
	rr.Name = rule.Name
	ctx = utils.SetRuleNameInContext(ctx, rule.Name)
	logger := config.GetLogger().WithFields(utils.LogFields(ctx))

	ctx, span := r.tracer.Start(ctx, "crm_auditor.rule", trace.WithAttributes(attribute.String("rule", rule.Name)))
	started := time.Now()
	outcome := "ok"

	defer func() {
		if p := recover(); p != nil {
			rr.Err = fmt.Errorf("panic: %v", p)
			outcome = "panic"
		}
		rr.Duration = time.Since(started)
		if rr.Err != nil {
			if outcome == "ok" {
				outcome = "error"
			}
			span.RecordError(rr.Err)
			span.SetStatus(codes.Error, rr.Err.Error())
			logger.WithError(rr.Err).WithField("outcome", outcome).Error("rule failed")
		}
		span.SetAttributes(attribute.Int("violations", rr.Violations), attribute.Int("appended", rr.Appended))
		span.End()
		metrics.RuleRuns.WithLabelValues(rule.Name, outcome).Inc()
		metrics.RuleDuration.WithLabelValues(rule.Name).Observe(rr.Duration.Seconds())
	}()

	violations, err := rule.Evaluate(ctx, env)
	if err != nil {
		rr.Err = err
		return rr
	}
	rr.Violations = len(violations)
	metrics.ViolationsFound.WithLabelValues(rule.Name).Add(float64(len(violations)))
	if len(violations) == 0 {
		logger.Info("no violations")
		return rr
	}

	appended, err := r.sink.Emit(ctx, violations)
	rr.Appended = appended
	if err != nil {
		rr.Err = fmt.Errorf("emit: %w", err)
		return rr
	}
	logger.WithFields(logrus.Fields{"violations": len(violations), "appended": appended}).Info("rule finished")
	return rr
}
