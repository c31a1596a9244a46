package checks

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix/bitrixtest"
	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"bitbucket.org/mmdatafocus/crm_auditor/utils"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Location:        moscow(t),
		OpenHour:        9,
		CloseHour:       18,
		SourceLabel:     "Program",
		PortalURL:       "https://portal.example",
		PlaceholderName: "Без имени",
		PhoneRegion:     "RU",
	}
}

func violationRule(name string, dealIDs ...int) Rule {
	return Rule{Name: name, Evaluate: func(_ context.Context, env *Env) ([]alerts.Violation, error) {
		var out []alerts.Violation
		for _, id := range dealIDs {
			out = append(out, env.dealViolation(name, id, nil, "Anna", "remark "+name))
		}
		return out, nil
	}}
}

func TestRunner_IsolatesFailingRules(t *testing.T) {
	store := &alerts.MemoryStore{}
	sink := alerts.NewDedupSink(store, moscow(t), nil)
	boom := errors.New("boom")

	runner := NewRunner(testConfig(t), bitrixtest.New(), nil, &memFacts{}, sink, nil).
		WithClock(func() time.Time { return at(t, "2024-01-01T11:00:00+03:00") }).
		WithRules([]Rule{
			{Name: "panics", Evaluate: func(context.Context, *Env) ([]alerts.Violation, error) { panic("nil map") }},
			{Name: "fails", Evaluate: func(context.Context, *Env) ([]alerts.Violation, error) { return nil, boom }},
			violationRule("ok", 1, 2),
		})

	report, err := runner.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to wrap the rule failure, got %v", err)
	}
	if len(report.Rules) != 3 {
		t.Fatalf("expected all three rules to run, got %+v", report.Rules)
	}
	if report.Rules[0].Err == nil || report.Rules[1].Err == nil || report.Rules[2].Err != nil {
		t.Fatalf("unexpected rule outcomes %+v", report.Rules)
	}
	if report.Appended() != 2 {
		t.Fatalf("expected 2 appended alerts, got %d", report.Appended())
	}
	// header plus two alerts
	if rows := store.Rows(); len(rows) != 3 {
		t.Fatalf("expected 3 rows in the sink, got %d", len(rows))
	}
}

func TestRunner_SecondRunAppendsNothing(t *testing.T) {
	store := &alerts.MemoryStore{}
	sink := alerts.NewDedupSink(store, moscow(t), nil)
	clock := at(t, "2024-01-01T11:00:00+03:00")
	runner := NewRunner(testConfig(t), bitrixtest.New(), nil, &memFacts{}, sink, nil).
		WithClock(func() time.Time { return clock }).
		WithRules([]Rule{violationRule("ok", 7)})

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Appended() != 0 {
		t.Fatalf("expected repeated violation to be suppressed, appended %d", report.Appended())
	}
}

func TestRunner_RejectsOverlappingRun(t *testing.T) {
	guard := &LocalRunGuard{}
	release, err := guard.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	runner := NewRunner(testConfig(t), bitrixtest.New(), nil, &memFacts{}, alerts.NewDedupSink(&alerts.MemoryStore{}, nil, nil), guard).
		WithRules([]Rule{violationRule("ok", 1)})
	if _, err := runner.Run(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestRunner_UnknownRule(t *testing.T) {
	runner := NewRunner(testConfig(t), bitrixtest.New(), nil, &memFacts{}, alerts.NewDedupSink(&alerts.MemoryStore{}, nil, nil), nil)
	if _, err := runner.Run(context.Background(), "no_such_rule"); !errors.Is(err, ErrUnknownRule) {
		t.Fatalf("expected ErrUnknownRule, got %v", err)
	}
}

func TestRunner_SelectsRulesAndTagsContext(t *testing.T) {
	var seen []string
	record := func(name string) Rule {
		return Rule{Name: name, Evaluate: func(ctx context.Context, env *Env) ([]alerts.Violation, error) {
			name, _ := utils.GetRuleNameFromContext(ctx)
			seen = append(seen, name)
			return nil, nil
		}}
	}
	runner := NewRunner(testConfig(t), bitrixtest.New(), nil, &memFacts{}, alerts.NewDedupSink(&alerts.MemoryStore{}, nil, nil), nil).
		WithRules([]Rule{record("a"), record("b"), record("c")})

	if _, err := runner.Run(context.Background(), "c", "a"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "c" {
		t.Fatalf("expected rules a and c in configured order, got %v", seen)
	}
}

func TestDefaultRules_Order(t *testing.T) {
	want := []string{
		RuleOverdueActivities, RuleNextStepMissing, RuleNextStepNoNewDeal, RuleDealNotMoved,
		RuleContactNameMissing, RuleUncontactedReassigned, RuleContactRemoved,
		RuleAdditionalPhoneMissing, RuleMissedCalls,
	}
	rules := DefaultRules()
	if len(rules) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(rules))
	}
	for i, r := range rules {
		if r.Name != want[i] {
			t.Fatalf("rule %d: expected %s, got %s", i, want[i], r.Name)
		}
	}
}

func recordingRule(seen *[]string, name string) Rule {
	return Rule{Name: name, Evaluate: func(context.Context, *Env) ([]alerts.Violation, error) {
		*seen = append(*seen, name)
		return nil, nil
	}}
}

func TestRunner_SkipsDisabledRulesUnlessNamed(t *testing.T) {
	var seen []string
	cfg := testConfig(t)
	cfg.DisabledRules = []string{"B"}
	runner := NewRunner(cfg, bitrixtest.New(), nil, &memFacts{}, alerts.NewDedupSink(&alerts.MemoryStore{}, nil, nil), nil).
		WithRules([]Rule{recordingRule(&seen, "a"), recordingRule(&seen, "b")})

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 1 || seen[0] != "a" {
		t.Fatalf("expected only rule a, got %v", seen)
	}
	seen = nil
	if _, err := runner.Run(context.Background(), "b"); err != nil {
		t.Fatalf("run b: %v", err)
	}
	if len(seen) != 1 || seen[0] != "b" {
		t.Fatalf("expected explicitly named rule b to run, got %v", seen)
	}
}

func TestRunner_RuleSetIgnoresEnvironmentAfterConstruction(t *testing.T) {
	t.Setenv("DISABLED_RULES", "")
	var seen []string
	runner := NewRunner(testConfig(t), bitrixtest.New(), nil, &memFacts{}, alerts.NewDedupSink(&alerts.MemoryStore{}, nil, nil), nil).
		WithRules([]Rule{recordingRule(&seen, "a"), recordingRule(&seen, "b")})

	first, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	t.Setenv("DISABLED_RULES", "a")
	second, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(first.Rules) != 2 || len(second.Rules) != 2 {
		t.Fatalf("expected both runs to evaluate 2 rules, got %d and %d", len(first.Rules), len(second.Rules))
	}
	if len(seen) != 4 {
		t.Fatalf("expected four evaluations, got %v", seen)
	}
}
