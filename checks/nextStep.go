package checks

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/utils"
)

const (
	nextStepWindow   = 2 * time.Hour
	nextStepLookback = 6 * time.Hour
)

var completedTaskSelect = []string{"ID", "SUBJECT", "RESPONSIBLE_ID", "OWNER_ID", "OWNER_TYPE_ID", "END_TIME", "LAST_UPDATED"}

type completedTask struct {
	act bitrix.Activity
	at  time.Time
}

// nextStepMissing flags deals whose last completed task is older than two hours
// while the deal has no open activity.
func nextStepMissing(ctx context.Context, env *Env) ([]alerts.Violation, error) {
	acts := fetchCandidates[bitrix.Activity](ctx, env, bitrix.ListQuery{
		Method: "crm.activity.list",
		Filter: map[string]any{
			"COMPLETED":      "Y",
			"OWNER_TYPE_ID":  bitrix.OwnerTypeDeal,
			"TYPE_ID":        bitrix.ActivityTypeTask,
			"<=LAST_UPDATED": env.crmTime(env.Now.Add(-nextStepWindow)),
		},
		Select: completedTaskSelect,
	})

	tasks := parseCompleted(ctx, env, acts, "LAST_UPDATED", func(a bitrix.Activity) string { return a.LastUpdated })
	latest := FirstBy(tasks, Key(func(t completedTask) int { return t.act.OwnerID.Int() }), func(a, b completedTask) bool {
		return a.at.After(b.at)
	})
	if len(latest) == 0 {
		return nil, nil
	}

	open, unknown := dealsWithOpenActivities(ctx, env, sortedKeys(latest))

	var stale []completedTask
	for _, id := range sortedKeys(latest) {
		t := latest[id]
		if open[id] || unknown[id] {
			continue
		}
		if !env.Calendar.OlderThan(env.Now, t.at, nextStepWindow) {
			continue
		}
		stale = append(stale, t)
	}
	env.logger(ctx).WithField("deals", len(latest)).WithField("missing_next_step", len(stale)).Info("next step evaluated")
	if len(stale) == 0 {
		return nil, nil
	}

	staleDeals := make([]int, 0, len(stale))
	userIDs := make([]int, 0, len(stale))
	for _, t := range stale {
		staleDeals = append(staleDeals, t.act.OwnerID.Int())
		userIDs = append(userIDs, t.act.ResponsibleID.ID)
	}
	deals := env.lookupDeals(ctx, staleDeals)
	names := env.Directory.UserNames(ctx, userIDs)

	out := make([]alerts.Violation, 0, len(stale))
	for _, t := range stale {
		dealID := t.act.OwnerID.Int()
		remark := "Next step not set more than 2 hours after the previous task was completed"
		out = append(out, env.dealViolation(RuleNextStepMissing, dealID, deals[dealID], responsibleName(names, t.act.ResponsibleID), remark))
	}
	return out, nil
}

// nextStepNoNewDeal flags tasks completed 6h to 2h ago by users who have not
// created any deal in the last two hours.
func nextStepNoNewDeal(ctx context.Context, env *Env) ([]alerts.Violation, error) {
	lo := env.Now.Add(-nextStepLookback)
	hi := env.Now.Add(-nextStepWindow)
	acts := fetchCandidates[bitrix.Activity](ctx, env, bitrix.ListQuery{
		Method: "crm.activity.list",
		Filter: map[string]any{
			"COMPLETED":      "Y",
			"OWNER_TYPE_ID":  bitrix.OwnerTypeDeal,
			"TYPE_ID":        bitrix.ActivityTypeTask,
			">=LAST_UPDATED": env.crmTime(lo),
			"<LAST_UPDATED":  env.crmTime(hi),
		},
		Select: completedTaskSelect,
	})
	tasks := parseCompleted(ctx, env, acts, "LAST_UPDATED", func(a bitrix.Activity) string { return a.LastUpdated })

	var inWindow []completedTask
	for _, t := range tasks {
		if env.Calendar.Within(t.at, lo, hi) && t.act.ResponsibleID.Valid {
			inWindow = append(inWindow, t)
		}
	}
	if len(inWindow) == 0 {
		return nil, nil
	}

	recent, err := bitrix.FetchAll[bitrix.Deal](ctx, env.CRM, bitrix.ListQuery{
		Method: "crm.deal.list",
		Filter: map[string]any{">=DATE_CREATE": env.crmTime(env.Now.Add(-nextStepWindow))},
		Select: []string{"ID", "CREATED_BY_ID", "ASSIGNED_BY_ID", "DATE_CREATE"},
	})
	if err != nil {
		env.logger(ctx).WithError(err).Warn("recent deal fetch failed; skipping rule")
		return nil, nil
	}
	var created []bitrix.Deal
	for _, d := range recent {
		if d.CreatedByID.Valid {
			created = append(created, d)
		}
	}
	creators := IndexBy(created, func(d bitrix.Deal) int { return d.CreatedByID.ID })

	var idle []completedTask
	for _, t := range inWindow {
		if _, ok := creators[t.act.ResponsibleID.ID]; !ok {
			idle = append(idle, t)
		}
	}
	env.logger(ctx).WithField("tasks", len(inWindow)).WithField("without_new_deal", len(idle)).Info("next step (new deal) evaluated")
	if len(idle) == 0 {
		return nil, nil
	}

	dealIDs := make([]int, 0, len(idle))
	userIDs := make([]int, 0, len(idle))
	for _, t := range idle {
		dealIDs = append(dealIDs, t.act.OwnerID.Int())
		userIDs = append(userIDs, t.act.ResponsibleID.ID)
	}
	deals := env.lookupDeals(ctx, dealIDs)
	names := env.Directory.UserNames(ctx, userIDs)

	out := make([]alerts.Violation, 0, len(idle))
	for _, t := range idle {
		dealID := t.act.OwnerID.Int()
		remark := fmt.Sprintf("No new deal created within 2 hours after task %d was completed at %s", t.act.ID.Int(), env.Calendar.Format(t.at))
		out = append(out, env.dealViolation(RuleNextStepNoNewDeal, dealID, deals[dealID], responsibleName(names, t.act.ResponsibleID), remark))
	}
	return out, nil
}

func parseCompleted(ctx context.Context, env *Env, acts []bitrix.Activity, field string, value func(bitrix.Activity) string) []completedTask {
	out := make([]completedTask, 0, len(acts))
	for _, a := range acts {
		at, ok := env.parseTime(ctx, field, value(a), a.ID.Int())
		if !ok {
			continue
		}
		out = append(out, completedTask{act: a, at: at})
	}
	return out
}

// dealsWithOpenActivities reports deals with at least one incomplete activity.
// Deals whose batch could not be fetched are returned in unknown.
func dealsWithOpenActivities(ctx context.Context, env *Env, dealIDs []int) (open, unknown map[int]bool) {
	open = map[int]bool{}
	unknown = map[int]bool{}
	for _, batch := range utils.Chunk(utils.UniqueSlice(dealIDs), bitrix.BatchSize) {
		acts, err := bitrix.FetchAll[bitrix.Activity](ctx, env.CRM, bitrix.ListQuery{
			Method: "crm.activity.list",
			Filter: map[string]any{
				"OWNER_ID":      batch,
				"OWNER_TYPE_ID": bitrix.OwnerTypeDeal,
				"COMPLETED":     "N",
			},
			Select: []string{"ID", "OWNER_ID"},
		})
		for _, a := range acts {
			open[a.OwnerID.Int()] = true
		}
		if err != nil {
			env.logger(ctx).WithError(err).WithField("deal_ids", batch).Warn("open activity lookup failed")
			for _, id := range batch {
				if !open[id] {
					unknown[id] = true
				}
			}
		}
	}
	return open, unknown
}
