package checks

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/utils"
)

const (
	stageMoveWindow   = 6 * time.Hour
	stageMoveLookback = 72 * time.Hour
)

type stageEvent struct {
	dealID int
	id     int
	at     time.Time
}

func dealNotMoved(ctx context.Context, env *Env) ([]alerts.Violation, error) {
	lo := env.Now.Add(-stageMoveLookback)
	hi := env.Now.Add(-stageMoveWindow)
	acts := fetchCandidates[bitrix.Activity](ctx, env, bitrix.ListQuery{
		Method: "crm.activity.list",
		Filter: map[string]any{
			"COMPLETED":     "Y",
			"OWNER_TYPE_ID": bitrix.OwnerTypeDeal,
			"TYPE_ID":       bitrix.ActivityTypeTask,
			">=END_TIME":    env.crmTime(lo),
			"<=END_TIME":    env.crmTime(hi),
		},
		Select: completedTaskSelect,
	})
	tasks := parseCompleted(ctx, env, acts, "END_TIME", func(a bitrix.Activity) string { return a.EndTime })
	lastTask := FirstBy(tasks, Key(func(t completedTask) int { return t.act.OwnerID.Int() }), func(a, b completedTask) bool {
		return a.at.After(b.at)
	})
	if len(lastTask) == 0 {
		return nil, nil
	}

	lastMove := FirstBy(stageEvents(ctx, env, sortedKeys(lastTask)), Key(func(e stageEvent) int { return e.dealID }), func(a, b stageEvent) bool {
		if a.at.Equal(b.at) {
			return a.id > b.id
		}
		return a.at.After(b.at)
	})

	var stuck []completedTask
	for _, dealID := range sortedKeys(lastTask) {
		t := lastTask[dealID]
		move, ok := lastMove[dealID]
		if !ok {
			continue
		}
		if move.at.Before(t.at) && env.Calendar.OlderThan(env.Now, t.at, stageMoveWindow) {
			stuck = append(stuck, t)
		}
	}
	env.logger(ctx).WithField("deals", len(lastTask)).WithField("not_moved", len(stuck)).Info("stage movement evaluated")
	if len(stuck) == 0 {
		return nil, nil
	}

	dealIDs := make([]int, 0, len(stuck))
	userIDs := make([]int, 0, len(stuck))
	for _, t := range stuck {
		dealIDs = append(dealIDs, t.act.OwnerID.Int())
		userIDs = append(userIDs, t.act.ResponsibleID.ID)
	}
	deals := env.lookupDeals(ctx, dealIDs)
	names := env.Directory.UserNames(ctx, userIDs)

	out := make([]alerts.Violation, 0, len(stuck))
	for _, t := range stuck {
		dealID := t.act.OwnerID.Int()
		remark := "Deal not moved to another stage within 6 hours after the last completed task"
		out = append(out, env.dealViolation(RuleDealNotMoved, dealID, deals[dealID], responsibleName(names, t.act.ResponsibleID), remark))
	}
	return out, nil
}

// stageEvents reads deal stage history in batches; the method answers with the
// nested {"items": [...]} shape.
func stageEvents(ctx context.Context, env *Env, dealIDs []int) []stageEvent {
	var out []stageEvent
	for _, batch := range utils.Chunk(dealIDs, bitrix.BatchSize) {
		changes, err := bitrix.FetchAll[bitrix.StageChange](ctx, env.CRM, bitrix.ListQuery{
			Method: "crm.stagehistory.list",
			Extra:  map[string]any{"entityTypeId": bitrix.OwnerTypeDeal},
			Filter: map[string]any{"OWNER_ID": batch},
			Order:  map[string]string{"ID": "DESC"},
			Select: []string{"ID", "OWNER_ID", "STAGE_ID", "CREATED_TIME"},
		})
		if err != nil {
			env.logger(ctx).WithError(err).WithField("deal_ids", batch).Warn("stage history incomplete")
		}
		for _, c := range changes {
			at, ok := env.parseTime(ctx, "CREATED_TIME", c.CreatedTime, c.ID.Int())
			if !ok {
				continue
			}
			out = append(out, stageEvent{dealID: c.OwnerID.Int(), id: c.ID.Int(), at: at})
		}
	}
	return out
}
