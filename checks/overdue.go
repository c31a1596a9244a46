package checks

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
)

const overdueGrace = time.Hour

func overdueActivities(ctx context.Context, env *Env) ([]alerts.Violation, error) {
	cutoff := env.Now.Add(-overdueGrace)
	acts := fetchCandidates[bitrix.Activity](ctx, env, bitrix.ListQuery{
		Method: "crm.activity.list",
		Filter: map[string]any{
			"COMPLETED":     "N",
			"OWNER_TYPE_ID": bitrix.OwnerTypeDeal,
			"<=DEADLINE":    env.crmTime(cutoff),
		},
		Select: []string{"ID", "SUBJECT", "DEADLINE", "RESPONSIBLE_ID", "CREATED", "OWNER_ID", "OWNER_TYPE_ID"},
	})

	type overdue struct {
		act      bitrix.Activity
		deadline time.Time
	}
	var found []overdue
	for _, a := range acts {
		if a.OwnerTypeID.Int() != bitrix.OwnerTypeDeal {
			continue
		}
		deadline, ok := env.parseTime(ctx, "DEADLINE", a.Deadline, a.ID.Int())
		if !ok {
			continue
		}
		if deadline.After(cutoff) {
			continue
		}
		found = append(found, overdue{act: a, deadline: deadline})
	}
	env.logger(ctx).WithField("candidates", len(acts)).WithField("overdue", len(found)).Info("overdue activities evaluated")
	if len(found) == 0 {
		return nil, nil
	}

	dealIDs := make([]int, 0, len(found))
	userIDs := make([]int, 0, len(found))
	for _, f := range found {
		dealIDs = append(dealIDs, f.act.OwnerID.Int())
		userIDs = append(userIDs, f.act.ResponsibleID.ID)
	}
	deals := env.lookupDeals(ctx, dealIDs)
	names := env.Directory.UserNames(ctx, userIDs)

	out := make([]alerts.Violation, 0, len(found))
	for _, f := range found {
		dealID := f.act.OwnerID.Int()
		remark := fmt.Sprintf("Activity %d overdue by more than 1 hour. Deadline: %s", f.act.ID.Int(), env.Calendar.Format(f.deadline))
		out = append(out, env.dealViolation(RuleOverdueActivities, dealID, deals[dealID], responsibleName(names, f.act.ResponsibleID), remark))
	}
	return out, nil
}

func responsibleName(names map[int]string, id bitrix.OptionalID) string {
	if !id.Valid {
		return ""
	}
	if n, ok := names[id.ID]; ok {
		return n
	}
	return bitrix.FallbackName(id.ID)
}
