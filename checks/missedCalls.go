package checks

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
)

const successfulCallDuration = 20 * time.Second

// missedCalls flags divergent deals where nobody got through (no call longer
// than 20s) and fewer unsuccessful attempts were made than the hour requires.
// Deals with no calls at all belong to uncontacted_reassigned.
func missedCalls(ctx context.Context, env *Env) ([]alerts.Violation, error) {
	rows, err := env.Facts.ListAssignmentDivergences(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	calls, unknown := callsByDeal(ctx, env, rows, "START_TIME", nil)

	type shortfall struct {
		row      models.AssignmentDivergence
		required int
	}
	var found []shortfall
	for _, r := range rows {
		if unknown[r.DealID] {
			continue
		}
		fixed := env.Calendar.In(r.FixedTime)

		total, attempts := 0, 0
		connected := false
		for _, c := range calls[r.DealID] {
			start, ok := env.parseTime(ctx, "START_TIME", c.StartTime, c.ID.Int())
			if !ok {
				continue
			}
			if start.Before(fixed) {
				continue
			}
			end, ok := env.parseTime(ctx, "END_TIME", c.EndTime, c.ID.Int())
			if !ok {
				continue
			}
			total++
			if end.Sub(start) > successfulCallDuration {
				connected = true
				break
			}
			attempts++
		}
		if total == 0 || connected {
			continue
		}
		required := env.Calendar.RequiredAttempts(fixed.Hour())
		if attempts < required {
			found = append(found, shortfall{row: r, required: required})
		}
	}
	env.logger(ctx).WithField("divergences", len(rows)).WithField("insufficient_attempts", len(found)).Info("call attempts evaluated")
	if len(found) == 0 {
		return nil, nil
	}

	dealIDs := make([]int, 0, len(found))
	for _, f := range found {
		dealIDs = append(dealIDs, f.row.DealID)
	}
	deals := env.lookupDeals(ctx, dealIDs)
	userIDs := make([]int, 0, len(deals))
	for _, d := range deals {
		userIDs = append(userIDs, d.AssignedByID.ID)
	}
	names := env.Directory.UserNames(ctx, userIDs)

	out := make([]alerts.Violation, 0, len(found))
	for _, f := range found {
		deal := deals[f.row.DealID]
		responsible := ""
		if deal != nil {
			responsible = responsibleName(names, deal.AssignedByID)
		}
		remark := fmt.Sprintf("Not enough unsuccessful call attempts after reassignment (required %d)", f.required)
		out = append(out, env.dealViolation(RuleMissedCalls, f.row.DealID, deal, responsible, remark))
	}
	return out, nil
}
