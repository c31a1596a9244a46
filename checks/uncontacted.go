package checks

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
)

// uncontactedReassigned flags unchecked divergences with no completed outbound
// call between the fixed time and the first-contact deadline. A divergence is
// only judged once its deadline has passed.
func uncontactedReassigned(ctx context.Context, env *Env) ([]alerts.Violation, error) {
	rows, err := env.Facts.ListAssignmentDivergences(ctx, true)
	if err != nil {
		return nil, err
	}

	var due []models.AssignmentDivergence
	for _, r := range rows {
		if env.Now.Before(env.Calendar.NextBusinessOpen(r.FixedTime)) {
			continue
		}
		due = append(due, r)
	}
	if len(due) == 0 {
		return nil, nil
	}

	calls, unknown := callsByDeal(ctx, env, due, "END_TIME", map[string]any{
		"COMPLETED": "Y",
		"DIRECTION": bitrix.DirectionOutgoing,
	})

	var missed []models.AssignmentDivergence
	for _, r := range due {
		if unknown[r.DealID] {
			continue
		}
		fixed := env.Calendar.In(r.FixedTime)
		deadline := env.Calendar.NextBusinessOpen(fixed)
		reached := false
		for _, c := range calls[r.DealID] {
			if c.Direction.Int() != 0 && c.Direction.Int() != bitrix.DirectionOutgoing {
				continue
			}
			end, ok := env.parseTime(ctx, "END_TIME", c.EndTime, c.ID.Int())
			if !ok {
				continue
			}
			if end.After(fixed) && !end.After(deadline) {
				reached = true
				break
			}
		}
		if !reached {
			missed = append(missed, r)
		}
	}
	env.logger(ctx).WithField("due", len(due)).WithField("uncontacted", len(missed)).Info("reassigned deals evaluated")
	if len(missed) == 0 {
		return nil, nil
	}

	dealIDs := make([]int, 0, len(missed))
	for _, r := range missed {
		dealIDs = append(dealIDs, r.DealID)
	}
	deals := env.lookupDeals(ctx, dealIDs)
	userIDs := make([]int, 0, len(deals))
	for _, d := range deals {
		userIDs = append(userIDs, d.AssignedByID.ID)
	}
	names := env.Directory.UserNames(ctx, userIDs)

	out := make([]alerts.Violation, 0, len(missed))
	for _, r := range missed {
		fixed := env.Calendar.In(r.FixedTime)
		window := "within 1 hour"
		if fixed.Hour() >= env.Calendar.CloseHour {
			window = fmt.Sprintf("before %02d:00 next day", env.Calendar.OpenHour)
		}
		remark := fmt.Sprintf("No outbound call %s of reassignment at %s", window, env.Calendar.Format(fixed))

		deal := deals[r.DealID]
		responsible := ""
		if deal != nil {
			responsible = responsibleName(names, deal.AssignedByID)
		}
		out = append(out, env.dealViolation(RuleUncontactedReassigned, r.DealID, deal, responsible, remark))
	}
	return out, nil
}
