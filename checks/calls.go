package checks

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
	"bitbucket.org/mmdatafocus/crm_auditor/utils"
)

// callsByDeal fetches call activities of the divergent deals in batches,
// starting at the earliest fixed time of each batch, and groups them by deal.
// Deals whose batch failed are returned in unknown.
func callsByDeal(ctx context.Context, env *Env, rows []models.AssignmentDivergence, timeField string, extra map[string]any) (calls map[int][]bitrix.Activity, unknown map[int]bool) {
	calls = map[int][]bitrix.Activity{}
	unknown = map[int]bool{}

	for _, batch := range utils.Chunk(rows, bitrix.BatchSize) {
		ids := make([]int, 0, len(batch))
		var since time.Time
		for i, r := range batch {
			ids = append(ids, r.DealID)
			if i == 0 || r.FixedTime.Before(since) {
				since = r.FixedTime
			}
		}

		filter := map[string]any{
			"OWNER_ID":       ids,
			"OWNER_TYPE_ID":  bitrix.OwnerTypeDeal,
			"TYPE_ID":        bitrix.ActivityTypeCall,
			">=" + timeField: env.crmTime(since),
		}
		for k, v := range extra {
			filter[k] = v
		}
		acts, err := bitrix.FetchAll[bitrix.Activity](ctx, env.CRM, bitrix.ListQuery{
			Method: "crm.activity.list",
			Filter: filter,
			Order:  map[string]string{timeField: "ASC"},
			Select: []string{"ID", "OWNER_ID", "DIRECTION", "START_TIME", "END_TIME", "RESPONSIBLE_ID"},
		})
		if err != nil {
			env.logger(ctx).WithError(err).WithField("deal_ids", ids).Warn("call lookup failed; deals left unevaluated")
			for _, id := range ids {
				unknown[id] = true
			}
			continue
		}
		for dealID, group := range GroupBy(acts, Key(func(a bitrix.Activity) int { return a.OwnerID.Int() })) {
			calls[dealID] = group
		}
	}
	return calls, unknown
}
