package checks

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
	"bitbucket.org/mmdatafocus/crm_auditor/utils"
)

// contactRemoved flags deals that had a contact when first seen and have none now.
// Deals the CRM no longer returns are skipped.
func contactRemoved(ctx context.Context, env *Env) ([]alerts.Violation, error) {
	snaps, err := env.Facts.ListDealSnapshots(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	dealIDs := make([]int, 0, len(snaps))
	for _, s := range snaps {
		dealIDs = append(dealIDs, s.DealID)
	}
	deals := env.lookupDeals(ctx, dealIDs)

	var removed []models.DealSnapshot
	for _, s := range snaps {
		deal, ok := deals[s.DealID]
		if !ok || deal == nil {
			env.logger(ctx).WithField("deal_id", s.DealID).Debug("deal not returned by CRM; skipped")
			continue
		}
		if !deal.ContactID.Valid {
			removed = append(removed, s)
		}
	}
	env.logger(ctx).WithField("snapshots", len(snaps)).WithField("contact_removed", len(removed)).Info("deal contacts evaluated")
	if len(removed) == 0 {
		return nil, nil
	}

	userIDs := make([]int, 0, len(removed))
	for _, s := range removed {
		userIDs = append(userIDs, deals[s.DealID].AssignedByID.ID)
	}
	names := env.Directory.UserNames(ctx, userIDs)

	out := make([]alerts.Violation, 0, len(removed))
	for _, s := range removed {
		deal := deals[s.DealID]
		remark := fmt.Sprintf("Contact %d was removed from the deal", utils.DereferencePtr(s.ContactID, 0))
		out = append(out, env.dealViolation(RuleContactRemoved, s.DealID, deal, responsibleName(names, deal.AssignedByID), remark))
	}
	return out, nil
}
