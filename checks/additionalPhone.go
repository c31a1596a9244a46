package checks

import (
	"context"
	"strings"
	"time"
	"unicode"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"github.com/ttacon/libphonenumber"
)

const additionalPhoneWindow = time.Hour

// additionalPhoneMissing flags deals whose first completed call ended more than
// an hour ago while the deal's contact still has at most one phone number.
func additionalPhoneMissing(ctx context.Context, env *Env) ([]alerts.Violation, error) {
	snaps, err := env.Facts.ListDealSnapshots(ctx, false)
	if err != nil {
		return nil, err
	}

	var called []int
	for _, s := range snaps {
		first, err := bitrix.FetchFirst[bitrix.Activity](ctx, env.CRM, bitrix.ListQuery{
			Method: "crm.activity.list",
			Filter: map[string]any{
				"OWNER_ID":      s.DealID,
				"OWNER_TYPE_ID": bitrix.OwnerTypeDeal,
				"TYPE_ID":       bitrix.ActivityTypeCall,
				"COMPLETED":     "Y",
			},
			Order:  map[string]string{"END_TIME": "ASC"},
			Select: []string{"ID", "END_TIME"},
		})
		if err != nil {
			env.logger(ctx).WithError(err).WithField("deal_id", s.DealID).Warn("first call lookup failed")
			continue
		}
		if first == nil {
			continue
		}
		end, ok := env.parseTime(ctx, "END_TIME", first.EndTime, first.ID.Int())
		if !ok {
			continue
		}
		if env.Calendar.OlderThan(env.Now, end, additionalPhoneWindow) {
			called = append(called, s.DealID)
		}
	}
	if len(called) == 0 {
		return nil, nil
	}

	deals := env.lookupDeals(ctx, called)
	contactIDs := make([]int, 0, len(deals))
	for _, d := range deals {
		if d.ContactID.Valid {
			contactIDs = append(contactIDs, d.ContactID.ID)
		}
	}
	contacts, err := env.Directory.Contacts(ctx, contactIDs)
	if err != nil {
		env.logger(ctx).WithError(err).Warn("contact lookup incomplete")
	}

	var lacking []int
	for _, dealID := range called {
		deal, ok := deals[dealID]
		if !ok || !deal.ContactID.Valid {
			continue
		}
		contact, ok := contacts[deal.ContactID.ID]
		if !ok {
			continue
		}
		if distinctPhones(contact.Phone, env.PhoneRegion) <= 1 {
			lacking = append(lacking, dealID)
		}
	}
	env.logger(ctx).WithField("called", len(called)).WithField("single_phone", len(lacking)).Info("additional phones evaluated")
	if len(lacking) == 0 {
		return nil, nil
	}

	userIDs := make([]int, 0, len(lacking))
	for _, id := range lacking {
		userIDs = append(userIDs, deals[id].AssignedByID.ID)
	}
	names := env.Directory.UserNames(ctx, userIDs)

	out := make([]alerts.Violation, 0, len(lacking))
	for _, id := range lacking {
		deal := deals[id]
		remark := "Additional phone number not added within 1 hour after the first call"
		out = append(out, env.dealViolation(RuleAdditionalPhoneMissing, id, deal, responsibleName(names, deal.AssignedByID), remark))
	}
	return out, nil
}

// distinctPhones counts numbers after E.164 normalisation; unparsable values
// fall back to their digits.
func distinctPhones(phones []bitrix.Multifield, region string) int {
	seen := map[string]struct{}{}
	for _, p := range phones {
		v := strings.TrimSpace(p.Value)
		if v == "" {
			continue
		}
		seen[normalizePhone(v, region)] = struct{}{}
	}
	return len(seen)
}

func normalizePhone(v, region string) string {
	if num, err := libphonenumber.Parse(v, region); err == nil && libphonenumber.IsValidNumber(num) {
		return libphonenumber.Format(num, libphonenumber.E164)
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, v)
}
