package checks

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
)

const (
	contactNameWindow = 3 * time.Hour
	callLookback      = 24 * time.Hour
)

type contactCall struct {
	act bitrix.Activity
	at  time.Time
}

// contactNameMissing flags placeholder-named contacts whose first outbound call
// in the lookback is more than three hours old. Contacts never called are skipped.
func contactNameMissing(ctx context.Context, env *Env) ([]alerts.Violation, error) {
	contacts := fetchCandidates[bitrix.Contact](ctx, env, bitrix.ListQuery{
		Method: "crm.contact.list",
		Filter: map[string]any{
			"NAME":   env.PlaceholderName,
			"!PHONE": "",
		},
		Select: []string{"ID", "NAME", "LAST_NAME", "PHONE", "ASSIGNED_BY_ID", "CREATED_BY_ID"},
	})
	var withPhone []bitrix.Contact
	for _, c := range contacts {
		if len(c.Phone) > 0 {
			withPhone = append(withPhone, c)
		}
	}
	if len(withPhone) == 0 {
		return nil, nil
	}

	calls, err := bitrix.FetchAll[bitrix.Activity](ctx, env.CRM, bitrix.ListQuery{
		Method: "crm.activity.list",
		Filter: map[string]any{
			"TYPE_ID":      bitrix.ActivityTypeCall,
			"DIRECTION":    bitrix.DirectionOutgoing,
			"COMPLETED":    "Y",
			">=START_TIME": env.crmTime(env.Now.Add(-callLookback)),
		},
		Order:  map[string]string{"START_TIME": "ASC"},
		Select: []string{"ID", "START_TIME", "RESPONSIBLE_ID", "COMMUNICATIONS"},
	})
	if err != nil {
		env.logger(ctx).WithError(err).WithField("fetched", len(calls)).Warn("call fetch incomplete")
		if len(calls) == 0 {
			return nil, nil
		}
	}

	parsed := make([]contactCall, 0, len(calls))
	for _, a := range calls {
		at, ok := env.parseTime(ctx, "START_TIME", a.StartTime, a.ID.Int())
		if !ok {
			continue
		}
		parsed = append(parsed, contactCall{act: a, at: at})
	}
	firstCall := FirstBy(parsed, calledContacts, func(a, b contactCall) bool { return a.at.Before(b.at) })

	var late []bitrix.Contact
	for _, c := range withPhone {
		call, ok := firstCall[c.ID.Int()]
		if !ok {
			continue
		}
		if env.Calendar.OlderThan(env.Now, call.at, contactNameWindow) {
			late = append(late, c)
		}
	}
	env.logger(ctx).WithField("contacts", len(withPhone)).WithField("unnamed_after_call", len(late)).Info("contact names evaluated")
	if len(late) == 0 {
		return nil, nil
	}

	userIDs := make([]int, 0, len(late))
	for _, c := range late {
		userIDs = append(userIDs, c.AssignedByID.ID)
	}
	names := env.Directory.UserNames(ctx, userIDs)

	out := make([]alerts.Violation, 0, len(late))
	for _, c := range late {
		out = append(out, alerts.Violation{
			OccurredAt:      env.Now,
			Rule:            RuleContactNameMissing,
			SourceLabel:     env.SourceLabel,
			ResponsibleName: responsibleName(names, c.AssignedByID),
			ReferenceLink:   env.ContactLink(c.ID.Int()),
			Remark:          fmt.Sprintf("Contact %d has no name more than 3 hours after the first call", c.ID.Int()),
		})
	}
	return out, nil
}

func calledContacts(c contactCall) []int {
	var ids []int
	for _, comm := range c.act.Communications {
		if comm.EntityTypeID.Int() == bitrix.EntityTypeContact && comm.EntityID.Int() != 0 {
			ids = append(ids, comm.EntityID.Int())
		}
	}
	return ids
}
