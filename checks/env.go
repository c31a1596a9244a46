// Package checks evaluates the SLA rules against live CRM data and the
// persisted assignment facts.
package checks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
	"bitbucket.org/mmdatafocus/crm_auditor/sla"
	"bitbucket.org/mmdatafocus/crm_auditor/utils"
	"github.com/sirupsen/logrus"
)

// FactReader is the read side of models.Store.
type FactReader interface {
	ListAssignmentDivergences(ctx context.Context, onlyUnchecked bool) ([]models.AssignmentDivergence, error)
	ListDealSnapshots(ctx context.Context, contactNotNull bool) ([]models.DealSnapshot, error)
}

// Env is everything a rule may read during one run.
type Env struct {
	CRM             bitrix.Caller
	Directory       *bitrix.Directory
	Facts           FactReader
	Calendar        sla.Calendar
	Now             time.Time
	SourceLabel     string
	PortalURL       string
	PlaceholderName string
	PhoneRegion     string
}

// Rule produces violations; it never writes persisted facts.
type Rule struct {
	Name     string
	Evaluate func(ctx context.Context, env *Env) ([]alerts.Violation, error)
}

// DefaultRules returns every rule in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleOverdueActivities, Evaluate: overdueActivities},
		{Name: RuleNextStepMissing, Evaluate: nextStepMissing},
		{Name: RuleNextStepNoNewDeal, Evaluate: nextStepNoNewDeal},
		{Name: RuleDealNotMoved, Evaluate: dealNotMoved},
		{Name: RuleContactNameMissing, Evaluate: contactNameMissing},
		{Name: RuleUncontactedReassigned, Evaluate: uncontactedReassigned},
		{Name: RuleContactRemoved, Evaluate: contactRemoved},
		{Name: RuleAdditionalPhoneMissing, Evaluate: additionalPhoneMissing},
		{Name: RuleMissedCalls, Evaluate: missedCalls},
	}
}

const (
	RuleOverdueActivities      = "overdue_activities"
	RuleNextStepMissing        = "next_step_missing"
	RuleNextStepNoNewDeal      = "next_step_no_new_deal"
	RuleDealNotMoved           = "deal_not_moved"
	RuleContactNameMissing     = "contact_name_missing"
	RuleUncontactedReassigned  = "uncontacted_reassigned"
	RuleContactRemoved         = "contact_removed"
	RuleAdditionalPhoneMissing = "additional_phone_missing"
	RuleMissedCalls            = "missed_calls"
)

func (e *Env) logger(ctx context.Context) *logrus.Entry {
	return config.GetLogger().WithFields(utils.LogFields(ctx))
}

func (e *Env) DealLink(id int) string {
	return fmt.Sprintf("%s/crm/deal/details/%d/", strings.TrimRight(e.PortalURL, "/"), id)
}

func (e *Env) ContactLink(id int) string {
	return fmt.Sprintf("%s/crm/contact/details/%d/", strings.TrimRight(e.PortalURL, "/"), id)
}

// dealViolation fills title, stage and link from the deal when it is known.
func (e *Env) dealViolation(rule string, dealID int, deal *bitrix.Deal, responsible, remark string) alerts.Violation {
	v := alerts.Violation{
		OccurredAt:      e.Now,
		Rule:            rule,
		SourceLabel:     e.SourceLabel,
		DealID:          utils.NewInt(dealID),
		ResponsibleName: responsible,
		ReferenceLink:   e.DealLink(dealID),
		Remark:          remark,
	}
	if deal != nil {
		v.Title = deal.Title
		v.Stage = deal.StageID
	}
	return v
}

// parseTime logs and reports false for malformed CRM timestamps.
func (e *Env) parseTime(ctx context.Context, field, value string, recordID int) (time.Time, bool) {
	t, err := e.Calendar.ParseCRMTime(value)
	if err != nil {
		e.logger(ctx).WithError(err).WithFields(logrus.Fields{
			"field":     field,
			"record_id": recordID,
		}).Warn("skip record with malformed timestamp")
		return time.Time{}, false
	}
	return t, true
}

func (e *Env) crmTime(t time.Time) string {
	return e.Calendar.FormatCRMTime(t)
}

// fetchCandidates runs the primary query of a rule. A failed query with no
// records yields nothing; partial pages are used.
func fetchCandidates[T any](ctx context.Context, e *Env, q bitrix.ListQuery) []T {
	records, err := bitrix.FetchAll[T](ctx, e.CRM, q)
	if err != nil {
		entry := e.logger(ctx).WithError(err).WithField("fetched", len(records))
		if len(records) == 0 {
			entry.Warn("candidate fetch failed; rule yields no violations")
			return nil
		}
		entry.Warn("candidate fetch incomplete; evaluating partial result")
	}
	return records
}

// lookupDeals never fails the rule: a failed batch leaves its deals unresolved.
func (e *Env) lookupDeals(ctx context.Context, ids []int) map[int]*bitrix.Deal {
	deals, err := e.Directory.Deals(ctx, ids)
	if err != nil {
		e.logger(ctx).WithError(err).Warn("deal lookup incomplete")
	}
	return deals
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
