package checks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix/bitrixtest"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
	"bitbucket.org/mmdatafocus/crm_auditor/sla"
)

type memFacts struct {
	divergences []models.AssignmentDivergence
	snapshots   []models.DealSnapshot
	err         error
}

func (m *memFacts) ListAssignmentDivergences(_ context.Context, onlyUnchecked bool) ([]models.AssignmentDivergence, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []models.AssignmentDivergence
	for _, d := range m.divergences {
		if onlyUnchecked && d.Checked {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *memFacts) ListDealSnapshots(_ context.Context, contactNotNull bool) ([]models.DealSnapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []models.DealSnapshot
	for _, s := range m.snapshots {
		if contactNotNull && s.ContactID == nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func moscow(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func at(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func newTestEnv(t *testing.T, fake *bitrixtest.Fake, facts FactReader, now time.Time) *Env {
	t.Helper()
	loc := moscow(t)
	return &Env{
		CRM:             fake,
		Directory:       bitrix.NewDirectory(fake, nil),
		Facts:           facts,
		Calendar:        sla.NewCalendar(loc, 9, 18),
		Now:             now.In(loc),
		SourceLabel:     "Program",
		PortalURL:       "https://portal.example",
		PlaceholderName: "Без имени",
		PhoneRegion:     "RU",
	}
}

// serveDeals answers crm.deal.list ID lookups from deals; other deal queries get recent.
func serveDeals(fake *bitrixtest.Fake, deals map[int]map[string]any, recent ...any) {
	fake.Handle("crm.deal.list", func(params map[string]any) (*bitrix.Response, error) {
		ids := bitrixtest.FilterIDs(params, "ID")
		if ids == nil {
			return bitrixtest.Result(recent), nil
		}
		var out []any
		for _, id := range ids {
			if d, ok := deals[id]; ok {
				out = append(out, d)
			}
		}
		return bitrixtest.Result(out), nil
	})
}

func serveUsers(fake *bitrixtest.Fake, names map[int]string) {
	fake.Handle("user.get", func(params map[string]any) (*bitrix.Response, error) {
		ids, _ := params["ID"].([]int)
		var out []any
		for _, id := range ids {
			if n, ok := names[id]; ok {
				out = append(out, map[string]any{"ID": fmt.Sprint(id), "NAME": n, "LAST_NAME": ""})
			}
		}
		return bitrixtest.Result(out), nil
	})
}

// serveActivities routes crm.activity.list by filter.
func serveActivities(fake *bitrixtest.Fake, route func(filter map[string]any) []any) {
	fake.Handle("crm.activity.list", func(params map[string]any) (*bitrix.Response, error) {
		return bitrixtest.Result(route(bitrixtest.Filter(params))), nil
	})
}

func deal(id int, title string, assigned int, contact any) map[string]any {
	return map[string]any{
		"ID":             fmt.Sprint(id),
		"TITLE":          title,
		"STAGE_ID":       "C1:NEW",
		"ASSIGNED_BY_ID": fmt.Sprint(assigned),
		"CONTACT_ID":     contact,
	}
}

func intPtr(v int) *int { return &v }
