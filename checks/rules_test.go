package checks

import (
	"context"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix/bitrixtest"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
)

func TestNextStepMissing_Deal501(t *testing.T) {
	fake := bitrixtest.New()
	serveActivities(fake, func(filter map[string]any) []any {
		switch filter["COMPLETED"] {
		case "Y":
			return []any{map[string]any{
				"ID": "11", "SUBJECT": "Call back", "RESPONSIBLE_ID": "5",
				"OWNER_ID": "501", "OWNER_TYPE_ID": "2", "LAST_UPDATED": "2024-01-01T08:00:00+03:00",
			}}
		default:
			return nil
		}
	})
	serveDeals(fake, map[int]map[string]any{501: deal(501, "Kitchen", 5, "42")})
	serveUsers(fake, map[int]string{5: "Anna"})

	env := newTestEnv(t, fake, &memFacts{}, at(t, "2024-01-01T11:00:00+03:00"))
	got, err := nextStepMissing(context.Background(), env)
	if err != nil {
		t.Fatalf("nextStepMissing: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(got))
	}
	v := got[0]
	if v.DealID == nil || *v.DealID != 501 || v.ResponsibleName != "Anna" || v.Title != "Kitchen" {
		t.Fatalf("unexpected violation %+v", v)
	}
	if v.ReferenceLink != "https://portal.example/crm/deal/details/501/" {
		t.Fatalf("unexpected link %q", v.ReferenceLink)
	}
}

func TestNextStepMissing_OpenActivitySuppresses(t *testing.T) {
	fake := bitrixtest.New()
	serveActivities(fake, func(filter map[string]any) []any {
		if filter["COMPLETED"] == "Y" {
			return []any{map[string]any{"ID": "11", "RESPONSIBLE_ID": "5", "OWNER_ID": "501", "LAST_UPDATED": "2024-01-01T08:00:00+03:00"}}
		}
		return []any{map[string]any{"ID": "12", "OWNER_ID": "501"}}
	})

	env := newTestEnv(t, fake, &memFacts{}, at(t, "2024-01-01T11:00:00+03:00"))
	got, err := nextStepMissing(context.Background(), env)
	if err != nil {
		t.Fatalf("nextStepMissing: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no violation, got %+v", got)
	}
}

func TestNextStepNoNewDeal(t *testing.T) {
	fake := bitrixtest.New()
	serveActivities(fake, func(filter map[string]any) []any {
		return []any{
			map[string]any{"ID": "21", "RESPONSIBLE_ID": "5", "OWNER_ID": "601", "LAST_UPDATED": "2024-01-01T08:00:00+03:00"},
			map[string]any{"ID": "22", "RESPONSIBLE_ID": "6", "OWNER_ID": "602", "LAST_UPDATED": "2024-01-01T07:00:00+03:00"},
			map[string]any{"ID": "23", "RESPONSIBLE_ID": "6", "OWNER_ID": "603", "LAST_UPDATED": "2024-01-01T10:30:00+03:00"},
		}
	})
	serveDeals(fake, map[int]map[string]any{602: deal(602, "Roof", 6, nil)},
		map[string]any{"ID": "700", "CREATED_BY_ID": "5"},
	)
	serveUsers(fake, map[int]string{6: "Boris"})

	env := newTestEnv(t, fake, &memFacts{}, at(t, "2024-01-01T11:00:00+03:00"))
	got, err := nextStepNoNewDeal(context.Background(), env)
	if err != nil {
		t.Fatalf("nextStepNoNewDeal: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 violation, got %+v", got)
	}
	if *got[0].DealID != 602 || got[0].ResponsibleName != "Boris" {
		t.Fatalf("unexpected violation %+v", got[0])
	}
}

func TestOverdueActivities_SkipsMalformedDeadline(t *testing.T) {
	fake := bitrixtest.New()
	serveActivities(fake, func(map[string]any) []any {
		return []any{
			map[string]any{"ID": "1", "OWNER_ID": "10", "OWNER_TYPE_ID": "2", "RESPONSIBLE_ID": "5", "DEADLINE": "2024-01-01T09:00:00+03:00"},
			map[string]any{"ID": "2", "OWNER_ID": "11", "OWNER_TYPE_ID": "2", "RESPONSIBLE_ID": "5", "DEADLINE": "soon"},
			map[string]any{"ID": "3", "OWNER_ID": "12", "OWNER_TYPE_ID": "2", "RESPONSIBLE_ID": "5", "DEADLINE": "2024-01-01T10:30:00+03:00"},
		}
	})
	serveUsers(fake, map[int]string{5: "Anna"})

	env := newTestEnv(t, fake, &memFacts{}, at(t, "2024-01-01T11:00:00+03:00"))
	got, err := overdueActivities(context.Background(), env)
	if err != nil {
		t.Fatalf("overdueActivities: %v", err)
	}
	if len(got) != 1 || *got[0].DealID != 10 {
		t.Fatalf("expected only deal 10, got %+v", got)
	}
	if !strings.Contains(got[0].Remark, "2024-01-01 09:00:00") {
		t.Fatalf("remark should carry the deadline: %q", got[0].Remark)
	}
}

func TestDealNotMoved(t *testing.T) {
	fake := bitrixtest.New()
	serveActivities(fake, func(map[string]any) []any {
		return []any{
			map[string]any{"ID": "1", "OWNER_ID": "30", "RESPONSIBLE_ID": "5", "END_TIME": "2024-01-01T09:00:00+03:00"},
			map[string]any{"ID": "2", "OWNER_ID": "31", "RESPONSIBLE_ID": "5", "END_TIME": "2024-01-01T09:00:00+03:00"},
			map[string]any{"ID": "3", "OWNER_ID": "32", "RESPONSIBLE_ID": "5", "END_TIME": "2024-01-01T09:00:00+03:00"},
		}
	})
	fake.Handle("crm.stagehistory.list", func(params map[string]any) (*bitrix.Response, error) {
		return bitrixtest.Result(map[string]any{"items": []any{
			map[string]any{"ID": 5, "OWNER_ID": 30, "CREATED_TIME": "2024-01-01T08:00:00+03:00"},
			map[string]any{"ID": 4, "OWNER_ID": 30, "CREATED_TIME": "2023-12-31T08:00:00+03:00"},
			map[string]any{"ID": 6, "OWNER_ID": 31, "CREATED_TIME": "2024-01-01T12:00:00+03:00"},
		}}), nil
	})
	serveUsers(fake, map[int]string{5: "Anna"})

	env := newTestEnv(t, fake, &memFacts{}, at(t, "2024-01-01T16:00:00+03:00"))
	got, err := dealNotMoved(context.Background(), env)
	if err != nil {
		t.Fatalf("dealNotMoved: %v", err)
	}
	if len(got) != 1 || *got[0].DealID != 30 {
		t.Fatalf("expected only deal 30 (31 moved, 32 has no history), got %+v", got)
	}
}

func TestContactNameMissing_SkipsContactsNeverCalled(t *testing.T) {
	fake := bitrixtest.New()
	fake.Handle("crm.contact.list", bitrixtest.Static(
		map[string]any{"ID": "100", "NAME": "Без имени", "ASSIGNED_BY_ID": "5", "PHONE": []any{map[string]any{"VALUE": "+79001234567"}}},
	))
	serveActivities(fake, func(map[string]any) []any { return nil })

	env := newTestEnv(t, fake, &memFacts{}, at(t, "2024-01-01T16:00:00+03:00"))
	got, err := contactNameMissing(context.Background(), env)
	if err != nil {
		t.Fatalf("contactNameMissing: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no violation for a contact never called, got %+v", got)
	}
}

func TestContactNameMissing_FirstCallOlderThanThreeHours(t *testing.T) {
	fake := bitrixtest.New()
	fake.Handle("crm.contact.list", bitrixtest.Static(
		map[string]any{"ID": "100", "NAME": "Без имени", "ASSIGNED_BY_ID": "5", "PHONE": []any{map[string]any{"VALUE": "+79001234567"}}},
		map[string]any{"ID": "101", "NAME": "Без имени", "ASSIGNED_BY_ID": "5", "PHONE": []any{map[string]any{"VALUE": "+79007654321"}}},
		map[string]any{"ID": "102", "NAME": "Без имени", "ASSIGNED_BY_ID": "5"},
	))
	serveActivities(fake, func(map[string]any) []any {
		return []any{
			map[string]any{"ID": "1", "START_TIME": "2024-01-01T12:00:00+03:00", "COMMUNICATIONS": []any{map[string]any{"ENTITY_TYPE_ID": "3", "ENTITY_ID": "100"}}},
			map[string]any{"ID": "2", "START_TIME": "2024-01-01T15:00:00+03:00", "COMMUNICATIONS": []any{map[string]any{"ENTITY_TYPE_ID": "3", "ENTITY_ID": "101"}}},
			map[string]any{"ID": "3", "START_TIME": "2024-01-01T15:30:00+03:00", "COMMUNICATIONS": []any{map[string]any{"ENTITY_TYPE_ID": "3", "ENTITY_ID": "100"}}},
			map[string]any{"ID": "4", "START_TIME": "2024-01-01T08:00:00+03:00", "COMMUNICATIONS": []any{map[string]any{"ENTITY_TYPE_ID": "4", "ENTITY_ID": "101"}}},
		}
	})
	serveUsers(fake, map[int]string{5: "Anna"})

	env := newTestEnv(t, fake, &memFacts{}, at(t, "2024-01-01T16:00:00+03:00"))
	got, err := contactNameMissing(context.Background(), env)
	if err != nil {
		t.Fatalf("contactNameMissing: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 violation, got %+v", got)
	}
	v := got[0]
	if v.DealID != nil || v.ReferenceLink != "https://portal.example/crm/contact/details/100/" || v.ResponsibleName != "Anna" {
		t.Fatalf("unexpected violation %+v", v)
	}
}

func TestUncontactedReassigned_Deal777(t *testing.T) {
	fixed := at(t, "2024-01-01T17:00:00+03:00")
	cases := []struct {
		name    string
		now     string
		callEnd string
		want    int
	}{
		{"call within window", "2024-01-01T19:00:00+03:00", "2024-01-01T17:45:00+03:00", 0},
		{"call after deadline", "2024-01-01T19:00:00+03:00", "2024-01-01T18:30:00+03:00", 1},
		{"deadline not reached", "2024-01-01T17:30:00+03:00", "", 0},
	}
	for _, tc := range cases {
		fake := bitrixtest.New()
		serveActivities(fake, func(filter map[string]any) []any {
			if tc.callEnd == "" {
				return nil
			}
			return []any{map[string]any{"ID": "9", "OWNER_ID": "777", "DIRECTION": "2", "END_TIME": tc.callEnd}}
		})
		serveDeals(fake, map[int]map[string]any{777: deal(777, "Windows", 8, "1")})
		serveUsers(fake, map[int]string{8: "Vera"})

		facts := &memFacts{divergences: []models.AssignmentDivergence{{DealID: 777, FixedTime: fixed}}}
		env := newTestEnv(t, fake, facts, at(t, tc.now))
		got, err := uncontactedReassigned(context.Background(), env)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != tc.want {
			t.Fatalf("%s: expected %d violations, got %+v", tc.name, tc.want, got)
		}
		if tc.want == 1 && (got[0].ResponsibleName != "Vera" || *got[0].DealID != 777) {
			t.Fatalf("%s: unexpected violation %+v", tc.name, got[0])
		}
	}
}

func TestUncontactedReassigned_IgnoresCheckedRows(t *testing.T) {
	fake := bitrixtest.New()
	facts := &memFacts{divergences: []models.AssignmentDivergence{{DealID: 777, FixedTime: at(t, "2024-01-01T10:00:00+03:00"), Checked: true}}}
	env := newTestEnv(t, fake, facts, at(t, "2024-01-01T19:00:00+03:00"))
	got, err := uncontactedReassigned(context.Background(), env)
	if err != nil {
		t.Fatalf("uncontactedReassigned: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("checked divergence must be ignored, got %+v", got)
	}
}

func TestContactRemoved_Deal900(t *testing.T) {
	fake := bitrixtest.New()
	serveDeals(fake, map[int]map[string]any{
		900: deal(900, "Garage", 8, ""),
		901: deal(901, "Porch", 8, "43"),
	})
	serveUsers(fake, map[int]string{8: "Vera"})

	now := at(t, "2024-01-01T12:00:00+03:00")
	facts := &memFacts{snapshots: []models.DealSnapshot{
		{DealID: 900, ContactID: intPtr(42), CreatedTime: now},
		{DealID: 901, ContactID: intPtr(43), CreatedTime: now},
		{DealID: 902, ContactID: intPtr(44), CreatedTime: now},
		{DealID: 903, CreatedTime: now},
	}}
	env := newTestEnv(t, fake, facts, now)
	got, err := contactRemoved(context.Background(), env)
	if err != nil {
		t.Fatalf("contactRemoved: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one violation, got %+v", got)
	}
	if *got[0].DealID != 900 || got[0].Title != "Garage" || !strings.Contains(got[0].Remark, "42") {
		t.Fatalf("unexpected violation %+v", got[0])
	}
}

func TestContactRemoved_PropagatesStoreError(t *testing.T) {
	env := newTestEnv(t, bitrixtest.New(), &memFacts{err: context.DeadlineExceeded}, time.Now())
	if _, err := contactRemoved(context.Background(), env); err == nil {
		t.Fatalf("expected store error to propagate")
	}
}

func TestAdditionalPhoneMissing(t *testing.T) {
	fake := bitrixtest.New()
	serveActivities(fake, func(filter map[string]any) []any {
		switch filter["OWNER_ID"] {
		case 40:
			return []any{map[string]any{"ID": "1", "END_TIME": "2024-01-01T09:00:00+03:00"}}
		case 41:
			return []any{map[string]any{"ID": "2", "END_TIME": "2024-01-01T09:00:00+03:00"}}
		case 42:
			return []any{map[string]any{"ID": "3", "END_TIME": "2024-01-01T11:30:00+03:00"}}
		}
		return nil
	})
	serveDeals(fake, map[int]map[string]any{
		40: deal(40, "A", 5, "400"),
		41: deal(41, "B", 5, "401"),
		42: deal(42, "C", 5, "402"),
	})
	fake.Handle("crm.contact.list", bitrixtest.Static(
		map[string]any{"ID": "400", "PHONE": []any{
			map[string]any{"VALUE": "+7 916 123-45-67"},
			map[string]any{"VALUE": "8 (916) 123-45-67"},
		}},
		map[string]any{"ID": "401", "PHONE": []any{
			map[string]any{"VALUE": "+7 916 123-45-67"},
			map[string]any{"VALUE": "+7 916 765-43-21"},
		}},
		map[string]any{"ID": "402", "PHONE": []any{map[string]any{"VALUE": "+7 916 111-22-33"}}},
	))
	serveUsers(fake, map[int]string{5: "Anna"})

	now := at(t, "2024-01-01T12:00:00+03:00")
	facts := &memFacts{snapshots: []models.DealSnapshot{
		{DealID: 40, CreatedTime: now},
		{DealID: 41, CreatedTime: now},
		{DealID: 42, CreatedTime: now},
		{DealID: 43, CreatedTime: now},
	}}
	env := newTestEnv(t, fake, facts, now)
	got, err := additionalPhoneMissing(context.Background(), env)
	if err != nil {
		t.Fatalf("additionalPhoneMissing: %v", err)
	}
	if len(got) != 1 || *got[0].DealID != 40 {
		t.Fatalf("expected only deal 40 (duplicate numbers count once), got %+v", got)
	}
}

func TestMissedCalls(t *testing.T) {
	calls := map[int][]any{
		50: {
			map[string]any{"ID": "1", "OWNER_ID": "50", "START_TIME": "2024-01-01T10:05:00+03:00", "END_TIME": "2024-01-01T10:05:10+03:00"},
			map[string]any{"ID": "2", "OWNER_ID": "50", "START_TIME": "2024-01-01T10:20:00+03:00", "END_TIME": "2024-01-01T10:20:15+03:00"},
		},
		51: {
			map[string]any{"ID": "3", "OWNER_ID": "51", "START_TIME": "2024-01-01T10:05:00+03:00", "END_TIME": "2024-01-01T10:06:00+03:00"},
		},
		52: {
			map[string]any{"ID": "4", "OWNER_ID": "52", "START_TIME": "2024-01-01T16:40:00+03:00", "END_TIME": "2024-01-01T16:40:05+03:00"},
		},
	}
	fake := bitrixtest.New()
	fake.Handle("crm.activity.list", func(params map[string]any) (*bitrix.Response, error) {
		var out []any
		for _, id := range bitrixtest.FilterIDs(params, "OWNER_ID") {
			out = append(out, calls[id]...)
		}
		return bitrixtest.Result(out), nil
	})
	serveDeals(fake, map[int]map[string]any{50: deal(50, "A", 5, nil)})
	serveUsers(fake, map[int]string{5: "Anna"})

	facts := &memFacts{divergences: []models.AssignmentDivergence{
		{DealID: 50, FixedTime: at(t, "2024-01-01T10:00:00+03:00")},
		{DealID: 51, FixedTime: at(t, "2024-01-01T10:00:00+03:00")},
		{DealID: 52, FixedTime: at(t, "2024-01-01T16:30:00+03:00")},
		{DealID: 53, FixedTime: at(t, "2024-01-01T10:00:00+03:00")},
	}}
	env := newTestEnv(t, fake, facts, at(t, "2024-01-01T18:00:00+03:00"))
	got, err := missedCalls(context.Background(), env)
	if err != nil {
		t.Fatalf("missedCalls: %v", err)
	}
	if len(got) != 1 || *got[0].DealID != 50 {
		t.Fatalf("expected only deal 50 (2 of 3 attempts), got %+v", got)
	}
	if !strings.Contains(got[0].Remark, "required 3") {
		t.Fatalf("unexpected remark %q", got[0].Remark)
	}
}
