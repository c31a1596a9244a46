package checks

import "testing"

type call struct {
	id       int
	contacts []int
	at       int
}

func TestFirstBy_PrefersEarliestPerKey(t *testing.T) {
	calls := []call{
		{id: 1, contacts: []int{10}, at: 5},
		{id: 2, contacts: []int{10, 20}, at: 3},
		{id: 3, contacts: []int{20, 20}, at: 3},
		{id: 4, contacts: []int{30}, at: 9},
	}
	first := FirstBy(calls, func(c call) []int { return c.contacts }, func(a, b call) bool { return a.at < b.at })

	if first[10].id != 2 {
		t.Fatalf("contact 10: expected call 2, got %d", first[10].id)
	}
	if first[20].id != 2 {
		t.Fatalf("contact 20: tie must keep earlier record, got %d", first[20].id)
	}
	if first[30].id != 4 {
		t.Fatalf("contact 30: expected call 4, got %d", first[30].id)
	}
	if _, ok := first[40]; ok {
		t.Fatalf("unmatched key must be absent")
	}
}

func TestGroupByAndIndexBy(t *testing.T) {
	calls := []call{
		{id: 1, contacts: []int{10}},
		{id: 2, contacts: []int{10, 20, 10}},
		{id: 3, contacts: nil},
	}
	groups := GroupBy(calls, func(c call) []int { return c.contacts })
	if len(groups[10]) != 2 || len(groups[20]) != 1 {
		t.Fatalf("unexpected groups %+v", groups)
	}

	byID := IndexBy(append(calls, call{id: 1, at: 99}), func(c call) int { return c.id })
	if byID[1].at != 0 {
		t.Fatalf("IndexBy must keep the first record")
	}

	single := GroupBy(calls, Key(func(c call) int { return c.id % 2 }))
	if len(single[1]) != 2 || len(single[0]) != 1 {
		t.Fatalf("unexpected parity groups %+v", single)
	}
}
