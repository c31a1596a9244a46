package bitrix

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/sirupsen/logrus"
)

// BatchSize is the CRM limit of ids per lookup call.
const BatchSize = 50

var dealSelect = []string{
	"ID", "CONTACT_ID", "COMPANY_ID", "ASSIGNED_BY_ID", "CREATED_BY_ID",
	"CATEGORY_ID", "STAGE_ID", "TITLE", "DATE_CREATE", "CLOSEDATE",
}

var contactSelect = []string{"ID", "NAME", "LAST_NAME", "PHONE", "ASSIGNED_BY_ID", "CREATED_BY_ID"}

// NameCache stores resolved user display names between runs.
type NameCache interface {
	GetNames(ctx context.Context, ids []int) map[int]string
	SetNames(ctx context.Context, names map[int]string)
}

// Directory batches user, deal and contact lookups. Build one per run so
// every run sees fresh CRM state.
type Directory struct {
	userLoader    *dataloader.Loader[int, string]
	dealLoader    *dataloader.Loader[int, *Deal]
	contactLoader *dataloader.Loader[int, *Contact]
}

type directoryReader struct {
	caller Caller
	cache  NameCache
}

func NewDirectory(caller Caller, cache NameCache) *Directory {
	reader := &directoryReader{caller: caller, cache: cache}
	return &Directory{
		userLoader: dataloader.NewBatchedLoader(reader.getUserNames,
			dataloader.WithBatchCapacity[int, string](BatchSize),
			dataloader.WithWait[int, string](time.Millisecond)),
		dealLoader: dataloader.NewBatchedLoader(reader.getDeals,
			dataloader.WithBatchCapacity[int, *Deal](BatchSize),
			dataloader.WithWait[int, *Deal](time.Millisecond)),
		contactLoader: dataloader.NewBatchedLoader(reader.getContacts,
			dataloader.WithBatchCapacity[int, *Contact](BatchSize),
			dataloader.WithWait[int, *Contact](time.Millisecond)),
	}
}

// UserNames never fails: unresolved ids map to "ID {id}".
func (d *Directory) UserNames(ctx context.Context, ids []int) map[int]string {
	ids = uniqueIDs(ids)
	out := make(map[int]string, len(ids))
	if len(ids) == 0 {
		return out
	}
	names, _ := d.userLoader.LoadMany(ctx, ids)()
	for i, id := range ids {
		if i < len(names) && names[i] != "" {
			out[id] = names[i]
			continue
		}
		out[id] = FallbackName(id)
	}
	return out
}

// Deals returns the deals the CRM knows about; absent ids are simply missing
// from the map. The error reports batches that could not be fetched.
func (d *Directory) Deals(ctx context.Context, ids []int) (map[int]*Deal, error) {
	return loadMap(ctx, d.dealLoader, ids)
}

func (d *Directory) Contacts(ctx context.Context, ids []int) (map[int]*Contact, error) {
	return loadMap(ctx, d.contactLoader, ids)
}

func loadMap[V any](ctx context.Context, loader *dataloader.Loader[int, *V], ids []int) (map[int]*V, error) {
	ids = uniqueIDs(ids)
	out := make(map[int]*V, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	values, errs := loader.LoadMany(ctx, ids)()
	var failed error
	for i, id := range ids {
		if i < len(errs) && errs[i] != nil {
			failed = errs[i]
			continue
		}
		if i < len(values) && values[i] != nil {
			out[id] = values[i]
		}
	}
	return out, failed
}

func (r *directoryReader) getUserNames(ctx context.Context, ids []int) []*dataloader.Result[string] {
	names := map[int]string{}
	if r.cache != nil {
		names = r.cache.GetNames(ctx, ids)
	}

	var missing []int
	for _, id := range ids {
		if _, ok := names[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		users, err := FetchAll[User](ctx, r.caller, ListQuery{
			Method: "user.get",
			Extra:  map[string]any{"ID": missing},
		})
		if err != nil {
			config.GetLogger().WithError(err).WithField("user_ids", missing).Warn("user lookup failed; using id labels")
		}
		fetched := make(map[int]string, len(users))
		for _, u := range users {
			if name := u.DisplayName(); name != "" {
				fetched[u.ID.Int()] = name
				names[u.ID.Int()] = name
			}
		}
		if r.cache != nil && len(fetched) > 0 {
			r.cache.SetNames(ctx, fetched)
		}
	}

	results := make([]*dataloader.Result[string], 0, len(ids))
	for _, id := range ids {
		name, ok := names[id]
		if !ok {
			name = FallbackName(id)
		}
		results = append(results, &dataloader.Result[string]{Data: name})
	}
	return results
}

func (r *directoryReader) getDeals(ctx context.Context, ids []int) []*dataloader.Result[*Deal] {
	deals, err := FetchAll[Deal](ctx, r.caller, ListQuery{
		Method: "crm.deal.list",
		Filter: map[string]any{"ID": ids},
		Select: dealSelect,
	})
	if err != nil && len(deals) == 0 {
		return handleError[*Deal](len(ids), err)
	}
	byID := make(map[int]*Deal, len(deals))
	for i := range deals {
		byID[deals[i].ID.Int()] = &deals[i]
	}
	return mapResults(ids, byID, err)
}

func (r *directoryReader) getContacts(ctx context.Context, ids []int) []*dataloader.Result[*Contact] {
	contacts, err := FetchAll[Contact](ctx, r.caller, ListQuery{
		Method: "crm.contact.list",
		Filter: map[string]any{"ID": ids},
		Select: contactSelect,
	})
	if err != nil && len(contacts) == 0 {
		return handleError[*Contact](len(ids), err)
	}
	byID := make(map[int]*Contact, len(contacts))
	for i := range contacts {
		byID[contacts[i].ID.Int()] = &contacts[i]
	}
	return mapResults(ids, byID, err)
}

// mapResults keeps partial pages: ids that were returned succeed, the rest
// carry the fetch error when there was one.
func mapResults[V any](ids []int, byID map[int]*V, err error) []*dataloader.Result[*V] {
	results := make([]*dataloader.Result[*V], 0, len(ids))
	for _, id := range ids {
		v, ok := byID[id]
		if !ok && err != nil {
			results = append(results, &dataloader.Result[*V]{Error: err})
			continue
		}
		results = append(results, &dataloader.Result[*V]{Data: v})
	}
	return results
}

func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	config.GetLogger().WithError(err).WithFields(logrus.Fields{"items": itemsLength}).Warn("directory batch failed")
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

func uniqueIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
