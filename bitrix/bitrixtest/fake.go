// Package bitrixtest provides an in-memory CRM for tests.
package bitrixtest

import (
	"context"
	"encoding/json"
	"sync"

	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
)

type Handler func(params map[string]any) (*bitrix.Response, error)

type Call struct {
	Method string
	Params map[string]any
}

// Fake answers Call from per-method handlers. Methods without a handler
// return an empty result.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

func New() *Fake {
	return &Fake{handlers: map[string]Handler{}}
}

func (f *Fake) Handle(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *Fake) Call(ctx context.Context, method string, params map[string]any) (*bitrix.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: params})
	h := f.handlers[method]
	f.mu.Unlock()
	if h == nil {
		return Result([]any{}), nil
	}
	return h(params)
}

func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Result wraps v as a single-page response.
func Result(v any) *bitrix.Response {
	b, _ := json.Marshal(v)
	return &bitrix.Response{Result: b}
}

// Static serves the same records for every call.
func Static(records ...any) Handler {
	return func(map[string]any) (*bitrix.Response, error) {
		return Result(records), nil
	}
}

// Paged serves records in pages of size, honouring the start offset.
func Paged(records []any, size int) Handler {
	return func(params map[string]any) (*bitrix.Response, error) {
		start, _ := params["start"].(int)
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		var page []any
		if start < len(records) {
			page = records[start:end]
		}
		resp := Result(page)
		if end < len(records) {
			next := end
			resp.Next = &next
		}
		total := len(records)
		resp.Total = &total
		return resp, nil
	}
}

// FilterIDs returns filter[key] as ints when it was passed as a slice.
func FilterIDs(params map[string]any, key string) []int {
	filter, _ := params["filter"].(map[string]any)
	if filter == nil {
		return nil
	}
	switch v := filter[key].(type) {
	case []int:
		return v
	case int:
		return []int{v}
	}
	return nil
}

func Filter(params map[string]any) map[string]any {
	filter, _ := params["filter"].(map[string]any)
	return filter
}
