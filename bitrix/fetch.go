package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"github.com/sirupsen/logrus"
)

var ErrCursorStalled = errors.New("bitrix: next cursor did not advance")

// ListQuery describes one *.list call. Extra carries method-specific top-level
// parameters such as entityTypeId for crm.stagehistory.list.
type ListQuery struct {
	Method string
	Filter map[string]any
	Order  map[string]string
	Select []string
	Extra  map[string]any
}

func (q ListQuery) params(start int) map[string]any {
	p := make(map[string]any, len(q.Extra)+4)
	for k, v := range q.Extra {
		p[k] = v
	}
	if len(q.Filter) > 0 {
		p["filter"] = q.Filter
	}
	if len(q.Order) > 0 {
		p["order"] = q.Order
	}
	if len(q.Select) > 0 {
		p["select"] = q.Select
	}
	p["start"] = start
	return p
}

// FetchAll follows the next cursor until the CRM reports no further page.
// On failure it stops and returns what was accumulated together with the error.
// Elements that do not decode into T are logged and skipped.
func FetchAll[T any](ctx context.Context, caller Caller, q ListQuery) ([]T, error) {
	logger := config.GetLogger().WithField("method", q.Method)

	var out []T
	start := 0
	for {
		resp, err := caller.Call(ctx, q.Method, q.params(start))
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{"start": start, "fetched": len(out)}).Warn("bitrix fetch stopped")
			return out, fmt.Errorf("fetch %s at start=%d: %w", q.Method, start, err)
		}
		elems, err := pageElements(resp.Result)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{"start": start, "fetched": len(out)}).Warn("bitrix page has unexpected shape")
			return out, fmt.Errorf("fetch %s at start=%d: %w", q.Method, start, err)
		}
		if len(elems) == 0 {
			return out, nil
		}
		out = append(out, decodeRecords[T](logger, elems)...)

		if resp.Next == nil {
			return out, nil
		}
		if *resp.Next <= start {
			logger.WithFields(logrus.Fields{"start": start, "next": *resp.Next}).Warn("bitrix cursor did not advance")
			return out, fmt.Errorf("fetch %s: %w", q.Method, ErrCursorStalled)
		}
		start = *resp.Next
	}
}

// FetchFirst reads one page and returns its first record, or nil when the page is empty.
func FetchFirst[T any](ctx context.Context, caller Caller, q ListQuery) (*T, error) {
	resp, err := caller.Call(ctx, q.Method, q.params(0))
	if err != nil {
		return nil, fmt.Errorf("fetch first %s: %w", q.Method, err)
	}
	elems, err := pageElements(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("fetch first %s: %w", q.Method, err)
	}
	records := decodeRecords[T](config.GetLogger().WithField("method", q.Method), elems)
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// Get calls a *.get method for one entity.
func Get[T any](ctx context.Context, caller Caller, method string, id int) (*T, error) {
	resp, err := caller.Call(ctx, method, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	raw := bytes.TrimSpace(resp.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return &v, nil
}

// pageElements accepts both the flat result array and the {"items": [...]} shape.
func pageElements(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, err
		}
		return elems, nil
	case '{':
		var nested struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil, err
		}
		return nested.Items, nil
	default:
		return nil, fmt.Errorf("unexpected result type %q", raw[:1])
	}
}

func decodeRecords[T any](logger *logrus.Entry, elems []json.RawMessage) []T {
	out := make([]T, 0, len(elems))
	for i, el := range elems {
		var v T
		if err := json.Unmarshal(el, &v); err != nil {
			logger.WithError(err).WithField("index", i).Warn("skip malformed record")
			continue
		}
		out = append(out, v)
	}
	return out
}
