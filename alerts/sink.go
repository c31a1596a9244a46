package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"bitbucket.org/mmdatafocus/crm_auditor/metrics"
	"github.com/sirupsen/logrus"
)

// RowStore is an append-only table of string cells. The first row is a header.
type RowStore interface {
	ReadRows(ctx context.Context) ([][]string, error)
	AppendRows(ctx context.Context, rows [][]string) error
}

// Publisher fans appended violations out to other consumers.
type Publisher interface {
	Publish(ctx context.Context, violations []Violation) error
}

// DedupSink appends only violations whose AlertKey is not already in the store.
// It is safe for concurrent use inside one process only.
type DedupSink struct {
	mu        sync.Mutex
	store     RowStore
	loc       *time.Location
	publisher Publisher
}

func NewDedupSink(store RowStore, loc *time.Location, publisher Publisher) *DedupSink {
	if loc == nil {
		loc = time.UTC
	}
	return &DedupSink{store: store, loc: loc, publisher: publisher}
}

// Emit returns how many rows were appended.
func (s *DedupSink) Emit(ctx context.Context, violations []Violation) (int, error) {
	if len(violations) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := config.GetLogger()

	existing, err := s.store.ReadRows(ctx)
	if err != nil {
		return 0, fmt.Errorf("read sink rows: %w", err)
	}

	seen := make(map[AlertKey]struct{}, len(existing))
	for i, row := range existing {
		if i == 0 {
			continue
		}
		if key, ok := KeyFromRow(row); ok {
			seen[key] = struct{}{}
		}
	}

	var (
		rows     [][]string
		appended []Violation
	)
	if len(existing) == 0 {
		rows = append(rows, append([]string(nil), Columns...))
	}
	for _, v := range violations {
		key := v.Key()
		if _, dup := seen[key]; dup {
			metrics.AlertsSuppressed.Inc()
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, v.Row(s.loc))
		appended = append(appended, v)
	}

	if len(appended) == 0 {
		logger.WithField("candidates", len(violations)).Info("no new alerts to write")
		return 0, nil
	}
	if err := s.store.AppendRows(ctx, rows); err != nil {
		return 0, fmt.Errorf("append sink rows: %w", err)
	}
	metrics.AlertsAppended.Add(float64(len(appended)))
	logger.WithFields(logrus.Fields{
		"candidates": len(violations),
		"appended":   len(appended),
	}).Info("alerts appended")

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, appended); err != nil {
			logger.WithError(err).Warn("publish appended alerts failed")
		}
	}
	return len(appended), nil
}

// MemoryStore keeps rows in process; used by tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows [][]string
}

func (m *MemoryStore) ReadRows(context.Context) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.rows))
	for i, r := range m.rows {
		out[i] = append([]string(nil), r...)
	}
	return out, nil
}

func (m *MemoryStore) AppendRows(_ context.Context, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.rows = append(m.rows, append([]string(nil), r...))
	}
	return nil
}

func (m *MemoryStore) Rows() [][]string {
	rows, _ := m.ReadRows(context.Background())
	return rows
}
