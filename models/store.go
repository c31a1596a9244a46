package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store reads and writes the two persisted fact tables.
// Rules only call the List methods; the webhook is the only writer.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ListAssignmentDivergences(ctx context.Context, onlyUnchecked bool) ([]AssignmentDivergence, error) {
	var rows []AssignmentDivergence
	q := s.db.WithContext(ctx).Model(&AssignmentDivergence{})
	if onlyUnchecked {
		q = q.Where("checked = ?", false)
	}
	if err := q.Order("deal_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list assignment divergences: %w", err)
	}
	return rows, nil
}

func (s *Store) ListDealSnapshots(ctx context.Context, contactNotNull bool) ([]DealSnapshot, error) {
	var rows []DealSnapshot
	q := s.db.WithContext(ctx).Model(&DealSnapshot{})
	if contactNotNull {
		q = q.Where("contact_id IS NOT NULL")
	}
	if err := q.Order("deal_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list deal snapshots: %w", err)
	}
	return rows, nil
}

// RecordAssignmentDivergence inserts an unchecked divergence unless one already exists.
// It reports whether a row was created; an existing row is never touched.
func (s *Store) RecordAssignmentDivergence(ctx context.Context, dealID int, fixedTime time.Time) (bool, error) {
	row := AssignmentDivergence{DealID: dealID, FixedTime: fixedTime, Checked: false}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("record assignment divergence %d: %w", dealID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) HasAssignmentDivergence(ctx context.Context, dealID int) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&AssignmentDivergence{}).Where("deal_id = ?", dealID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup assignment divergence %d: %w", dealID, err)
	}
	return count > 0, nil
}

func (s *Store) RecordDealSnapshot(ctx context.Context, snap DealSnapshot) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&snap)
	if res.Error != nil {
		return false, fmt.Errorf("record deal snapshot %d: %w", snap.DealID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FindDealSnapshot returns nil without error when the deal was never seen.
func (s *Store) FindDealSnapshot(ctx context.Context, dealID int) (*DealSnapshot, error) {
	var snap DealSnapshot
	err := s.db.WithContext(ctx).Where("deal_id = ?", dealID).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find deal snapshot %d: %w", dealID, err)
	}
	return &snap, nil
}

func (s *Store) UpdateSnapshotContact(ctx context.Context, dealID int, contactID int) error {
	err := s.db.WithContext(ctx).Model(&DealSnapshot{}).
		Where("deal_id = ?", dealID).
		Update("contact_id", contactID).Error
	if err != nil {
		return fmt.Errorf("update snapshot contact %d: %w", dealID, err)
	}
	return nil
}
