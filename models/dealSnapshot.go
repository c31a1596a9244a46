package models

import "time"

// DealSnapshot is the first-seen state of a deal; ContactID follows later updates.
type DealSnapshot struct {
	DealID      int       `gorm:"primaryKey;autoIncrement:false" json:"deal_id"`
	ContactID   *int      `gorm:"index" json:"contact_id"`
	CreatedTime time.Time `gorm:"not null" json:"created_time"`
}

func (DealSnapshot) TableName() string {
	return "deal_snapshots"
}
