package models

import "time"

// AssignmentDivergence marks a deal whose assignee differed from its creator.
// FixedTime is written once and anchors every SLA window for the deal.
type AssignmentDivergence struct {
	DealID    int       `gorm:"primaryKey;autoIncrement:false" json:"deal_id"`
	FixedTime time.Time `gorm:"not null" json:"fixed_time"`
	Checked   bool      `gorm:"not null;default:false;index" json:"checked"`
}

func (AssignmentDivergence) TableName() string {
	return "assignment_divergences"
}
