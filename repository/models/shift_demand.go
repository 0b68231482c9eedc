package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ShiftDemand declares how many workers a station needs during a window.
// Written by the scheduling collaborator; read here for staffing-gap
// detection only.
type ShiftDemand struct {
	ID        string   `gorm:"column:shift_demand_id;primaryKey;type:varchar(50)"`
	StationID string   `gorm:"column:station_id;type:varchar(50);index;not null"`
	Station   *Station `gorm:"foreignKey:StationID"`

	StartTime         time.Time `gorm:"column:start_time;not null"`
	EndTime           time.Time `gorm:"column:end_time;not null"`
	RequiredHeadcount int       `gorm:"column:required_headcount;not null"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (d *ShiftDemand) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// Covers reports whether the demand window contains t.
func (d *ShiftDemand) Covers(t time.Time) bool {
	return !t.Before(d.StartTime) && t.Before(d.EndTime)
}
