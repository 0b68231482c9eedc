package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Employee represents a warehouse worker tracked by the attendance ledger.
// Administrative tooling owns the record; this service only writes
// LastStationID (updated on clock-in).
type Employee struct {
	ID   string `gorm:"column:employee_id;primaryKey;type:varchar(50)"`
	Name string `gorm:"column:name;type:varchar(100);not null"`
	// No column default: gorm drops zero-value fields that carry one, which
	// would turn an inactive insert into an active row.
	IsActive bool `gorm:"column:is_active"`

	// Bcrypt hash of the worker's punch PIN. Null when the employee has no
	// PIN credential and cannot use the kiosk toggle.
	PinHash *string `gorm:"column:pin_hash;type:varchar(100)"`

	DailyHoursLimit  *float64 `gorm:"column:daily_hours_limit;type:decimal(5,2)"`
	WeeklyHoursLimit *float64 `gorm:"column:weekly_hours_limit;type:decimal(5,2)"`

	// Break policy: flag the worker after this many hours without a break.
	MaxHoursWithoutBreak *float64 `gorm:"column:max_hours_without_break;type:decimal(5,2)"`

	DefaultStationID *string  `gorm:"column:default_station_id;type:varchar(50);index"`
	DefaultStation   *Station `gorm:"foreignKey:DefaultStationID"`
	LastStationID    *string  `gorm:"column:last_station_id;type:varchar(50)"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`

	// Relationships
	TimeLogs    []TimeLog        `gorm:"foreignKey:EmployeeID"`
	Assignments []TaskAssignment `gorm:"foreignKey:EmployeeID"`
}

func (e *Employee) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
