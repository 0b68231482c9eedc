package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskAssignment origins.
const (
	OriginManager = "MANAGER"
	OriginWorker  = "WORKER"
)

// TaskType is a kind of floor work owned by a station. Deactivation is
// blocked while open assignments reference it.
type TaskType struct {
	ID        string   `gorm:"column:task_type_id;primaryKey;type:varchar(50)"`
	Name      string   `gorm:"column:name;type:varchar(100);not null"`
	StationID string   `gorm:"column:station_id;type:varchar(50);index;not null"`
	Station   *Station `gorm:"foreignKey:StationID"`
	IsActive  bool     `gorm:"column:is_active"`

	// Planning estimate, minutes per completed unit.
	EstMinutesPerUnit float64 `gorm:"column:est_minutes_per_unit;type:decimal(6,2)"`

	// Relationships
	Assignments []TaskAssignment `gorm:"foreignKey:TaskTypeID"`
}

// TaskAssignment records an employee working a task type. A null EndTime
// means the assignment is active.
//
// Invariant: at most one row per employee with end_time IS NULL.
type TaskAssignment struct {
	ID         string    `gorm:"column:assignment_id;primaryKey;type:varchar(50)"`
	EmployeeID string    `gorm:"column:employee_id;type:varchar(50);index;not null"`
	Employee   *Employee `gorm:"foreignKey:EmployeeID"`
	TaskTypeID string    `gorm:"column:task_type_id;type:varchar(50);index;not null"`
	TaskType   *TaskType `gorm:"foreignKey:TaskTypeID"`

	StartTime      time.Time  `gorm:"column:start_time;not null"`
	EndTime        *time.Time `gorm:"column:end_time"`
	UnitsCompleted *int       `gorm:"column:units_completed"`
	Notes          string     `gorm:"column:notes;type:text"`
	Origin         string     `gorm:"column:origin;type:varchar(10);not null"`

	// Manager who created the assignment; null for worker self-starts.
	AssignedByID *string `gorm:"column:assigned_by_id;type:varchar(50)"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (a *TaskAssignment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Active reports whether the assignment is still open.
func (a *TaskAssignment) Active() bool {
	return a.EndTime == nil
}
