package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TimeLog kinds.
const (
	LogKindWork  = "WORK"
	LogKindBreak = "BREAK"
)

// TimeLog entry methods.
const (
	EntryMethodManual = "manual"
	EntryMethodPin    = "pin"
)

// TimeLog is one work or break interval. A null EndTime means the interval is
// still open. Rows are never hard-deleted; DeletedAt marks them removed while
// preserving the audit trail.
//
// Invariant: per employee and kind, at most one row with end_time IS NULL and
// deleted_at IS NULL. Enforced transactionally by the ledger and backstopped
// by a partial unique index (see Migrate).
type TimeLog struct {
	ID         string    `gorm:"column:time_log_id;primaryKey;type:varchar(50)"`
	EmployeeID string    `gorm:"column:employee_id;type:varchar(50);index;not null"`
	Employee   *Employee `gorm:"foreignKey:EmployeeID"`
	StationID  *string   `gorm:"column:station_id;type:varchar(50);index"`
	Station    *Station  `gorm:"foreignKey:StationID"`

	Kind        string     `gorm:"column:kind;type:varchar(10);not null"`
	StartTime   time.Time  `gorm:"column:start_time;not null"`
	EndTime     *time.Time `gorm:"column:end_time"`
	EntryMethod string     `gorm:"column:entry_method;type:varchar(10);default:'manual'"`
	Note        string     `gorm:"column:note;type:text"`

	DeletedAt *time.Time `gorm:"column:deleted_at;index"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (l *TimeLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// Open reports whether the interval is active and not soft-deleted.
func (l *TimeLog) Open() bool {
	return l.EndTime == nil && l.DeletedAt == nil
}
