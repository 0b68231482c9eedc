package models

// Station represents a physical work area on the warehouse floor.
type Station struct {
	ID       string `gorm:"column:station_id;primaryKey;type:varchar(50)"`
	Name     string `gorm:"column:name;type:varchar(100);not null"`
	IsActive bool   `gorm:"column:is_active"`

	// Relationships
	TaskTypes []TaskType    `gorm:"foreignKey:StationID"`
	Demands   []ShiftDemand `gorm:"foreignKey:StationID"`
}
