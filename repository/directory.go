package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/warelabs/floortrack/detect"
	"github.com/warelabs/floortrack/repository/models"
)

// Employee directory reads. All are plain snapshot queries; the directory is
// read-only to this service apart from last_station_id, which the ledger
// updates on clock-in.

// ActiveEmployees lists every active employee.
func (r *Repository) ActiveEmployees() ([]models.Employee, *RepositoryError) {
	var employees []models.Employee
	err := r.db.Where("is_active = ?", true).Order("name ASC").Find(&employees).Error
	if err != nil {
		return nil, r.wrapDBError(err, "active employee query")
	}
	return employees, nil
}

// PinCandidates lists active employees that have a PIN credential set. This
// is the scan set for PIN resolution; its size, not total headcount, bounds
// the per-toggle comparison cost.
func (r *Repository) PinCandidates() ([]models.Employee, error) {
	var employees []models.Employee
	err := r.db.Where("is_active = ? AND pin_hash IS NOT NULL", true).Find(&employees).Error
	if err != nil {
		return nil, r.wrapDBError(err, "pin candidate query")
	}
	return employees, nil
}

// EmployeeByID loads one employee.
func (r *Repository) EmployeeByID(employeeID string) (*models.Employee, *RepositoryError) {
	var employee models.Employee
	err := r.db.Where("employee_id = ?", employeeID).First(&employee).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "employee does not exist",
				Detail:  fmt.Sprintf("employee with id %s does not exist", employeeID),
			}
		}
		return nil, r.wrapDBError(err, "employee lookup")
	}
	return &employee, nil
}

// StationByID loads one station.
func (r *Repository) StationByID(stationID string) (*models.Station, *RepositoryError) {
	var station models.Station
	err := r.db.Where("station_id = ?", stationID).First(&station).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "station does not exist",
				Detail:  fmt.Sprintf("station with id %s does not exist", stationID),
			}
		}
		return nil, r.wrapDBError(err, "station lookup")
	}
	return &station, nil
}

// ActiveTaskTypes lists active task types with their stations.
func (r *Repository) ActiveTaskTypes() ([]models.TaskType, *RepositoryError) {
	var taskTypes []models.TaskType
	err := r.db.Preload("Station").Where("is_active = ?", true).Order("name ASC").Find(&taskTypes).Error
	if err != nil {
		return nil, r.wrapDBError(err, "task type query")
	}
	return taskTypes, nil
}

// LoadDetectionSnapshot gathers everything one exception scan reads: active
// employees, open time logs, open assignments (with task types for station
// attribution), this week's work rows, today's break rows, demand windows
// covering now, and the
// station list for labels. Ordinary snapshot reads; slight staleness is fine
// because scans are recomputed on every view.
func (r *Repository) LoadDetectionSnapshot(now time.Time) (*detect.Snapshot, *RepositoryError) {
	snapshot := &detect.Snapshot{Now: now}

	err := r.db.Where("is_active = ?", true).Find(&snapshot.Employees).Error
	if err != nil {
		return nil, r.wrapDBError(err, "snapshot employees")
	}

	err = r.db.Where("end_time IS NULL AND deleted_at IS NULL").Find(&snapshot.OpenLogs).Error
	if err != nil {
		return nil, r.wrapDBError(err, "snapshot open logs")
	}

	err = r.db.Preload("TaskType").Where("end_time IS NULL").Find(&snapshot.OpenAssignments).Error
	if err != nil {
		return nil, r.wrapDBError(err, "snapshot open assignments")
	}

	weekStart := startOfWeek(now)
	err = r.db.Where("kind = ? AND deleted_at IS NULL AND (end_time IS NULL OR end_time > ?)",
		models.LogKindWork, weekStart).
		Find(&snapshot.WeekWorkLogs).Error
	if err != nil {
		return nil, r.wrapDBError(err, "snapshot week work logs")
	}

	dayStart := startOfDay(now)
	err = r.db.Where("kind = ? AND deleted_at IS NULL AND (end_time IS NULL OR end_time > ?)",
		models.LogKindBreak, dayStart).
		Find(&snapshot.DayBreakLogs).Error
	if err != nil {
		return nil, r.wrapDBError(err, "snapshot day break logs")
	}

	err = r.db.Where("start_time <= ? AND end_time > ?", now, now).Find(&snapshot.Demands).Error
	if err != nil {
		return nil, r.wrapDBError(err, "snapshot demands")
	}

	err = r.db.Find(&snapshot.Stations).Error
	if err != nil {
		return nil, r.wrapDBError(err, "snapshot stations")
	}

	return snapshot, nil
}
