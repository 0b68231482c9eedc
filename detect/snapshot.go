package detect

import (
	"time"

	"github.com/warelabs/floortrack/repository/models"
)

// Snapshot is the read-only state one exception scan works from. The loader
// (repository.LoadDetectionSnapshot) fills it with ordinary snapshot reads;
// the engine itself never touches storage, which keeps the detectors pure
// and directly testable.
type Snapshot struct {
	Now time.Time

	// Active employees only; inactive workers are never flagged.
	Employees []models.Employee

	// All open, non-deleted time logs (both kinds, all employees).
	OpenLogs []models.TimeLog

	// All open assignments, task types preloaded for station attribution.
	OpenAssignments []models.TaskAssignment

	// WORK rows overlapping the current week (open rows included), for the
	// overtime running totals.
	WeekWorkLogs []models.TimeLog

	// BREAK rows overlapping today (open rows included), for the
	// break-overdue check.
	DayBreakLogs []models.TimeLog

	// Demand windows covering Now.
	Demands []models.ShiftDemand

	Stations []models.Station
}

func (s *Snapshot) employeeName(employeeID string) string {
	for i := range s.Employees {
		if s.Employees[i].ID == employeeID {
			return s.Employees[i].Name
		}
	}
	return employeeID
}

func (s *Snapshot) stationName(stationID string) string {
	for i := range s.Stations {
		if s.Stations[i].ID == stationID {
			return s.Stations[i].Name
		}
	}
	return stationID
}

func (s *Snapshot) employee(employeeID string) *models.Employee {
	for i := range s.Employees {
		if s.Employees[i].ID == employeeID {
			return &s.Employees[i]
		}
	}
	return nil
}

func (s *Snapshot) isActiveEmployee(employeeID string) bool {
	for i := range s.Employees {
		if s.Employees[i].ID == employeeID {
			return true
		}
	}
	return false
}
