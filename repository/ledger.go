package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/warelabs/floortrack/realtime"
	"github.com/warelabs/floortrack/repository/models"
)

// Attendance ledger. Every invariant-bearing mutation runs its precondition
// read and its writes inside one transaction so that two concurrent requests
// for the same employee cannot both pass the check and both insert an open
// row. The partial unique indexes created in Migrate backstop the same
// invariants at the storage layer.

// ClockIn opens a WORK interval for the employee at the station and records
// the station as the employee's last-used one.
func (r *Repository) ClockIn(employeeID, stationID, entryMethod string) (*models.TimeLog, *RepositoryError) {
	if employeeID == "" || stationID == "" {
		return nil, &RepositoryError{
			Code:    ErrCodeValidation,
			Message: "employee and station are required",
			Detail:  "clock-in needs both employee_id and station_id",
		}
	}
	if entryMethod == "" {
		entryMethod = models.EntryMethodManual
	}

	tx := r.db.Begin()

	employee, repoErr := r.activeEmployeeTx(tx, employeeID)
	if repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}

	var station models.Station
	err := tx.Where("station_id = ?", stationID).First(&station).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "station does not exist",
				Detail:  fmt.Sprintf("station with id %s does not exist", stationID),
			}
		}
		return nil, r.wrapDBError(err, "station lookup")
	}
	if !station.IsActive {
		tx.Rollback()
		return nil, &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "station is inactive",
			Detail:  fmt.Sprintf("station %s is not accepting punches", station.Name),
		}
	}

	var openCount int64
	err = tx.Model(&models.TimeLog{}).
		Where("employee_id = ? AND kind = ? AND end_time IS NULL AND deleted_at IS NULL", employeeID, models.LogKindWork).
		Count(&openCount).Error
	if err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "open work lookup")
	}
	if openCount > 0 {
		tx.Rollback()
		return nil, &RepositoryError{
			Code:    ErrCodeAlreadyClockedIn,
			Message: "employee is already clocked in",
			Detail:  fmt.Sprintf("%s has an open work session", employee.Name),
		}
	}

	workLog := models.TimeLog{
		EmployeeID:  employeeID,
		StationID:   &station.ID,
		Kind:        models.LogKindWork,
		StartTime:   time.Now(),
		EntryMethod: entryMethod,
	}
	if err := tx.Create(&workLog).Error; err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "clock-in insert")
	}

	err = tx.Model(&models.Employee{}).
		Where("employee_id = ?", employeeID).
		Update("last_station_id", station.ID).Error
	if err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "last station update")
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return nil, repoErr
	}

	r.publisher.Publish(realtime.EventTimeLog, realtime.ScopeAttendance, map[string]any{
		"action":      "clock_in",
		"employee_id": employeeID,
		"station_id":  station.ID,
		"time_log_id": workLog.ID,
	})
	return &workLog, nil
}

// ClockOut closes the given open WORK interval and, in the same transaction,
// closes any open BREAK rows for that employee. Clock-out must never leave a
// dangling break.
func (r *Repository) ClockOut(timeLogID string) (*models.TimeLog, *RepositoryError) {
	tx := r.db.Begin()

	var workLog models.TimeLog
	err := tx.Where("time_log_id = ?", timeLogID).First(&workLog).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "time log does not exist",
				Detail:  fmt.Sprintf("time log with id %s does not exist", timeLogID),
			}
		}
		return nil, r.wrapDBError(err, "time log lookup")
	}
	if workLog.Kind != models.LogKindWork || !workLog.Open() {
		tx.Rollback()
		return nil, &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "not an open work session",
			Detail:  fmt.Sprintf("time log %s is not an open, non-deleted work row", timeLogID),
		}
	}

	now := time.Now()
	workLog.EndTime = &now
	if err := tx.Save(&workLog).Error; err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "clock-out update")
	}

	var openBreaks []models.TimeLog
	err = tx.Where("employee_id = ? AND kind = ? AND end_time IS NULL AND deleted_at IS NULL",
		workLog.EmployeeID, models.LogKindBreak).Find(&openBreaks).Error
	if err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "open break lookup")
	}
	for i := range openBreaks {
		openBreaks[i].EndTime = &now
		if err := tx.Save(&openBreaks[i]).Error; err != nil {
			tx.Rollback()
			return nil, r.wrapDBError(err, "break close")
		}
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return nil, repoErr
	}

	r.publisher.Publish(realtime.EventTimeLog, realtime.ScopeAttendance, map[string]any{
		"action":      "clock_out",
		"employee_id": workLog.EmployeeID,
		"time_log_id": workLog.ID,
	})
	if len(openBreaks) > 0 {
		r.publisher.Publish(realtime.EventBreak, realtime.ScopeAttendance, map[string]any{
			"action":      "break_closed_on_clock_out",
			"employee_id": workLog.EmployeeID,
			"count":       len(openBreaks),
		})
	}
	return &workLog, nil
}

// StartBreak opens a BREAK interval for an employee with exactly one open
// work session and no break in progress. The break inherits the work row's
// station and entry method.
func (r *Repository) StartBreak(employeeID string) (*models.TimeLog, *RepositoryError) {
	tx := r.db.Begin()

	workLog, repoErr := r.singleOpenWorkTx(tx, employeeID)
	if repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}

	var openBreaks int64
	err := tx.Model(&models.TimeLog{}).
		Where("employee_id = ? AND kind = ? AND end_time IS NULL AND deleted_at IS NULL", employeeID, models.LogKindBreak).
		Count(&openBreaks).Error
	if err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "open break lookup")
	}
	if openBreaks > 0 {
		tx.Rollback()
		return nil, &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "break already in progress",
			Detail:  "end the current break before starting another",
		}
	}

	breakLog := models.TimeLog{
		EmployeeID:  employeeID,
		StationID:   workLog.StationID,
		Kind:        models.LogKindBreak,
		StartTime:   time.Now(),
		EntryMethod: workLog.EntryMethod,
	}
	if err := tx.Create(&breakLog).Error; err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "break insert")
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return nil, repoErr
	}

	r.publisher.Publish(realtime.EventBreak, realtime.ScopeAttendance, map[string]any{
		"action":      "break_start",
		"employee_id": employeeID,
		"time_log_id": breakLog.ID,
	})
	return &breakLog, nil
}

// EndBreak closes the most recently started open BREAK row.
func (r *Repository) EndBreak(employeeID string) (*models.TimeLog, *RepositoryError) {
	tx := r.db.Begin()

	var breakLog models.TimeLog
	err := tx.Where("employee_id = ? AND kind = ? AND end_time IS NULL AND deleted_at IS NULL", employeeID, models.LogKindBreak).
		Order("start_time DESC").
		First(&breakLog).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeInvalidState,
				Message: "no break in progress",
				Detail:  fmt.Sprintf("employee %s has no open break", employeeID),
			}
		}
		return nil, r.wrapDBError(err, "open break lookup")
	}

	now := time.Now()
	breakLog.EndTime = &now
	if err := tx.Save(&breakLog).Error; err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "break close")
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return nil, repoErr
	}

	r.publisher.Publish(realtime.EventBreak, realtime.ScopeAttendance, map[string]any{
		"action":      "break_end",
		"employee_id": employeeID,
		"time_log_id": breakLog.ID,
	})
	return &breakLog, nil
}

// TimeLogUpdate carries an administrative correction to a time log.
type TimeLogUpdate struct {
	StartTime time.Time
	EndTime   *time.Time
	Kind      string
	StationID *string
	Note      *string
}

// UpdateTimeLog applies a manager correction. It validates the interval but
// deliberately does not re-check the single-open-row invariant against
// sibling rows (trusted override; the backstop index still rejects a
// correction that would create a second open row of the same kind).
func (r *Repository) UpdateTimeLog(timeLogID string, update TimeLogUpdate) (*models.TimeLog, *RepositoryError) {
	if update.Kind != models.LogKindWork && update.Kind != models.LogKindBreak {
		return nil, &RepositoryError{
			Code:    ErrCodeValidation,
			Message: "kind must be WORK or BREAK",
			Detail:  fmt.Sprintf("got kind %q", update.Kind),
		}
	}
	if update.EndTime != nil && !update.EndTime.After(update.StartTime) {
		return nil, &RepositoryError{
			Code:    ErrCodeValidation,
			Message: "end time must be after start time",
			Detail:  fmt.Sprintf("start %s, end %s", update.StartTime, update.EndTime),
		}
	}

	tx := r.db.Begin()

	var timeLog models.TimeLog
	err := tx.Where("time_log_id = ? AND deleted_at IS NULL", timeLogID).First(&timeLog).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "time log does not exist",
				Detail:  fmt.Sprintf("time log with id %s does not exist", timeLogID),
			}
		}
		return nil, r.wrapDBError(err, "time log lookup")
	}

	timeLog.StartTime = update.StartTime
	timeLog.EndTime = update.EndTime
	timeLog.Kind = update.Kind
	if update.StationID != nil {
		timeLog.StationID = update.StationID
	}
	if update.Note != nil {
		timeLog.Note = *update.Note
	}

	if err := tx.Save(&timeLog).Error; err != nil {
		tx.Rollback()
		repoErr := r.wrapDBError(err, "time log update")
		if repoErr.Code == ErrCodeIntegrityConflict {
			r.logger.Error("Time log correction rejected by invariant backstop",
				"time_log_id", timeLogID, "detail", repoErr.Detail)
		}
		return nil, repoErr
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return nil, repoErr
	}

	r.publisher.Publish(realtime.EventTimeLog, realtime.ScopeAttendance, map[string]any{
		"action":      "update",
		"employee_id": timeLog.EmployeeID,
		"time_log_id": timeLog.ID,
	})
	return &timeLog, nil
}

// DeleteTimeLog soft-deletes a row, annotating the note so the audit trail
// records why. The row is never physically removed.
func (r *Repository) DeleteTimeLog(timeLogID, reason string) *RepositoryError {
	tx := r.db.Begin()

	var timeLog models.TimeLog
	err := tx.Where("time_log_id = ? AND deleted_at IS NULL", timeLogID).First(&timeLog).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "time log does not exist",
				Detail:  fmt.Sprintf("time log with id %s does not exist or is already deleted", timeLogID),
			}
		}
		return r.wrapDBError(err, "time log lookup")
	}

	now := time.Now()
	timeLog.DeletedAt = &now
	annotation := fmt.Sprintf("[deleted %s]", now.Format(time.RFC3339))
	if reason != "" {
		annotation = fmt.Sprintf("[deleted %s: %s]", now.Format(time.RFC3339), reason)
	}
	timeLog.Note = strings.TrimSpace(timeLog.Note + " " + annotation)

	if err := tx.Save(&timeLog).Error; err != nil {
		tx.Rollback()
		return r.wrapDBError(err, "time log delete")
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return repoErr
	}

	r.publisher.Publish(realtime.EventTimeLog, realtime.ScopeAttendance, map[string]any{
		"action":      "delete",
		"employee_id": timeLog.EmployeeID,
		"time_log_id": timeLog.ID,
	})
	return nil
}

// PinToggleResult reports which direction a PIN toggle went.
type PinToggleResult struct {
	Employee  *models.Employee
	TimeLog   *models.TimeLog
	ClockedIn bool
}

// PinToggle resolves the PIN to an employee and toggles their clocked state:
// clock-out when a work session is open, otherwise clock-in at the hinted
// station, falling back to the last-used then the default station.
func (r *Repository) PinToggle(pin, stationIDHint string) (*PinToggleResult, *RepositoryError) {
	if r.pins == nil {
		return nil, &RepositoryError{
			Code:    ErrCodeDatabase,
			Message: "pin resolver not configured",
			Detail:  "repository has no PinResolver attached",
		}
	}

	employee, err := r.pins.Resolve(pin)
	if err != nil {
		if errors.Is(err, ErrPinFormat) {
			return nil, &RepositoryError{
				Code:    ErrCodeValidation,
				Message: "pin must be 4 to 6 digits",
				Detail:  "malformed pin rejected before credential scan",
			}
		}
		if errors.Is(err, ErrPinNoMatch) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "pin does not match any active employee",
				Detail:  "no active, pin-enabled employee matched",
			}
		}
		return nil, &RepositoryError{
			Code:    ErrCodeDatabase,
			Message: "pin resolution failed",
			Detail:  err.Error(),
		}
	}

	var openWork models.TimeLog
	dbErr := r.db.Where("employee_id = ? AND kind = ? AND end_time IS NULL AND deleted_at IS NULL",
		employee.ID, models.LogKindWork).First(&openWork).Error
	if dbErr == nil {
		closed, repoErr := r.ClockOut(openWork.ID)
		if repoErr != nil {
			return nil, repoErr
		}
		return &PinToggleResult{Employee: employee, TimeLog: closed, ClockedIn: false}, nil
	}
	if !errors.Is(dbErr, gorm.ErrRecordNotFound) {
		return nil, r.wrapDBError(dbErr, "open work lookup")
	}

	stationID := stationIDHint
	if stationID == "" && employee.LastStationID != nil {
		stationID = *employee.LastStationID
	}
	if stationID == "" && employee.DefaultStationID != nil {
		stationID = *employee.DefaultStationID
	}
	if stationID == "" {
		return nil, &RepositoryError{
			Code:    ErrCodeNoStationAvailable,
			Message: "no station available for clock-in",
			Detail:  fmt.Sprintf("%s has no hinted, last-used, or default station", employee.Name),
		}
	}

	opened, repoErr := r.ClockIn(employee.ID, stationID, models.EntryMethodPin)
	if repoErr != nil {
		return nil, repoErr
	}
	return &PinToggleResult{Employee: employee, TimeLog: opened, ClockedIn: true}, nil
}

// TimeLogHistory lists an employee's non-deleted intervals in a window,
// newest first. Snapshot read, no locking.
func (r *Repository) TimeLogHistory(employeeID string, from, to time.Time) ([]models.TimeLog, *RepositoryError) {
	var logs []models.TimeLog
	err := r.db.Where("employee_id = ? AND deleted_at IS NULL AND start_time >= ? AND start_time < ?",
		employeeID, from, to).
		Order("start_time DESC").
		Find(&logs).Error
	if err != nil {
		return nil, r.wrapDBError(err, "history query")
	}
	return logs, nil
}

// WorkerStatus is the current ledger and task state for one employee.
type WorkerStatus struct {
	Employee         *models.Employee
	OpenWork         *models.TimeLog
	OpenBreak        *models.TimeLog
	ActiveAssignment *models.TaskAssignment
}

// Status returns what the monitor dashboard renders for one worker between
// invalidation events.
func (r *Repository) Status(employeeID string) (*WorkerStatus, *RepositoryError) {
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

	status := &WorkerStatus{Employee: &employee}

	var openLogs []models.TimeLog
	err = r.db.Where("employee_id = ? AND end_time IS NULL AND deleted_at IS NULL", employeeID).
		Find(&openLogs).Error
	if err != nil {
		return nil, r.wrapDBError(err, "open log lookup")
	}
	for i := range openLogs {
		switch openLogs[i].Kind {
		case models.LogKindWork:
			status.OpenWork = &openLogs[i]
		case models.LogKindBreak:
			status.OpenBreak = &openLogs[i]
		}
	}

	var assignment models.TaskAssignment
	err = r.db.Preload("TaskType").
		Where("employee_id = ? AND end_time IS NULL", employeeID).
		First(&assignment).Error
	if err == nil {
		status.ActiveAssignment = &assignment
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, r.wrapDBError(err, "assignment lookup")
	}

	return status, nil
}

// activeEmployeeTx loads an employee inside tx and requires them active.
func (r *Repository) activeEmployeeTx(tx *gorm.DB, employeeID string) (*models.Employee, *RepositoryError) {
	var employee models.Employee
	err := tx.Where("employee_id = ?", employeeID).First(&employee).Error
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
	if !employee.IsActive {
		return nil, &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "employee is inactive",
			Detail:  fmt.Sprintf("%s is not an active employee", employee.Name),
		}
	}
	return &employee, nil
}

// singleOpenWorkTx requires exactly one open WORK row for the employee and
// returns it. Zero rows is a business-rule failure; more than one is an
// integrity conflict needing manual resolution.
func (r *Repository) singleOpenWorkTx(tx *gorm.DB, employeeID string) (*models.TimeLog, *RepositoryError) {
	var workLogs []models.TimeLog
	err := tx.Where("employee_id = ? AND kind = ? AND end_time IS NULL AND deleted_at IS NULL", employeeID, models.LogKindWork).
		Find(&workLogs).Error
	if err != nil {
		return nil, r.wrapDBError(err, "open work lookup")
	}
	switch len(workLogs) {
	case 0:
		return nil, &RepositoryError{
			Code:    ErrCodeClockInRequired,
			Message: "employee is not clocked in",
			Detail:  fmt.Sprintf("employee %s has no open work session", employeeID),
		}
	case 1:
		return &workLogs[0], nil
	default:
		r.logger.Error("Multiple open work sessions found", "employee_id", employeeID, "count", len(workLogs))
		return nil, &RepositoryError{
			Code:    ErrCodeIntegrityConflict,
			Message: "multiple open work sessions, manager intervention required",
			Detail:  fmt.Sprintf("employee %s has %d open work rows", employeeID, len(workLogs)),
		}
	}
}
