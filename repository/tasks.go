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

// Task assignment tracker. Same transactional discipline as the ledger:
// the "at most one open assignment" precondition is read and the write
// applied inside one transaction, with the partial unique index as backstop.

// Assign creates a manager-originated assignment. Fails when the employee
// already has an open one.
func (r *Repository) Assign(employeeID, taskTypeID, assignerID, notes string) (*models.TaskAssignment, *RepositoryError) {
	tx := r.db.Begin()

	if _, repoErr := r.activeEmployeeTx(tx, employeeID); repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}
	taskType, repoErr := r.activeTaskTypeTx(tx, taskTypeID)
	if repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}
	if repoErr := r.noOpenAssignmentTx(tx, employeeID); repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}

	assignment := models.TaskAssignment{
		EmployeeID:   employeeID,
		TaskTypeID:   taskType.ID,
		StartTime:    time.Now(),
		Notes:        notes,
		Origin:       models.OriginManager,
		AssignedByID: &assignerID,
	}
	if err := tx.Create(&assignment).Error; err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "assignment insert")
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return nil, repoErr
	}

	r.publishTaskChange("assign", &assignment)
	return &assignment, nil
}

// StartSelf creates a worker-originated assignment. Requires an open work
// session and an active task type.
func (r *Repository) StartSelf(employeeID, taskTypeID string) (*models.TaskAssignment, *RepositoryError) {
	tx := r.db.Begin()

	if _, repoErr := r.activeEmployeeTx(tx, employeeID); repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}

	var openWork int64
	err := tx.Model(&models.TimeLog{}).
		Where("employee_id = ? AND kind = ? AND end_time IS NULL AND deleted_at IS NULL", employeeID, models.LogKindWork).
		Count(&openWork).Error
	if err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "open work lookup")
	}
	if openWork == 0 {
		tx.Rollback()
		return nil, &RepositoryError{
			Code:    ErrCodeClockInRequired,
			Message: "clock in before starting a task",
			Detail:  fmt.Sprintf("employee %s has no open work session", employeeID),
		}
	}

	taskType, repoErr := r.activeTaskTypeTx(tx, taskTypeID)
	if repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}
	if repoErr := r.noOpenAssignmentTx(tx, employeeID); repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}

	assignment := models.TaskAssignment{
		EmployeeID: employeeID,
		TaskTypeID: taskType.ID,
		StartTime:  time.Now(),
		Origin:     models.OriginWorker,
	}
	if err := tx.Create(&assignment).Error; err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "assignment insert")
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return nil, repoErr
	}

	r.publishTaskChange("start", &assignment)
	return &assignment, nil
}

// Switch atomically ends the employee's single open assignment and creates a
// new one. More than one open assignment is a data-integrity problem that is
// reported, never resolved by guessing which row is canonical.
func (r *Repository) Switch(employeeID, newTaskTypeID, reason string) (*models.TaskAssignment, *RepositoryError) {
	tx := r.db.Begin()

	var open []models.TaskAssignment
	err := tx.Where("employee_id = ? AND end_time IS NULL", employeeID).Find(&open).Error
	if err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "open assignment lookup")
	}
	switch {
	case len(open) == 0:
		tx.Rollback()
		return nil, &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "no active task to switch",
			Detail:  fmt.Sprintf("employee %s has no open assignment", employeeID),
		}
	case len(open) > 1:
		tx.Rollback()
		r.logger.Error("Multiple open assignments found", "employee_id", employeeID, "count", len(open))
		return nil, &RepositoryError{
			Code:    ErrCodeIntegrityConflict,
			Message: "multiple active assignments, manager intervention required",
			Detail:  fmt.Sprintf("employee %s has %d open assignments", employeeID, len(open)),
		}
	}

	taskType, repoErr := r.activeTaskTypeTx(tx, newTaskTypeID)
	if repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}

	now := time.Now()
	current := open[0]
	current.EndTime = &now
	if reason != "" {
		current.Notes = appendNote(current.Notes, "switched: "+reason)
	}
	if err := tx.Save(&current).Error; err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "assignment close")
	}

	next := models.TaskAssignment{
		EmployeeID:   employeeID,
		TaskTypeID:   taskType.ID,
		StartTime:    now,
		Origin:       current.Origin,
		AssignedByID: current.AssignedByID,
	}
	if err := tx.Create(&next).Error; err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "assignment insert")
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return nil, repoErr
	}

	r.publishTaskChange("switch", &next)
	return &next, nil
}

// Complete ends an open assignment, recording units and appending completion
// notes to whatever is already there. The record stays queryable for
// history and efficiency reporting.
func (r *Repository) Complete(assignmentID string, unitsCompleted *int, notes string) (*models.TaskAssignment, *RepositoryError) {
	tx := r.db.Begin()

	var assignment models.TaskAssignment
	err := tx.Where("assignment_id = ?", assignmentID).First(&assignment).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "assignment does not exist",
				Detail:  fmt.Sprintf("assignment with id %s does not exist", assignmentID),
			}
		}
		return nil, r.wrapDBError(err, "assignment lookup")
	}
	if !assignment.Active() {
		tx.Rollback()
		return nil, &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "assignment is already completed",
			Detail:  fmt.Sprintf("assignment %s has an end time", assignmentID),
		}
	}

	now := time.Now()
	assignment.EndTime = &now
	if unitsCompleted != nil {
		assignment.UnitsCompleted = unitsCompleted
	}
	if notes != "" {
		assignment.Notes = appendNote(assignment.Notes, notes)
	}

	if err := tx.Save(&assignment).Error; err != nil {
		tx.Rollback()
		return nil, r.wrapDBError(err, "assignment complete")
	}

	if repoErr := r.commit(tx); repoErr != nil {
		return nil, repoErr
	}

	r.publishTaskChange("complete", &assignment)
	return &assignment, nil
}

// ActiveAssignments lists all open assignments, or one employee's when
// employeeID is non-empty. Task types are preloaded for dashboard display.
func (r *Repository) ActiveAssignments(employeeID string) ([]models.TaskAssignment, *RepositoryError) {
	query := r.db.Preload("TaskType").Where("end_time IS NULL")
	if employeeID != "" {
		query = query.Where("employee_id = ?", employeeID)
	}

	var assignments []models.TaskAssignment
	if err := query.Order("start_time ASC").Find(&assignments).Error; err != nil {
		return nil, r.wrapDBError(err, "active assignment query")
	}
	return assignments, nil
}

// AssignmentHistory lists an employee's assignments in a window, newest
// first, including completed ones.
func (r *Repository) AssignmentHistory(employeeID string, from, to time.Time) ([]models.TaskAssignment, *RepositoryError) {
	var assignments []models.TaskAssignment
	err := r.db.Preload("TaskType").
		Where("employee_id = ? AND start_time >= ? AND start_time < ?", employeeID, from, to).
		Order("start_time DESC").
		Find(&assignments).Error
	if err != nil {
		return nil, r.wrapDBError(err, "assignment history query")
	}
	return assignments, nil
}

// DeactivateTaskType retires a task type. Blocked while open assignments
// reference it.
func (r *Repository) DeactivateTaskType(taskTypeID string) *RepositoryError {
	tx := r.db.Begin()

	var taskType models.TaskType
	err := tx.Where("task_type_id = ?", taskTypeID).First(&taskType).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "task type does not exist",
				Detail:  fmt.Sprintf("task type with id %s does not exist", taskTypeID),
			}
		}
		return r.wrapDBError(err, "task type lookup")
	}

	var openCount int64
	err = tx.Model(&models.TaskAssignment{}).
		Where("task_type_id = ? AND end_time IS NULL", taskTypeID).
		Count(&openCount).Error
	if err != nil {
		tx.Rollback()
		return r.wrapDBError(err, "open assignment count")
	}
	if openCount > 0 {
		tx.Rollback()
		return &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "task type has active assignments",
			Detail:  fmt.Sprintf("%d open assignments reference %s", openCount, taskType.Name),
		}
	}

	taskType.IsActive = false
	if err := tx.Save(&taskType).Error; err != nil {
		tx.Rollback()
		return r.wrapDBError(err, "task type deactivate")
	}

	return r.commit(tx)
}

// publishTaskChange emits the pair of events every visible task mutation
// produces: one for the tasks board, one for the worker monitor.
func (r *Repository) publishTaskChange(action string, assignment *models.TaskAssignment) {
	payload := map[string]any{
		"action":        action,
		"employee_id":   assignment.EmployeeID,
		"assignment_id": assignment.ID,
		"task_type_id":  assignment.TaskTypeID,
	}
	r.publisher.Publish(realtime.EventTask, realtime.ScopeTasks, payload)
	r.publisher.Publish(realtime.EventWorkerStatus, realtime.ScopeMonitor, map[string]any{
		"employee_id": assignment.EmployeeID,
	})
}

func (r *Repository) activeTaskTypeTx(tx *gorm.DB, taskTypeID string) (*models.TaskType, *RepositoryError) {
	var taskType models.TaskType
	err := tx.Where("task_type_id = ?", taskTypeID).First(&taskType).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "task type does not exist",
				Detail:  fmt.Sprintf("task type with id %s does not exist", taskTypeID),
			}
		}
		return nil, r.wrapDBError(err, "task type lookup")
	}
	if !taskType.IsActive {
		return nil, &RepositoryError{
			Code:    ErrCodeInvalidState,
			Message: "task type is inactive",
			Detail:  fmt.Sprintf("task type %s is retired", taskType.Name),
		}
	}
	return &taskType, nil
}

func (r *Repository) noOpenAssignmentTx(tx *gorm.DB, employeeID string) *RepositoryError {
	var openCount int64
	err := tx.Model(&models.TaskAssignment{}).
		Where("employee_id = ? AND end_time IS NULL", employeeID).
		Count(&openCount).Error
	if err != nil {
		return r.wrapDBError(err, "open assignment count")
	}
	if openCount > 0 {
		return &RepositoryError{
			Code:    ErrCodeAlreadyAssigned,
			Message: "employee already has an active task",
			Detail:  fmt.Sprintf("employee %s holds an open assignment", employeeID),
		}
	}
	return nil
}

func appendNote(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return strings.TrimSpace(existing) + "\n" + addition
}
