package srvreg

import (
	"net/http"
	"time"

	"github.com/warelabs/floortrack/config"
	"github.com/warelabs/floortrack/repository/models"
)

type assignmentView struct {
	ID             string     `json:"id"`
	EmployeeID     string     `json:"employee_id"`
	TaskTypeID     string     `json:"task_type_id"`
	TaskTypeName   string     `json:"task_type_name,omitempty"`
	StationID      string     `json:"station_id,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	UnitsCompleted *int       `json:"units_completed,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	Origin         string     `json:"origin"`
	AssignedByID   *string    `json:"assigned_by_id,omitempty"`
}

func viewAssignment(assignment *models.TaskAssignment) assignmentView {
	view := assignmentView{
		ID:             assignment.ID,
		EmployeeID:     assignment.EmployeeID,
		TaskTypeID:     assignment.TaskTypeID,
		StartTime:      assignment.StartTime,
		EndTime:        assignment.EndTime,
		UnitsCompleted: assignment.UnitsCompleted,
		Notes:          assignment.Notes,
		Origin:         assignment.Origin,
		AssignedByID:   assignment.AssignedByID,
	}
	if assignment.TaskType != nil {
		view.TaskTypeName = assignment.TaskType.Name
		view.StationID = assignment.TaskType.StationID
	}
	return view
}

// activeAssignmentViews returns the employee's refreshed open assignments,
// so every task mutation responds with the state the client should render.
func (sr *ServiceRegistry) activeAssignmentViews(employeeID string) []assignmentView {
	assignments, dbErr := sr.repository.ActiveAssignments(employeeID)
	if dbErr != nil {
		sr.logger.Error("Active assignment refresh failed", "employee_id", employeeID, "error", dbErr.Message)
		return nil
	}
	views := make([]assignmentView, 0, len(assignments))
	for i := range assignments {
		views = append(views, viewAssignment(&assignments[i]))
	}
	return views
}

type assignTaskHandlerBody struct {
	EmployeeID string `json:"employee_id"`
	TaskTypeID string `json:"task_type_id"`
	Notes      string `json:"notes"`
}

func (sr *ServiceRegistry) AssignTaskHandler(req *Request) (*Response, error) {
	if !req.Identity.Manager() {
		return forbidden("task assignment requires a manager session")
	}
	if sr.taskMode == config.ModeSelfAssignRequired {
		return forbidden("workers pick their own tasks in this facility")
	}

	var body assignTaskHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.EmployeeID == "" {
		return badRequest("employee_id is required")
	}
	if body.TaskTypeID == "" {
		return badRequest("task_type_id is required")
	}

	assignment, dbErr := sr.repository.Assign(body.EmployeeID, body.TaskTypeID, req.Identity.UserID, body.Notes)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusCreated, map[string]interface{}{
		"message":            "Task assigned",
		"assignment":         viewAssignment(assignment),
		"active_assignments": sr.activeAssignmentViews(assignment.EmployeeID),
	})
}

type startTaskHandlerBody struct {
	TaskTypeID string `json:"task_type_id"`
}

func (sr *ServiceRegistry) StartTaskHandler(req *Request) (*Response, error) {
	if sr.taskMode == config.ModeManagerOnly {
		return forbidden("tasks are assigned by managers in this facility")
	}

	var body startTaskHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.TaskTypeID == "" {
		return badRequest("task_type_id is required")
	}

	assignment, dbErr := sr.repository.StartSelf(req.Identity.UserID, body.TaskTypeID)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusCreated, map[string]interface{}{
		"message":            "Task started",
		"assignment":         viewAssignment(assignment),
		"active_assignments": sr.activeAssignmentViews(assignment.EmployeeID),
	})
}

type switchTaskHandlerBody struct {
	EmployeeID string `json:"employee_id"`
	TaskTypeID string `json:"task_type_id"`
	Reason     string `json:"reason"`
}

func (sr *ServiceRegistry) SwitchTaskHandler(req *Request) (*Response, error) {
	if sr.taskMode == config.ModeManagerOnly && !req.Identity.Manager() {
		return forbidden("tasks are managed by managers in this facility")
	}

	var body switchTaskHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.TaskTypeID == "" {
		return badRequest("task_type_id is required")
	}

	// Workers switch their own task; a manager may switch anyone's.
	employeeID := req.Identity.UserID
	if body.EmployeeID != "" && body.EmployeeID != employeeID {
		if !req.Identity.Manager() {
			return forbidden("only managers may switch another worker's task")
		}
		employeeID = body.EmployeeID
	}

	assignment, dbErr := sr.repository.Switch(employeeID, body.TaskTypeID, body.Reason)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusOK, map[string]interface{}{
		"message":            "Task switched",
		"assignment":         viewAssignment(assignment),
		"active_assignments": sr.activeAssignmentViews(assignment.EmployeeID),
	})
}

type completeTaskHandlerBody struct {
	UnitsCompleted *int   `json:"units_completed"`
	Notes          string `json:"notes"`
}

func (sr *ServiceRegistry) CompleteTaskHandler(req *Request) (*Response, error) {
	if sr.taskMode == config.ModeManagerOnly && !req.Identity.Manager() {
		return forbidden("tasks are managed by managers in this facility")
	}

	assignmentID := pathPart(req.Path, 3)
	if assignmentID == "" {
		return badRequest("assignment id is required")
	}

	var body completeTaskHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}

	// Workers may only complete their own assignments.
	if !req.Identity.Manager() {
		mine, dbErr := sr.repository.ActiveAssignments(req.Identity.UserID)
		if dbErr != nil {
			return errorResponse(dbErr)
		}
		owned := false
		for i := range mine {
			if mine[i].ID == assignmentID {
				owned = true
				break
			}
		}
		if !owned {
			return forbidden("assignment belongs to another worker")
		}
	}

	assignment, dbErr := sr.repository.Complete(assignmentID, body.UnitsCompleted, body.Notes)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusOK, map[string]interface{}{
		"message":            "Task completed",
		"assignment":         viewAssignment(assignment),
		"active_assignments": sr.activeAssignmentViews(assignment.EmployeeID),
	})
}

func (sr *ServiceRegistry) DeactivateTaskTypeHandler(req *Request) (*Response, error) {
	if !req.Identity.Manager() {
		return forbidden("task type management requires a manager session")
	}

	taskTypeID := pathPart(req.Path, 3)
	if taskTypeID == "" {
		return badRequest("task type id is required")
	}

	if dbErr := sr.repository.DeactivateTaskType(taskTypeID); dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusOK, map[string]interface{}{
		"message":      "Task type deactivated",
		"task_type_id": taskTypeID,
	})
}
