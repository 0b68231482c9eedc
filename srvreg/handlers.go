package srvreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warelabs/floortrack/repository"
	"github.com/warelabs/floortrack/repository/models"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

type timeLogView struct {
	ID          string     `json:"id"`
	EmployeeID  string     `json:"employee_id"`
	StationID   *string    `json:"station_id,omitempty"`
	Kind        string     `json:"kind"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	EntryMethod string     `json:"entry_method"`
	Note        string     `json:"note,omitempty"`
}

func viewTimeLog(log *models.TimeLog) timeLogView {
	return timeLogView{
		ID:          log.ID,
		EmployeeID:  log.EmployeeID,
		StationID:   log.StationID,
		Kind:        log.Kind,
		StartTime:   log.StartTime,
		EndTime:     log.EndTime,
		EntryMethod: log.EntryMethod,
		Note:        log.Note,
	}
}

// errorResponse maps a repository error to an HTTP response in the standard
// envelope.
func errorResponse(dbErr *repository.RepositoryError) (*Response, error) {
	status := http.StatusInternalServerError
	message := "Internal server error"

	switch dbErr.Code {
	case repository.ErrCodeValidation:
		status = http.StatusBadRequest
		message = dbErr.Message
	case repository.ErrCodeNotFound:
		status = http.StatusNotFound
		message = dbErr.Message
	case repository.ErrCodePermissionDenied:
		status = http.StatusForbidden
		message = dbErr.Message
	case repository.ErrCodeInvalidState,
		repository.ErrCodeAlreadyClockedIn,
		repository.ErrCodeAlreadyAssigned,
		repository.ErrCodeClockInRequired,
		repository.ErrCodeNoStationAvailable,
		repository.ErrCodeIntegrityConflict:
		status = http.StatusConflict
		message = dbErr.Message
	}

	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body: jsonBody(map[string]interface{}{
			"success": false,
			"error":   message,
			"code":    dbErr.Code,
		}),
	}, fmt.Errorf("%s: %s", dbErr.Code, dbErr.Message)
}

func badRequest(message string) (*Response, error) {
	return &Response{
		StatusCode: http.StatusBadRequest,
		Headers:    defaultHeaders,
		Body:       jsonBody(map[string]interface{}{"success": false, "error": message}),
	}, errors.New(message)
}

func forbidden(message string) (*Response, error) {
	return &Response{
		StatusCode: http.StatusForbidden,
		Headers:    defaultHeaders,
		Body:       jsonBody(map[string]interface{}{"success": false, "error": message}),
	}, errors.New(message)
}

func ok(status int, payload map[string]interface{}) (*Response, error) {
	payload["success"] = true
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       jsonBody(payload),
	}, nil
}

func (sr *ServiceRegistry) parseBody(req *Request, v interface{}) bool {
	if err := json.Unmarshal([]byte(req.Body), v); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return false
	}
	return true
}

type clockInHandlerBody struct {
	EmployeeID  string `json:"employee_id"`
	StationID   string `json:"station_id"`
	EntryMethod string `json:"entry_method"`
}

func (sr *ServiceRegistry) ClockInHandler(req *Request) (*Response, error) {
	var body clockInHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.EmployeeID == "" {
		return badRequest("employee_id is required")
	}
	if body.StationID == "" {
		return badRequest("station_id is required")
	}
	if body.EntryMethod == "" {
		body.EntryMethod = models.EntryMethodManual
	}
	// Workers punch for themselves; a manager may punch for anyone.
	if !req.Identity.Manager() && body.EmployeeID != req.Identity.UserID {
		return forbidden("only managers may clock in another worker")
	}

	timeLog, dbErr := sr.repository.ClockIn(body.EmployeeID, body.StationID, body.EntryMethod)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusCreated, map[string]interface{}{
		"message":  "Clocked in",
		"time_log": viewTimeLog(timeLog),
	})
}

type clockOutHandlerBody struct {
	TimeLogID string `json:"time_log_id"`
}

func (sr *ServiceRegistry) ClockOutHandler(req *Request) (*Response, error) {
	var body clockOutHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.TimeLogID == "" {
		return badRequest("time_log_id is required")
	}
	// Workers may only close their own open session.
	if !req.Identity.Manager() {
		status, dbErr := sr.repository.Status(req.Identity.UserID)
		if dbErr != nil {
			return errorResponse(dbErr)
		}
		if status.OpenWork == nil || status.OpenWork.ID != body.TimeLogID {
			return forbidden("time log belongs to another worker")
		}
	}

	timeLog, dbErr := sr.repository.ClockOut(body.TimeLogID)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusOK, map[string]interface{}{
		"message":  "Clocked out",
		"time_log": viewTimeLog(timeLog),
	})
}

type breakHandlerBody struct {
	EmployeeID string `json:"employee_id"`
}

func (sr *ServiceRegistry) StartBreakHandler(req *Request) (*Response, error) {
	var body breakHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.EmployeeID == "" {
		return badRequest("employee_id is required")
	}
	if !req.Identity.Manager() && body.EmployeeID != req.Identity.UserID {
		return forbidden("only managers may start a break for another worker")
	}

	breakLog, dbErr := sr.repository.StartBreak(body.EmployeeID)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusCreated, map[string]interface{}{
		"message":  "Break started",
		"time_log": viewTimeLog(breakLog),
	})
}

func (sr *ServiceRegistry) EndBreakHandler(req *Request) (*Response, error) {
	var body breakHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.EmployeeID == "" {
		return badRequest("employee_id is required")
	}
	if !req.Identity.Manager() && body.EmployeeID != req.Identity.UserID {
		return forbidden("only managers may end a break for another worker")
	}

	breakLog, dbErr := sr.repository.EndBreak(body.EmployeeID)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusOK, map[string]interface{}{
		"message":  "Break ended",
		"time_log": viewTimeLog(breakLog),
	})
}

type pinToggleHandlerBody struct {
	Pin       string `json:"pin"`
	StationID string `json:"station_id"`
}

func (sr *ServiceRegistry) PinToggleHandler(req *Request) (*Response, error) {
	var body pinToggleHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.Pin == "" {
		return badRequest("pin is required")
	}

	result, dbErr := sr.repository.PinToggle(body.Pin, body.StationID)
	if dbErr != nil {
		// The kiosk shows the same message for a malformed and an unknown
		// PIN, so it cannot be used to probe which PINs exist.
		if dbErr.Code == repository.ErrCodeValidation || dbErr.Code == repository.ErrCodeNotFound {
			return &Response{
				StatusCode: http.StatusUnauthorized,
				Headers:    defaultHeaders,
				Body:       jsonBody(map[string]interface{}{"success": false, "error": "PIN not recognized"}),
			}, fmt.Errorf("pin rejected: %s", dbErr.Code)
		}
		return errorResponse(dbErr)
	}

	message := "Clocked out"
	if result.ClockedIn {
		message = "Clocked in"
	}
	return ok(http.StatusOK, map[string]interface{}{
		"message":       message,
		"employee_id":   result.Employee.ID,
		"employee_name": result.Employee.Name,
		"clocked_in":    result.ClockedIn,
		"time_log":      viewTimeLog(result.TimeLog),
	})
}

func (sr *ServiceRegistry) TimeLogHistoryHandler(req *Request) (*Response, error) {
	employeeID := pathPart(req.Path, 3)
	if employeeID == "" {
		return badRequest("employee id is required")
	}

	from, to, err := parseRange(req.Path)
	if err != nil {
		return badRequest(err.Error())
	}

	logs, dbErr := sr.repository.TimeLogHistory(employeeID, from, to)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	views := make([]timeLogView, 0, len(logs))
	for i := range logs {
		views = append(views, viewTimeLog(&logs[i]))
	}
	return ok(http.StatusOK, map[string]interface{}{
		"employee_id": employeeID,
		"from":        from,
		"to":          to,
		"time_logs":   views,
	})
}

// parseRange reads from/to query parameters (RFC 3339), defaulting to the
// last 7 days.
func parseRange(path string) (time.Time, time.Time, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -7)

	if raw := queryValue(path, "from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, fmt.Errorf("invalid from timestamp %q", raw)
		}
		from = parsed
	}
	if raw := queryValue(path, "to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, fmt.Errorf("invalid to timestamp %q", raw)
		}
		to = parsed
	}
	if !to.After(from) {
		return from, to, errors.New("to must be after from")
	}
	return from, to, nil
}

type updateTimeLogHandlerBody struct {
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Kind      string     `json:"kind"`
	StationID *string    `json:"station_id"`
	Note      *string    `json:"note"`
}

func (sr *ServiceRegistry) UpdateTimeLogHandler(req *Request) (*Response, error) {
	if !req.Identity.Manager() {
		return forbidden("time log corrections require a manager session")
	}

	timeLogID := pathPart(req.Path, 3)
	if timeLogID == "" {
		return badRequest("time log id is required")
	}

	var body updateTimeLogHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.StartTime.IsZero() {
		return badRequest("start_time is required")
	}

	timeLog, dbErr := sr.repository.UpdateTimeLog(timeLogID, repository.TimeLogUpdate{
		StartTime: body.StartTime,
		EndTime:   body.EndTime,
		Kind:      body.Kind,
		StationID: body.StationID,
		Note:      body.Note,
	})
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusOK, map[string]interface{}{
		"message":  "Time log updated",
		"time_log": viewTimeLog(timeLog),
	})
}

type deleteTimeLogHandlerBody struct {
	Reason string `json:"reason"`
}

func (sr *ServiceRegistry) DeleteTimeLogHandler(req *Request) (*Response, error) {
	if !req.Identity.Manager() {
		return forbidden("time log corrections require a manager session")
	}

	timeLogID := pathPart(req.Path, 3)
	if timeLogID == "" {
		return badRequest("time log id is required")
	}

	var body deleteTimeLogHandlerBody
	if !sr.parseBody(req, &body) {
		return badRequest("invalid body format")
	}
	if body.Reason == "" {
		return badRequest("reason is required")
	}

	if dbErr := sr.repository.DeleteTimeLog(timeLogID, body.Reason); dbErr != nil {
		return errorResponse(dbErr)
	}

	return ok(http.StatusOK, map[string]interface{}{
		"message":     "Time log deleted",
		"time_log_id": timeLogID,
	})
}

func (sr *ServiceRegistry) WorkerStatusHandler(req *Request) (*Response, error) {
	employeeID := pathPart(req.Path, 3)
	if employeeID == "" {
		return badRequest("employee id is required")
	}

	status, dbErr := sr.repository.Status(employeeID)
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	payload := map[string]interface{}{
		"employee_id":   status.Employee.ID,
		"employee_name": status.Employee.Name,
		"clocked_in":    status.OpenWork != nil,
		"on_break":      status.OpenBreak != nil,
	}
	if status.OpenWork != nil {
		payload["work_log"] = viewTimeLog(status.OpenWork)
	}
	if status.OpenBreak != nil {
		payload["break_log"] = viewTimeLog(status.OpenBreak)
	}
	if status.ActiveAssignment != nil {
		payload["assignment"] = viewAssignment(status.ActiveAssignment)
	}
	return ok(http.StatusOK, payload)
}

func (sr *ServiceRegistry) ExceptionsHandler(req *Request) (*Response, error) {
	snapshot, dbErr := sr.repository.LoadDetectionSnapshot(time.Now())
	if dbErr != nil {
		return errorResponse(dbErr)
	}

	items := sr.engine.Detect(snapshot)
	return ok(http.StatusOK, map[string]interface{}{
		"generated_at": snapshot.Now,
		"count":        len(items),
		"exceptions":   items,
	})
}
