package srvreg

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/warelabs/floortrack/auth"
	"github.com/warelabs/floortrack/config"
	"github.com/warelabs/floortrack/detect"
	"github.com/warelabs/floortrack/repository"
	"github.com/warelabs/floortrack/repository/models"
)

var (
	managerIdentity = &auth.Identity{UserID: "MGR-001", Name: "Supervisor Sam", Role: auth.RoleManager}
	workerIdentity  = &auth.Identity{UserID: "EMP-001", Name: "Rosa Delgado", Role: auth.RoleWorker}
)

func newTestRegistry(t *testing.T, taskMode string) (*ServiceRegistry, *repository.Repository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "floortrack.db")), &gorm.Config{})
	require.NoError(t, err)

	repo := repository.NewRepositoryWithDB(db, cmtlog.NewNopLogger())
	require.NoError(t, repo.Migrate())

	engine := detect.NewEngine(detect.DefaultThresholds(), cmtlog.NewNopLogger())
	registry := NewServiceRegistry(repo, engine, taskMode, cmtlog.NewNopLogger())
	registry.RegisterDefaultServices()
	return registry, repo
}

func seedFloor(t *testing.T, repo *repository.Repository) {
	t.Helper()
	require.NoError(t, repo.DB().Create(&models.Station{ID: "STN-001", Name: "Inbound Dock", IsActive: true}).Error)
	require.NoError(t, repo.DB().Create(&models.Employee{ID: "EMP-001", Name: "Rosa Delgado", IsActive: true}).Error)
	require.NoError(t, repo.DB().Create(&models.TaskType{
		ID: "TSK-001", Name: "Unload Trailer", StationID: "STN-001", IsActive: true, EstMinutesPerUnit: 2.5,
	}).Error)
}

func makeRequest(method, path, body string, identity *auth.Identity) *Request {
	request := &Request{
		Method:    method,
		Path:      path,
		Body:      body,
		Timestamp: time.Now(),
		Identity:  identity,
	}
	request.GenerateRequestID()
	return request
}

func decodeBody(t *testing.T, response *Response) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(response.Body), &payload))
	return payload
}

func TestRouteMatching(t *testing.T) {
	registry, _ := newTestRegistry(t, config.ModeManagerOnly)

	_, found := registry.GetHandlerForPath("POST", "/api/attendance/clock-in")
	require.True(t, found)

	_, found = registry.GetHandlerForPath("POST", "/api/timelogs/abc-123/update")
	require.True(t, found)

	_, found = registry.GetHandlerForPath("GET", "/api/attendance/EMP-001/history")
	require.True(t, found)

	_, found = registry.GetHandlerForPath("POST", "/api/unknown")
	require.False(t, found)
}

func TestUnknownRouteReturns404(t *testing.T) {
	registry, _ := newTestRegistry(t, config.ModeManagerOnly)

	request := makeRequest("GET", "/api/nope", "", workerIdentity)
	response, err := request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestClockInEndpoint(t *testing.T) {
	registry, repo := newTestRegistry(t, config.ModeManagerOnly)
	seedFloor(t, repo)

	request := makeRequest("POST", "/api/attendance/clock-in",
		`{"employee_id":"EMP-001","station_id":"STN-001"}`, workerIdentity)
	response, err := request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, response.StatusCode)

	payload := decodeBody(t, response)
	require.Equal(t, true, payload["success"])
	timeLog := payload["time_log"].(map[string]interface{})
	require.Equal(t, "WORK", timeLog["kind"])

	// second clock-in conflicts
	response, err = request.GenerateResponse(registry)
	require.Error(t, err)
	require.Equal(t, http.StatusConflict, response.StatusCode)
	payload = decodeBody(t, response)
	require.Equal(t, "ALREADY_CLOCKED_IN", payload["code"])
}

func TestClockInRequiresFields(t *testing.T) {
	registry, _ := newTestRegistry(t, config.ModeManagerOnly)

	request := makeRequest("POST", "/api/attendance/clock-in", `{"station_id":"STN-001"}`, workerIdentity)
	response, _ := request.GenerateResponse(registry)
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestWorkerCannotPunchForAnother(t *testing.T) {
	registry, repo := newTestRegistry(t, config.ModeManagerOnly)
	seedFloor(t, repo)
	require.NoError(t, repo.DB().Create(&models.Employee{ID: "EMP-002", Name: "Imran Patel", IsActive: true}).Error)

	otherLog, repoErr := repo.ClockIn("EMP-002", "STN-001", "")
	require.Nil(t, repoErr)

	forbiddenCalls := []struct {
		path string
		body string
	}{
		{"/api/attendance/clock-in", `{"employee_id":"EMP-002","station_id":"STN-001"}`},
		{"/api/attendance/clock-out", `{"time_log_id":"` + otherLog.ID + `"}`},
		{"/api/attendance/break/start", `{"employee_id":"EMP-002"}`},
		{"/api/attendance/break/end", `{"employee_id":"EMP-002"}`},
	}
	for _, call := range forbiddenCalls {
		request := makeRequest("POST", call.path, call.body, workerIdentity)
		response, _ := request.GenerateResponse(registry)
		require.Equal(t, http.StatusForbidden, response.StatusCode, call.path)
	}

	// punching for themselves still works
	request := makeRequest("POST", "/api/attendance/clock-in",
		`{"employee_id":"EMP-001","station_id":"STN-001"}`, workerIdentity)
	response, err := request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, response.StatusCode)

	// a manager may close anyone's session
	request = makeRequest("POST", "/api/attendance/clock-out",
		`{"time_log_id":"`+otherLog.ID+`"}`, managerIdentity)
	response, err = request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
}

func TestTimeLogCorrectionsNeedManager(t *testing.T) {
	registry, repo := newTestRegistry(t, config.ModeManagerOnly)
	seedFloor(t, repo)

	request := makeRequest("POST", "/api/timelogs/some-id/update",
		`{"start_time":"2026-03-04T08:00:00Z","kind":"WORK"}`, workerIdentity)
	response, _ := request.GenerateResponse(registry)
	require.Equal(t, http.StatusForbidden, response.StatusCode)

	request = makeRequest("POST", "/api/timelogs/some-id/delete", `{"reason":"dup"}`, workerIdentity)
	response, _ = request.GenerateResponse(registry)
	require.Equal(t, http.StatusForbidden, response.StatusCode)

	// a manager correcting a real row succeeds
	workLog, repoErr := repo.ClockIn("EMP-001", "STN-001", "")
	require.Nil(t, repoErr)

	request = makeRequest("POST", "/api/timelogs/"+workLog.ID+"/delete", `{"reason":"duplicate punch"}`, managerIdentity)
	response, err := request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
}

func TestSelfAssignModeGating(t *testing.T) {
	t.Run("manager only blocks self-start", func(t *testing.T) {
		registry, repo := newTestRegistry(t, config.ModeManagerOnly)
		seedFloor(t, repo)

		request := makeRequest("POST", "/api/tasks/start", `{"task_type_id":"TSK-001"}`, workerIdentity)
		response, _ := request.GenerateResponse(registry)
		require.Equal(t, http.StatusForbidden, response.StatusCode)
	})

	t.Run("self assign allowed", func(t *testing.T) {
		registry, repo := newTestRegistry(t, config.ModeSelfAssignAllowed)
		seedFloor(t, repo)

		// not clocked in yet
		request := makeRequest("POST", "/api/tasks/start", `{"task_type_id":"TSK-001"}`, workerIdentity)
		response, _ := request.GenerateResponse(registry)
		require.Equal(t, http.StatusConflict, response.StatusCode)

		_, repoErr := repo.ClockIn("EMP-001", "STN-001", "")
		require.Nil(t, repoErr)

		response, err := request.GenerateResponse(registry)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, response.StatusCode)
		payload := decodeBody(t, response)
		assignment := payload["assignment"].(map[string]interface{})
		require.Equal(t, "WORKER", assignment["origin"])
	})

	t.Run("manager only blocks worker switch and complete", func(t *testing.T) {
		registry, repo := newTestRegistry(t, config.ModeManagerOnly)
		seedFloor(t, repo)

		_, repoErr := repo.ClockIn("EMP-001", "STN-001", "")
		require.Nil(t, repoErr)
		assignment, repoErr := repo.Assign("EMP-001", "TSK-001", "MGR-001", "")
		require.Nil(t, repoErr)

		request := makeRequest("POST", "/api/tasks/switch",
			`{"task_type_id":"TSK-001","reason":"restock"}`, workerIdentity)
		response, _ := request.GenerateResponse(registry)
		require.Equal(t, http.StatusForbidden, response.StatusCode)

		request = makeRequest("POST", "/api/tasks/"+assignment.ID+"/complete", `{}`, workerIdentity)
		response, _ = request.GenerateResponse(registry)
		require.Equal(t, http.StatusForbidden, response.StatusCode)

		// the manager still can
		request = makeRequest("POST", "/api/tasks/"+assignment.ID+"/complete", `{"units_completed":4}`, managerIdentity)
		response, err := request.GenerateResponse(registry)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, response.StatusCode)
	})

	t.Run("self assign required blocks manager assignment", func(t *testing.T) {
		registry, repo := newTestRegistry(t, config.ModeSelfAssignRequired)
		seedFloor(t, repo)

		request := makeRequest("POST", "/api/tasks/assign",
			`{"employee_id":"EMP-001","task_type_id":"TSK-001"}`, managerIdentity)
		response, _ := request.GenerateResponse(registry)
		require.Equal(t, http.StatusForbidden, response.StatusCode)
	})
}

func TestAssignEndpointReturnsRefreshedState(t *testing.T) {
	registry, repo := newTestRegistry(t, config.ModeManagerOnly)
	seedFloor(t, repo)

	request := makeRequest("POST", "/api/tasks/assign",
		`{"employee_id":"EMP-001","task_type_id":"TSK-001","notes":"priority"}`, managerIdentity)
	response, err := request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, response.StatusCode)

	payload := decodeBody(t, response)
	active := payload["active_assignments"].([]interface{})
	require.Len(t, active, 1)
	assignment := active[0].(map[string]interface{})
	require.Equal(t, "Unload Trailer", assignment["task_type_name"])
	require.Equal(t, "MGR-001", assignment["assigned_by_id"])
}

func TestWorkerCannotCompleteOthersAssignment(t *testing.T) {
	registry, repo := newTestRegistry(t, config.ModeManagerOnly)
	seedFloor(t, repo)
	require.NoError(t, repo.DB().Create(&models.Employee{ID: "EMP-002", Name: "Imran Patel", IsActive: true}).Error)

	assignment, repoErr := repo.Assign("EMP-002", "TSK-001", "MGR-001", "")
	require.Nil(t, repoErr)

	request := makeRequest("POST", "/api/tasks/"+assignment.ID+"/complete", `{}`, workerIdentity)
	response, _ := request.GenerateResponse(registry)
	require.Equal(t, http.StatusForbidden, response.StatusCode)

	// the manager can
	request = makeRequest("POST", "/api/tasks/"+assignment.ID+"/complete", `{"units_completed":12}`, managerIdentity)
	response, err := request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
}

func TestPinToggleUniformRejection(t *testing.T) {
	registry, repo := newTestRegistry(t, config.ModeManagerOnly)
	seedFloor(t, repo)
	repo.SetPinResolver(auth.NewPinResolver(repo))

	malformed := makeRequest("POST", "/api/attendance/pin-toggle", `{"pin":"12"}`, nil)
	unknown := makeRequest("POST", "/api/attendance/pin-toggle", `{"pin":"999999"}`, nil)

	for _, request := range []*Request{malformed, unknown} {
		response, _ := request.GenerateResponse(registry)
		require.Equal(t, http.StatusUnauthorized, response.StatusCode)
		payload := decodeBody(t, response)
		require.Equal(t, "PIN not recognized", payload["error"])
	}
}

func TestExceptionsEndpoint(t *testing.T) {
	registry, repo := newTestRegistry(t, config.ModeManagerOnly)
	seedFloor(t, repo)

	// an assignment with no open work session is a missing-punch exception
	_, repoErr := repo.Assign("EMP-001", "TSK-001", "MGR-001", "")
	require.Nil(t, repoErr)

	request := makeRequest("GET", "/api/exceptions", "", managerIdentity)
	response, err := request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)

	payload := decodeBody(t, response)
	require.EqualValues(t, 1, payload["count"])
	exceptions := payload["exceptions"].([]interface{})
	item := exceptions[0].(map[string]interface{})
	require.Equal(t, "MISSING_PUNCH", item["type"])
	require.Equal(t, "HIGH", item["severity"])
}

func TestHistoryEndpointParsesRange(t *testing.T) {
	registry, repo := newTestRegistry(t, config.ModeManagerOnly)
	seedFloor(t, repo)

	workLog, repoErr := repo.ClockIn("EMP-001", "STN-001", "")
	require.Nil(t, repoErr)
	_, repoErr = repo.ClockOut(workLog.ID)
	require.Nil(t, repoErr)

	request := makeRequest("GET", "/api/attendance/EMP-001/history", "", managerIdentity)
	response, err := request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	payload := decodeBody(t, response)
	require.Len(t, payload["time_logs"].([]interface{}), 1)

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	request = makeRequest("GET", "/api/attendance/EMP-001/history?from="+from+"&to="+to, "", managerIdentity)
	response, err = request.GenerateResponse(registry)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)

	request = makeRequest("GET", "/api/attendance/EMP-001/history?from=yesterday", "", managerIdentity)
	response, _ = request.GenerateResponse(registry)
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}
