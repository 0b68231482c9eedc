package srvreg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/warelabs/floortrack/auth"
	"github.com/warelabs/floortrack/detect"
	"github.com/warelabs/floortrack/repository"
)

// Request represents the client's original HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`

	// Identity is set by the authentication middleware; nil for
	// unauthenticated endpoints like the PIN toggle.
	Identity *auth.Identity `json:"-"`
}

// GenerateRequestID generates a deterministic ID for the request
func (r *Request) GenerateRequestID() {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%s-%s-%s-%s", r.Path, r.Method, r.Body, r.Timestamp)))
	r.RequestID = hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Response represents the computed response from a handler
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      string            `json:"error,omitempty"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          sync.RWMutex
	repository  *repository.Repository
	engine      *detect.Engine
	taskMode    string
	logger      cmtlog.Logger
}

// ConvertHTTPRequest converts an http.Request to Request
func ConvertHTTPRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = strings.TrimSpace(string(bodyBytes))
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path = path + "?" + r.URL.RawQuery
	}

	return &Request{
		Method:     r.Method,
		Path:       path,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}, nil
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(
	repo *repository.Repository,
	engine *detect.Engine,
	taskMode string,
	logger cmtlog.Logger,
) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		repository:  repo,
		engine:      engine,
		taskMode:    taskMode,
		logger:      logger,
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the appropriate handler for a given path and a boolean of whether or not the handler was found
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, true
		}
	}

	// Try pattern matching
	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) {
			continue
		}
		if sr.exactRoutes[routeKey] {
			continue
		}
		if matchPath(routeKey.Path, path) {
			return handler, true
		}
	}

	return nil, false
}

// matchPath does simple pattern matching for routes.
// It supports patterns like "/user/:id" matching "/user/123"
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range patternParts {
		if strings.HasPrefix(patternParts[i], ":") {
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

// RegisterDefaultServices sets up the floor tracking endpoints
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Attendance
	sr.RegisterHandler("POST", "/api/attendance/clock-in", true, sr.ClockInHandler)
	sr.RegisterHandler("POST", "/api/attendance/clock-out", true, sr.ClockOutHandler)
	sr.RegisterHandler("POST", "/api/attendance/break/start", true, sr.StartBreakHandler)
	sr.RegisterHandler("POST", "/api/attendance/break/end", true, sr.EndBreakHandler)
	sr.RegisterHandler("POST", "/api/attendance/pin-toggle", true, sr.PinToggleHandler)
	sr.RegisterHandler("GET", "/api/attendance/:id/history", false, sr.TimeLogHistoryHandler)

	// Time log corrections
	sr.RegisterHandler("POST", "/api/timelogs/:id/update", false, sr.UpdateTimeLogHandler)
	sr.RegisterHandler("POST", "/api/timelogs/:id/delete", false, sr.DeleteTimeLogHandler)

	// Workers
	sr.RegisterHandler("GET", "/api/workers/:id/status", false, sr.WorkerStatusHandler)

	// Tasks
	sr.RegisterHandler("POST", "/api/tasks/assign", true, sr.AssignTaskHandler)
	sr.RegisterHandler("POST", "/api/tasks/start", true, sr.StartTaskHandler)
	sr.RegisterHandler("POST", "/api/tasks/switch", true, sr.SwitchTaskHandler)
	sr.RegisterHandler("POST", "/api/tasks/:id/complete", false, sr.CompleteTaskHandler)
	sr.RegisterHandler("POST", "/api/task-types/:id/deactivate", false, sr.DeactivateTaskTypeHandler)

	// Exceptions
	sr.RegisterHandler("GET", "/api/exceptions", true, sr.ExceptionsHandler)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, routePath(req.Path))
	if !found {
		services.logger.Info("No handler registered", "method", req.Method, "path", req.Path)
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}, nil
	}

	return handler(req)
}

// routePath strips the query string before route matching.
func routePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// pathPart returns the idx-th segment of the request path, without query.
func pathPart(path string, idx int) string {
	parts := strings.Split(routePath(path), "/")
	if idx < 0 || idx >= len(parts) {
		return ""
	}
	return parts[idx]
}

// queryValue extracts a single query parameter from the raw request path.
func queryValue(path, key string) string {
	i := strings.IndexByte(path, '?')
	if i < 0 {
		return ""
	}
	for _, pair := range strings.Split(path[i+1:], "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k == key {
			return v
		}
	}
	return ""
}

func jsonBody(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"success":false,"error":"response encoding failed"}`
	}
	return string(data)
}
