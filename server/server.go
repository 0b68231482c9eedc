package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/warelabs/floortrack/auth"
	"github.com/warelabs/floortrack/realtime"
	service_registry "github.com/warelabs/floortrack/srvreg"
)

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr        string
	server          *http.Server
	logger          cmtlog.Logger
	startTime       time.Time
	serviceRegistry *service_registry.ServiceRegistry
	sessions        *auth.SessionValidator
	broadcaster     *realtime.Broadcaster
}

// NewWebServer creates a new web server
func NewWebServer(
	httpPort string,
	logger cmtlog.Logger,
	serviceRegistry *service_registry.ServiceRegistry,
	sessions *auth.SessionValidator,
	broadcaster *realtime.Broadcaster,
) *WebServer {
	mux := http.NewServeMux()

	server := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:    ":" + httpPort,
			Handler: mux,
		},
		logger:          logger,
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		sessions:        sessions,
		broadcaster:     broadcaster,
	}

	// Register routes
	mux.HandleFunc("/", server.handleRoot)
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.HandleFunc("/api/", server.handleAPI)
	mux.HandleFunc("/events/replay", server.handleEventReplay)

	return server
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<h1>Floor Tracking Node</h1>"))
	w.Write([]byte("<p>Uptime: " + time.Since(ws.startTime).String() + "</p>"))
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(ws.startTime).String(),
	})
}

// pinTogglePath is reachable without a session token; the kiosk
// authenticates with the PIN itself.
const pinTogglePath = "/api/attendance/pin-toggle"

// handleAPI authenticates the request, hands it to the service registry,
// and relays the handler's response verbatim.
func (ws *WebServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	requestID, err := generateRequestID()
	if err != nil {
		JSONError(w, "Internal Server Error", http.StatusInternalServerError)
		ws.logger.Error("Failed to generate request ID", "err", err)
		return
	}

	request, err := service_registry.ConvertHTTPRequest(r, requestID)
	if err != nil {
		JSONError(w, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	if r.URL.Path != pinTogglePath {
		identity, err := ws.sessions.ValidateRequest(r)
		if err != nil {
			JSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		request.Identity = identity
	}

	response, handlerErr := request.GenerateResponse(ws.serviceRegistry)
	if response == nil {
		JSONError(w, "Internal Server Error", http.StatusInternalServerError)
		ws.logger.Error("Handler returned no response", "err", handlerErr)
		return
	}
	if handlerErr != nil {
		ws.logger.Info("Handler rejected request",
			"method", request.Method, "path", request.Path, "err", handlerErr.Error())
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)
	w.Write([]byte(response.Body))
}

// handleEventReplay returns journaled events after the given sequence
// number, for dashboards reconnecting after a gap.
func (ws *WebServer) handleEventReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := ws.sessions.ValidateRequest(r); err != nil {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	since := uint64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			JSONError(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	events, err := ws.broadcaster.ReplaySince(since)
	if err != nil {
		JSONError(w, "Replay failed: "+err.Error(), http.StatusInternalServerError)
		ws.logger.Error("Event replay failed", "since", since, "err", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	if err := encoder.Encode(map[string]interface{}{
		"since":  since,
		"count":  len(events),
		"events": events,
	}); err != nil {
		ws.logger.Error("Failed to encode replay response", "err", err)
	}
}

func generateRequestID() (string, error) {
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
