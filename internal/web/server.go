package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"wyzesense-bridge/internal/automation"
	"wyzesense-bridge/internal/control"
	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/store"
)

const maxBodyBytes = 1 << 20

// Engine is the part of the protocol engine the HTTP API drives.
type Engine interface {
	control.Controller
	Events() *engine.Dispatcher
	Sensors() []protocol.Sensor
	Sensor(mac string) (protocol.Sensor, bool)
	State() engine.DongleState
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires the key on /api/ and /ws requests, sent either as the
// X-API-Key header or the api_key query parameter.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the /api/automations endpoints.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server is the HTTP API and event stream.
type Server struct {
	eng            Engine
	store          store.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	metrics        http.Handler
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts forwarding engine events to
// websocket clients.
func NewServer(eng Engine, st store.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		eng:    eng,
		store:  st,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = eng.Events().OnAll(func(event engine.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/sensors", s.handleAPIListSensors)
	s.mux.HandleFunc("POST /api/sensors/refresh", s.handleAPIRefreshSensors)
	s.mux.HandleFunc("GET /api/sensors/{mac}", s.handleAPIGetSensor)
	s.mux.HandleFunc("PATCH /api/sensors/{mac}", s.handleAPIUpdateSensor)
	s.mux.HandleFunc("DELETE /api/sensors/{mac}", s.handleAPIDeleteSensor)

	s.mux.HandleFunc("GET /api/dongle", s.handleAPIDongle)
	s.mux.HandleFunc("POST /api/dongle/led", s.handleAPISetLED)
	s.mux.HandleFunc("POST /api/dongle/scan", s.handleAPIStartScan)
	s.mux.HandleFunc("DELETE /api/dongle/scan", s.handleAPIStopScan)
	s.mux.HandleFunc("POST /api/dongle/radio-update", s.handleAPIRadioUpdate)

	s.mux.HandleFunc("GET /api/templates", s.handleAPIListTemplates)
	s.mux.HandleFunc("GET /api/templates/{name}", s.handleAPIGetTemplate)
	s.mux.HandleFunc("PUT /api/templates/{name}", s.handleAPIPutTemplate)
	s.mux.HandleFunc("DELETE /api/templates/{name}", s.handleAPIDeleteTemplate)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// ServeHTTP applies the origin and API key checks before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" && (strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws") {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a size-limited JSON body into v, answering 400 on
// failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// engineStatus maps an engine command error to an HTTP status.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidMAC):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotRunning), errors.Is(err, engine.ErrNotOpen), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrCommandTimeout), errors.Is(err, engine.ErrInventoryTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError answers a failed engine command.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	status := engineStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
	}
	s.writeError(w, status, err.Error())
}
