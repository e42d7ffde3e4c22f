// Package gateway exposes the HTTP request/response surface and the
// WebSocket duplex surface. The gateway is stateless apart from the
// mapping from duplex connection to session; every concurrency guarantee
// lives in the subsystems behind it.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/alarm"
	"github.com/X9X0/LabLink-sub001/internal/clientsession"
	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/equipment"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/health"
	"github.com/X9X0/LabLink-sub001/internal/lock"
	"github.com/X9X0/LabLink-sub001/internal/metrics"
	"github.com/X9X0/LabLink-sub001/internal/otel"
	"github.com/X9X0/LabLink-sub001/internal/schedule"
	"github.com/X9X0/LabLink-sub001/internal/stream"
)

// Deps carries the subsystems the gateway fronts. Fleet, Locks, Sessions,
// and Streams are required; everything else degrades gracefully when nil.
type Deps struct {
	Fleet     *equipment.Manager
	Locks     *lock.Arbiter
	Sessions  *clientsession.Registry
	Streams   *stream.Multiplexer
	Alarms    *alarm.Engine
	Scheduler *schedule.Scheduler
	Health    *health.Collector
	Metrics   *metrics.Collector
	Usage     *metrics.UsageTracker
	Tracer    *otel.Tracer
	OTel      *otel.Metrics
	Ring      *events.Ring
	Logger    *events.EventLogger

	// LocksEnforced applies the lock policy to instrument commands.
	// Disabled, every command passes without a session.
	LocksEnforced bool
	// RequestTimeout bounds one instrument operation end to end.
	RequestTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = events.NoopEventLogger()
	}
	if d.Tracer == nil {
		d.Tracer = otel.NoopTracer()
	}
	if d.OTel == nil {
		d.OTel = otel.NoopMetrics()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = config.DefaultOperationTimeout
	}
	return d
}

type Server struct {
	deps Deps
	hub  *wsHub

	mu       sync.Mutex
	running  bool
	addr     string
	server   *http.Server
	listener net.Listener
}

// NewServer wires the gateway over an already-composed set of subsystems.
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		deps: deps.withDefaults(),
		hub:  newWSHub(),
		addr: addr,
	}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()

	trace := otel.Middleware(s.deps.Tracer)

	mux.HandleFunc("/equipment/", trace(s.usageMiddleware(http.HandlerFunc(s.routeEquipment))).ServeHTTP)
	mux.HandleFunc("/locks/", trace(s.usageMiddleware(http.HandlerFunc(s.routeLocks))).ServeHTTP)
	mux.HandleFunc("/sessions", trace(s.usageMiddleware(http.HandlerFunc(s.handleCreateSession))).ServeHTTP)
	mux.HandleFunc("/sessions/", trace(s.usageMiddleware(http.HandlerFunc(s.routeSessions))).ServeHTTP)
	mux.HandleFunc("/alarms", trace(s.usageMiddleware(http.HandlerFunc(s.handleAlarmsRoot))).ServeHTTP)
	mux.HandleFunc("/alarms/", trace(s.usageMiddleware(http.HandlerFunc(s.routeAlarms))).ServeHTTP)
	mux.HandleFunc("/schedule", trace(s.usageMiddleware(http.HandlerFunc(s.handleScheduleRoot))).ServeHTTP)
	mux.HandleFunc("/schedule/", trace(s.usageMiddleware(http.HandlerFunc(s.routeSchedule))).ServeHTTP)
	mux.HandleFunc("/system/health", trace(http.HandlerFunc(s.handleSystemHealth)).ServeHTTP)
	mux.HandleFunc("/system/usage", trace(http.HandlerFunc(s.handleSystemUsage)).ServeHTTP)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           mux,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // Protect against slowloris attacks
	}
	// The duplex surface outlives any per-request write deadline once the
	// socket is hijacked; these timeouts only govern the JSON endpoints.

	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.deps.Logger.Logger().Error("gateway_serve_failed", "error", err.Error())
		}
	}()

	return nil
}

// Shutdown stops accepting requests and closes every duplex connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	server := s.server
	s.mu.Unlock()

	s.hub.closeAll(metrics.DetachReasonShutdown)

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) routeEquipment(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/equipment/")
	if path == "" || path == "/" {
		s.handleEquipmentList(w, r)
		return
	}

	parts := strings.Split(path, "/")
	switch parts[0] {
	case "discover":
		s.handleEquipmentDiscover(w, r)
		return
	case "connect":
		s.handleEquipmentConnect(w, r)
		return
	case "list":
		s.handleEquipmentList(w, r)
		return
	case "disconnect":
		if len(parts) < 2 || parts[1] == "" {
			s.writeEndpointNotFound(w, r)
			return
		}
		s.handleEquipmentDisconnect(w, r, parts[1])
		return
	}

	equipmentID := parts[0]
	if len(parts) == 1 {
		s.handleEquipmentStatus(w, r, equipmentID)
		return
	}

	switch parts[1] {
	case "status":
		s.handleEquipmentStatus(w, r, equipmentID)
	case "command":
		s.handleEquipmentCommand(w, r, equipmentID)
	case "events":
		s.handleEquipmentEvents(w, r, equipmentID)
	case "state":
		if len(parts) < 3 {
			s.writeEndpointNotFound(w, r)
			return
		}
		switch parts[2] {
		case "save":
			s.handleStateSave(w, r, equipmentID)
		case "recall":
			s.handleStateRecall(w, r, equipmentID)
		case "list":
			s.handleStateList(w, r, equipmentID)
		case "delete":
			s.handleStateDelete(w, r, equipmentID)
		default:
			s.writeEndpointNotFound(w, r)
		}
	default:
		s.writeEndpointNotFound(w, r)
	}
}

func (s *Server) routeLocks(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/locks/")
	if path == "" || path == "/" {
		s.writeEndpointNotFound(w, r)
		return
	}

	parts := strings.Split(path, "/")
	switch parts[0] {
	case "acquire":
		s.handleLockAcquire(w, r)
		return
	case "release":
		s.handleLockRelease(w, r)
		return
	case "touch":
		s.handleLockTouch(w, r)
		return
	}

	equipmentID := parts[0]
	if len(parts) == 1 {
		s.handleLockStatus(w, r, equipmentID)
		return
	}
	switch parts[1] {
	case "queue":
		s.handleLockQueue(w, r, equipmentID)
	case "status":
		s.handleLockStatus(w, r, equipmentID)
	default:
		s.writeEndpointNotFound(w, r)
	}
}

func (s *Server) routeSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if path == "" || path == "/" {
		s.handleCreateSession(w, r)
		return
	}

	parts := strings.Split(path, "/")
	sessionID := parts[0]
	if len(parts) == 1 {
		s.handleSessionGet(w, r, sessionID)
		return
	}
	switch parts[1] {
	case "touch":
		s.handleSessionTouch(w, r, sessionID)
	case "end":
		s.handleSessionEnd(w, r, sessionID)
	case "usage":
		s.handleSessionUsage(w, r, sessionID)
	default:
		s.writeEndpointNotFound(w, r)
	}
}

func (s *Server) routeAlarms(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/alarms/")
	if path == "" || path == "/" {
		s.handleAlarmsRoot(w, r)
		return
	}

	parts := strings.Split(path, "/")
	switch parts[0] {
	case "statistics":
		s.handleAlarmStatistics(w, r)
		return
	case "events":
		if len(parts) == 1 {
			s.handleAlarmEvents(w, r)
			return
		}
		if len(parts) >= 3 && parts[2] == "ack" {
			s.handleAlarmAcknowledge(w, r, parts[1])
			return
		}
		s.writeEndpointNotFound(w, r)
		return
	}

	alarmID := parts[0]
	if len(parts) == 1 {
		s.handleAlarmByID(w, r, alarmID)
		return
	}
	switch parts[1] {
	case "enable":
		s.handleAlarmEnable(w, r, alarmID)
	case "clear":
		s.handleAlarmClear(w, r, alarmID)
	default:
		s.writeEndpointNotFound(w, r)
	}
}

func (s *Server) routeSchedule(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/schedule/")
	if path == "" || path == "/" {
		s.handleScheduleRoot(w, r)
		return
	}

	parts := strings.Split(path, "/")
	if parts[0] == "next" {
		s.handleScheduleNext(w, r)
		return
	}

	jobID := parts[0]
	if len(parts) == 1 {
		s.handleJobByID(w, r, jobID)
		return
	}
	switch parts[1] {
	case "enable":
		s.handleJobEnable(w, r, jobID)
	default:
		s.writeEndpointNotFound(w, r)
	}
}

// usageMiddleware feeds the per-session usage tracker. Only header and
// query sessions are attributed; a session supplied solely in the body is
// not visible here because the handler owns the body.
func (s *Server) usageMiddleware(next http.Handler) http.Handler {
	if s.deps.Usage == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		sessionID := r.Header.Get(sessionHeader)
		if sessionID == "" {
			sessionID = r.URL.Query().Get("session_id")
		}
		if sessionID == "" {
			return
		}
		s.deps.Usage.RecordRequest(sessionID, time.Since(start).Milliseconds(), rec.status < http.StatusBadRequest)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// StartTestServer creates a gateway bound to an ephemeral localhost port
// and returns it with a cleanup function.
func StartTestServer(deps Deps) (*Server, func(), error) {
	server := NewServer("127.0.0.1:0", deps)
	if err := server.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start test server: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return server, cleanup, nil
}
