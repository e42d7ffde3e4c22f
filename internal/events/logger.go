package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured logging for key events in the gateway.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates a new EventLogger with JSON output to stdout
// at the given minimum level.
func NewEventLogger(level slog.Level) *EventLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	return &EventLogger{logger: slog.New(handler)}
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a
// custom writer. Useful for testing or redirecting output.
func NewEventLoggerWithWriter(w io.Writer, level slog.Level) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &EventLogger{logger: slog.New(handler)}
}

// LogEquipmentConnected logs a successful instrument connection.
// event: "equipment_connected"
// Attributes: equipment_id, resource, driver, model
func (el *EventLogger) LogEquipmentConnected(equipmentID, resource, driver, model string) {
	el.logger.Info("equipment_connected",
		"equipment_id", equipmentID,
		"resource", resource,
		"driver", driver,
		"model", model,
	)
}

// LogEquipmentDisconnected logs an instrument disconnect.
// event: "equipment_disconnected"
// Attributes: equipment_id, reason
func (el *EventLogger) LogEquipmentDisconnected(equipmentID, reason string) {
	el.logger.Info("equipment_disconnected",
		"equipment_id", equipmentID,
		"reason", reason,
	)
}

// LogWorkerDegraded logs a worker entering or leaving the degraded state.
// event: "worker_degraded"
// Attributes: equipment_id, degraded, consecutive_errors
func (el *EventLogger) LogWorkerDegraded(equipmentID string, degraded bool, consecutiveErrors int) {
	el.logger.Warn("worker_degraded",
		"equipment_id", equipmentID,
		"degraded", degraded,
		"consecutive_errors", consecutiveErrors,
	)
}

// LogLockAcquired logs a lock grant.
// event: "lock_acquired"
// Attributes: equipment_id, session_id, mode
func (el *EventLogger) LogLockAcquired(equipmentID, sessionID, mode string) {
	el.logger.Info("lock_acquired",
		"equipment_id", equipmentID,
		"session_id", sessionID,
		"mode", mode,
	)
}

// LogLockReleased logs a lock release.
// event: "lock_released"
// Attributes: equipment_id, session_id, forced
func (el *EventLogger) LogLockReleased(equipmentID, sessionID string, forced bool) {
	el.logger.Info("lock_released",
		"equipment_id", equipmentID,
		"session_id", sessionID,
		"forced", forced,
	)
}

// LogLockExpired logs a reaper-driven lock expiry.
// event: "lock_expired"
// Attributes: equipment_id, session_id, idle_ms
func (el *EventLogger) LogLockExpired(equipmentID, sessionID string, idleMs int64) {
	el.logger.Warn("lock_expired",
		"equipment_id", equipmentID,
		"session_id", sessionID,
		"idle_ms", idleMs,
	)
}

// LogStreamOverflow logs a subscriber queue overflow.
// event: "stream_overflow"
// Attributes: equipment_id, stream_type, session_id, dropped_total
func (el *EventLogger) LogStreamOverflow(equipmentID, streamType, sessionID string, droppedTotal int64) {
	el.logger.Warn("stream_overflow",
		"equipment_id", equipmentID,
		"stream_type", streamType,
		"session_id", sessionID,
		"dropped_total", droppedTotal,
	)
}

// LogAlarmTransition logs an alarm event state change.
// event: "alarm_transition"
// Attributes: alarm_id, event_id, from_state, to_state, value
func (el *EventLogger) LogAlarmTransition(alarmID, eventID, fromState, toState string, value float64) {
	el.logger.Info("alarm_transition",
		"alarm_id", alarmID,
		"event_id", eventID,
		"from_state", fromState,
		"to_state", toState,
		"value", value,
	)
}

// LogSessionCreated logs when a client session is created.
// event: "session_created"
// Attributes: session_id, client_name, origin
func (el *EventLogger) LogSessionCreated(sessionID, clientName, origin string) {
	el.logger.Info("session_created",
		"session_id", sessionID,
		"client_name", clientName,
		"origin", origin,
	)
}

// LogSessionEnded logs when a client session ends.
// event: "session_ended"
// Attributes: session_id, reason, lifetime_ms
func (el *EventLogger) LogSessionEnded(sessionID, reason string, lifetimeMs int64) {
	el.logger.Info("session_ended",
		"session_id", sessionID,
		"reason", reason,
		"lifetime_ms", lifetimeMs,
	)
}

// LogJobFired logs a scheduler dispatch.
// event: "job_fired"
// Attributes: job_id, target, outcome
func (el *EventLogger) LogJobFired(jobID, target, outcome string) {
	el.logger.Info("job_fired",
		"job_id", jobID,
		"target", target,
		"outcome", outcome,
	)
}

// LogRequestRejected logs a request refused before reaching an instrument.
// event: "request_rejected"
// Attributes: equipment_id, session_id, operation, kind
func (el *EventLogger) LogRequestRejected(equipmentID, sessionID, operation, kind string) {
	el.logger.Warn("request_rejected",
		"equipment_id", equipmentID,
		"session_id", sessionID,
		"operation", operation,
		"kind", kind,
	)
}

// Logger exposes the underlying slog.Logger for one-off attributes.
func (el *EventLogger) Logger() *slog.Logger {
	return el.logger
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
	noopOnce     sync.Once
	noopLogger   *EventLogger
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns the shared event logger that discards all events.
// Useful for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
		noopLogger = &EventLogger{logger: slog.New(handler)}
	})
	return noopLogger
}
