package gateway

import (
	"net/http"

	"github.com/X9X0/LabLink-sub001/internal/alarm"
	"github.com/X9X0/LabLink-sub001/internal/equipment"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/lock"
	"github.com/X9X0/LabLink-sub001/internal/schedule"
	"github.com/X9X0/LabLink-sub001/internal/store"
)

// sessionHeader carries the session identifier; a body field or query
// parameter of the same spelling is accepted as fallback.
const sessionHeader = "X-Session-ID"

// ErrorBody is the envelope every failing endpoint returns.
type ErrorBody struct {
	Error *fault.Fault `json:"error"`
}

// statusClientClosedRequest is the non-standard nginx code for a request
// cancelled by the client before completion.
const statusClientClosedRequest = 499

// statusForKind maps the fault taxonomy onto HTTP status codes.
func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindBadRequest:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindPermissionDenied:
		return http.StatusForbidden
	case fault.KindBusy:
		return http.StatusTooManyRequests
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindInstrumentUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindParseError:
		return http.StatusBadGateway
	case fault.KindCancelled:
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// DiscoverResponse is the response body for POST /equipment/discover.
type DiscoverResponse struct {
	Resources []string `json:"resources"`
}

// ConnectRequest is the request body for POST /equipment/connect.
type ConnectRequest struct {
	ResourceString string `json:"resource_string"`
	EquipmentType  string `json:"equipment_type"`
	Model          string `json:"model,omitempty"`
}

// ConnectResponse is the response body for POST /equipment/connect.
type ConnectResponse struct {
	equipment.Info
	Status string `json:"status"`
}

// DisconnectResponse is the response body for POST /equipment/disconnect/{id}.
type DisconnectResponse struct {
	EquipmentID string `json:"equipment_id"`
	Status      string `json:"status"`
}

// ListEquipmentResponse is the response body for GET /equipment/list.
type ListEquipmentResponse struct {
	Equipment []equipment.Info `json:"equipment"`
}

// CommandRequest is the request body for POST /equipment/{id}/command.
type CommandRequest struct {
	CommandID  string                 `json:"command_id,omitempty"`
	Action     string                 `json:"action"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
}

// CommandResponse is the response body for POST /equipment/{id}/command.
// Failures keep the same shape with Success false and the fault attached.
type CommandResponse struct {
	CommandID string                 `json:"command_id,omitempty"`
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     *fault.Fault           `json:"error,omitempty"`
}

// EquipmentEventsResponse is the response body for GET /equipment/{id}/events.
type EquipmentEventsResponse struct {
	EquipmentID string         `json:"equipment_id"`
	Events      []events.Event `json:"events"`
}

// StateRequest is the request body for the save/recall/delete state actions.
type StateRequest struct {
	StateID   string `json:"state_id"`
	SessionID string `json:"session_id,omitempty"`
}

// StateListResponse is the response body for GET /equipment/{id}/state/list.
type StateListResponse struct {
	EquipmentID string               `json:"equipment_id"`
	States      []*store.StateRecord `json:"states"`
}

// StateDeleteResponse is the response body for POST /equipment/{id}/state/delete.
type StateDeleteResponse struct {
	EquipmentID string `json:"equipment_id"`
	StateID     string `json:"state_id"`
	Deleted     bool   `json:"deleted"`
}

// LockAcquireRequest is the request body for POST /locks/acquire.
// A nil TimeoutS applies the arbiter default; explicit zero never expires.
type LockAcquireRequest struct {
	EquipmentID string `json:"equipment_id"`
	SessionID   string `json:"session_id,omitempty"`
	Mode        string `json:"mode"`
	TimeoutS    *int   `json:"timeout_s,omitempty"`
	QueueIfBusy bool   `json:"queue_if_busy,omitempty"`
}

// LockAcquireResponse is the response body for POST /locks/acquire.
// Position is present only for the queued outcome.
type LockAcquireResponse struct {
	EquipmentID string `json:"equipment_id"`
	SessionID   string `json:"session_id"`
	Mode        string `json:"mode"`
	Outcome     string `json:"outcome"`
	Position    *int   `json:"position,omitempty"`
}

// LockReleaseRequest is the request body for POST /locks/release.
type LockReleaseRequest struct {
	EquipmentID string `json:"equipment_id"`
	SessionID   string `json:"session_id,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// LockReleaseResponse is the response body for POST /locks/release.
type LockReleaseResponse struct {
	EquipmentID string `json:"equipment_id"`
	SessionID   string `json:"session_id"`
	Released    bool   `json:"released"`
	Forced      bool   `json:"forced,omitempty"`
	Promoted    string `json:"promoted_session,omitempty"`
}

// LockTouchRequest is the request body for POST /locks/touch.
type LockTouchRequest struct {
	EquipmentID string `json:"equipment_id"`
	SessionID   string `json:"session_id,omitempty"`
}

// LockTouchResponse is the response body for POST /locks/touch. Owner
// reports whether the session holds the exclusive lock after the refresh.
type LockTouchResponse struct {
	EquipmentID string `json:"equipment_id"`
	SessionID   string `json:"session_id"`
	Owner       bool   `json:"owner"`
}

// LockQueueResponse is the response body for GET /locks/{id}/queue.
type LockQueueResponse struct {
	EquipmentID string            `json:"equipment_id"`
	Queue       []lock.QueueEntry `json:"queue"`
}

// CreateSessionRequest is the request body for POST /sessions.
// A nil TimeoutS applies the registry default; explicit zero is immortal.
type CreateSessionRequest struct {
	ClientName string                 `json:"client_name,omitempty"`
	Origin     string                 `json:"origin,omitempty"`
	TimeoutS   *int                   `json:"timeout_s,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// EndSessionResponse is the response body for POST /sessions/{id}/end.
type EndSessionResponse struct {
	SessionID string `json:"session_id"`
	Ended     bool   `json:"ended"`
}

// AcknowledgeRequest is the request body for POST /alarms/events/{id}/ack.
type AcknowledgeRequest struct {
	Actor string `json:"actor,omitempty"`
	Note  string `json:"note,omitempty"`
}

// AlarmListResponse is the response body for GET /alarms.
type AlarmListResponse struct {
	Alarms []*alarm.Definition `json:"alarms"`
}

// AlarmEventsResponse is the response body for GET /alarms/events.
type AlarmEventsResponse struct {
	Events []*alarm.Event `json:"events"`
}

// AlarmDeleteResponse is the response body for DELETE /alarms/{id}.
type AlarmDeleteResponse struct {
	AlarmID string `json:"alarm_id"`
	Deleted bool   `json:"deleted"`
}

// AlarmClearResponse is the response body for POST /alarms/{id}/clear.
type AlarmClearResponse struct {
	AlarmID string         `json:"alarm_id"`
	Cleared int            `json:"cleared"`
	Events  []*alarm.Event `json:"events,omitempty"`
}

// EnableRequest toggles an alarm definition or a schedule job.
type EnableRequest struct {
	Enabled bool `json:"enabled"`
}

// JobListResponse is the response body for GET /schedule.
type JobListResponse struct {
	Jobs []*schedule.Job `json:"jobs"`
}

// JobDeleteResponse is the response body for DELETE /schedule/{id}.
type JobDeleteResponse struct {
	JobID   string `json:"job_id"`
	Deleted bool   `json:"deleted"`
}

// NextFireResponse is the response body for GET /schedule/next. Job is
// null when nothing is scheduled.
type NextFireResponse struct {
	Job *schedule.Job `json:"job"`
}

// HealthzResponse is the response body for GET /healthz.
type HealthzResponse struct {
	Status string `json:"status"`
}

// ReadyzResponse is the response body for GET /readyz.
type ReadyzResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}
