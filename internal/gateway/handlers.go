package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/clientsession"
	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/device"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/lock"
	"github.com/X9X0/LabLink-sub001/internal/otel"
)

// limitedBody caps request body reads so oversized payloads fail instead of
// exhausting memory.
func limitedBody(w http.ResponseWriter, r *http.Request) io.Reader {
	return http.MaxBytesReader(w, r.Body, config.MaxRequestBodyBytes)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFault maps the fault kind to its HTTP status and writes the error
// envelope.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	f := fault.From(err)
	s.writeJSON(w, statusForKind(f.Kind), ErrorBody{Error: f})
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, method, allowed string) {
	w.Header().Set("Allow", allowed)
	f := fault.BadRequest("method %s not allowed", method).WithDetail("allowed", allowed)
	s.writeJSON(w, http.StatusMethodNotAllowed, ErrorBody{Error: f})
}

func (s *Server) writeEndpointNotFound(w http.ResponseWriter, r *http.Request) {
	f := fault.NotFound("endpoint not found").WithDetail("path", r.URL.Path)
	s.writeJSON(w, http.StatusNotFound, ErrorBody{Error: f})
}

// decodeJSON fills dst from the size-capped request body. allowEmpty lets
// action endpoints accept a bare POST with no body.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) error {
	err := json.NewDecoder(limitedBody(w, r)).Decode(dst)
	if err == nil {
		return nil
	}
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	return fault.BadRequest("invalid JSON request body").WithDetail("parse_error", err.Error())
}

// resolveSession extracts the caller's session. The X-Session-ID header wins
// over the body field, which wins over the session_id query parameter. A
// missing session resolves to the empty identifier without error; a supplied
// one must exist in the registry, and resolving counts as session activity.
func (s *Server) resolveSession(r *http.Request, bodySession string) (string, error) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		id = bodySession
	}
	if id == "" {
		id = r.URL.Query().Get("session_id")
	}
	if id == "" {
		return "", nil
	}
	if id != clientsession.SystemSessionID && s.deps.Sessions != nil {
		if _, err := s.deps.Sessions.Lookup(id); err != nil {
			return "", err
		}
		_ = s.deps.Sessions.Touch(id)
	}
	return id, nil
}

// authorize applies the lock policy to one operation. Control commands need
// a session holding the exclusive lock. Read commands from a session need
// observe rights; reads without a session pass through. The synthetic system
// session bypasses the policy entirely, as does a deployment with lock
// enforcement switched off.
func (s *Server) authorize(equipmentID, sessionID, operation string) error {
	if !s.deps.LocksEnforced || s.deps.Locks == nil {
		return nil
	}
	if sessionID == clientsession.SystemSessionID {
		return nil
	}
	if lock.IsControl(operation) {
		if sessionID == "" {
			return fault.PermissionDenied("control operation %q requires a session", operation)
		}
		if !s.deps.Locks.CanControl(equipmentID, sessionID) {
			return s.lockDenied(equipmentID, sessionID, operation)
		}
		return nil
	}
	if sessionID == "" {
		return nil
	}
	if !s.deps.Locks.CanObserve(equipmentID, sessionID) {
		return s.lockDenied(equipmentID, sessionID, operation)
	}
	return nil
}

// lockDenied builds the permission fault with the current holder and queue
// length attached so clients can decide whether to queue.
func (s *Server) lockDenied(equipmentID, sessionID, operation string) *fault.Fault {
	f := fault.PermissionDenied("session %s lacks the lock required for %q on %s",
		sessionID, operation, equipmentID)
	st := s.deps.Locks.Status(equipmentID)
	if st.Exclusive != nil {
		f.WithDetail("holder", st.Exclusive.SessionID)
	}
	f.WithDetail("queue_length", len(st.Queue))
	return f
}

// rejectOperation records and logs a request refused before it reached an
// instrument, then returns the fault unchanged.
func (s *Server) rejectOperation(equipmentID, sessionID, operation string, err error) error {
	kind := string(fault.KindOf(err))
	s.deps.Logger.LogRequestRejected(equipmentID, sessionID, operation, kind)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordRejection(kind)
	}
	return err
}

// DispatchOperation runs one instrument operation through the lock policy
// and the owning worker. The command endpoint and the scheduler share this
// path, so a scheduled job is authorized and instrumented exactly like an
// external request.
func (s *Server) DispatchOperation(ctx context.Context, equipmentID string, op device.Operation, sessionID string) (map[string]interface{}, error) {
	status, err := s.deps.Fleet.Status(equipmentID)
	if err != nil {
		return nil, err
	}
	equipmentType := string(status.Type)

	ctx, span := s.deps.Tracer.StartOperationSpan(ctx, otel.OperationSpanOptions{
		EquipmentID:   equipmentID,
		EquipmentType: equipmentType,
		SessionID:     sessionID,
		Operation:     op.Name,
	})
	defer span.End()

	if err := s.authorize(equipmentID, sessionID, op.Name); err != nil {
		otel.RecordError(span, err, string(fault.KindOf(err)))
		return nil, s.rejectOperation(equipmentID, sessionID, op.Name, err)
	}
	if sessionID != "" && sessionID != clientsession.SystemSessionID && s.deps.Locks != nil {
		s.deps.Locks.Touch(equipmentID, sessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.deps.RequestTimeout)
	defer cancel()

	start := time.Now()
	data, execErr := s.deps.Fleet.Execute(ctx, equipmentID, op, sessionID)
	latencyMs := time.Since(start).Milliseconds()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordOperation(op.Name, equipmentType, latencyMs, execErr == nil)
	}
	s.deps.OTel.RecordOperationLatency(ctx, op.Name, equipmentType, float64(latencyMs), execErr == nil)
	if execErr != nil {
		kind := string(fault.KindOf(execErr))
		s.deps.OTel.RecordError(ctx, kind)
		otel.RecordError(span, execErr, kind)
		return nil, execErr
	}
	return data, nil
}

// --- Equipment ---

func (s *Server) handleEquipmentDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	s.writeJSON(w, http.StatusOK, DiscoverResponse{Resources: s.deps.Fleet.Discover()})
}

func (s *Server) handleEquipmentConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req ConnectRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.ResourceString == "" {
		s.writeFault(w, fault.BadRequest("resource_string is required"))
		return
	}
	if req.EquipmentType == "" {
		s.writeFault(w, fault.BadRequest("equipment_type is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()
	info, err := s.deps.Fleet.Connect(ctx, req.ResourceString, req.EquipmentType, req.Model)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.deps.OTel.SetConnectedEquipment(s.deps.Fleet.Count())
	s.writeJSON(w, http.StatusCreated, ConnectResponse{Info: info, Status: "connected"})
}

func (s *Server) handleEquipmentList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, ListEquipmentResponse{Equipment: s.deps.Fleet.List()})
}

// handleEquipmentDisconnect tears down one instrument. Disconnecting is not
// a device command, but with lock enforcement on it still needs the
// exclusive lock so an observer cannot yank equipment from under the holder.
func (s *Server) handleEquipmentDisconnect(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	sessionID, err := s.resolveSession(r, "")
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if s.deps.LocksEnforced && sessionID != clientsession.SystemSessionID {
		if sessionID == "" {
			s.writeFault(w, s.rejectOperation(equipmentID, sessionID, "disconnect",
				fault.PermissionDenied("disconnect requires a session")))
			return
		}
		if !s.deps.Locks.CanControl(equipmentID, sessionID) {
			s.writeFault(w, s.rejectOperation(equipmentID, sessionID, "disconnect",
				s.lockDenied(equipmentID, sessionID, "disconnect")))
			return
		}
	}
	if err := s.deps.Fleet.Disconnect(equipmentID); err != nil {
		s.writeFault(w, err)
		return
	}
	s.deps.OTel.SetConnectedEquipment(s.deps.Fleet.Count())
	s.writeJSON(w, http.StatusOK, DisconnectResponse{EquipmentID: equipmentID, Status: "disconnected"})
}

func (s *Server) handleEquipmentStatus(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	status, err := s.deps.Fleet.Status(equipmentID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleEquipmentCommand is the core dispatch endpoint. Failures past the
// parse stage keep the command envelope so callers can correlate by
// command_id; the HTTP status still reflects the fault kind.
func (s *Server) handleEquipmentCommand(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req CommandRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, s.rejectOperation(equipmentID, "", "", err))
		return
	}
	if req.Action == "" {
		s.writeFault(w, s.rejectOperation(equipmentID, req.SessionID, "",
			fault.BadRequest("action is required")))
		return
	}
	sessionID, err := s.resolveSession(r, req.SessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	op := device.Operation{Name: req.Action, Params: req.Parameters}
	data, err := s.DispatchOperation(r.Context(), equipmentID, op, sessionID)
	if err != nil {
		f := fault.From(err)
		s.writeJSON(w, statusForKind(f.Kind), CommandResponse{
			CommandID: req.CommandID,
			Success:   false,
			Error:     f,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, CommandResponse{
		CommandID: req.CommandID,
		Success:   true,
		Data:      data,
	})
}

func (s *Server) handleEquipmentEvents(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	if _, err := s.deps.Fleet.Status(equipmentID); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, EquipmentEventsResponse{
		EquipmentID: equipmentID,
		Events:      s.deps.Ring.Events(equipmentID),
	})
}

// --- Instrument state snapshots ---

func (s *Server) handleStateSave(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req StateRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.StateID == "" {
		s.writeFault(w, fault.BadRequest("state_id is required"))
		return
	}
	sessionID, err := s.resolveSession(r, req.SessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.authorize(equipmentID, sessionID, device.OpSaveState); err != nil {
		s.writeFault(w, s.rejectOperation(equipmentID, sessionID, device.OpSaveState, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()
	rec, err := s.deps.Fleet.SaveState(ctx, equipmentID, req.StateID, sessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleStateRecall(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req StateRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.StateID == "" {
		s.writeFault(w, fault.BadRequest("state_id is required"))
		return
	}
	sessionID, err := s.resolveSession(r, req.SessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.authorize(equipmentID, sessionID, device.OpRecallState); err != nil {
		s.writeFault(w, s.rejectOperation(equipmentID, sessionID, device.OpRecallState, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()
	if err := s.deps.Fleet.RecallState(ctx, equipmentID, req.StateID, sessionID); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"equipment_id": equipmentID,
		"state_id":     req.StateID,
		"recalled":     true,
	})
}

func (s *Server) handleStateList(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	states, err := s.deps.Fleet.ListStates(equipmentID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StateListResponse{EquipmentID: equipmentID, States: states})
}

func (s *Server) handleStateDelete(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		s.writeMethodNotAllowed(w, r.Method, "POST, DELETE")
		return
	}
	var req StateRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.StateID == "" {
		s.writeFault(w, fault.BadRequest("state_id is required"))
		return
	}
	if err := s.deps.Fleet.DeleteState(equipmentID, req.StateID); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StateDeleteResponse{
		EquipmentID: equipmentID,
		StateID:     req.StateID,
		Deleted:     true,
	})
}
