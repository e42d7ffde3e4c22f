package gateway

import (
	"net/http"

	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/lock"
)

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req LockAcquireRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.EquipmentID == "" {
		s.writeFault(w, fault.BadRequest("equipment_id is required"))
		return
	}
	sessionID, err := s.resolveSession(r, req.SessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if sessionID == "" {
		s.writeFault(w, fault.BadRequest("session_id is required"))
		return
	}

	mode := lock.ModeExclusive
	if req.Mode != "" {
		mode, err = lock.ParseMode(req.Mode)
		if err != nil {
			s.writeFault(w, err)
			return
		}
	}
	timeoutS := config.DefaultLockTimeoutS
	if req.TimeoutS != nil {
		timeoutS = *req.TimeoutS
	}

	grant, err := s.deps.Locks.Acquire(req.EquipmentID, sessionID, mode, timeoutS, req.QueueIfBusy)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordLockGrant(string(mode), string(grant.Outcome))
	}

	resp := LockAcquireResponse{
		EquipmentID: req.EquipmentID,
		SessionID:   sessionID,
		Mode:        string(mode),
		Outcome:     string(grant.Outcome),
	}
	if grant.Outcome == lock.OutcomeQueued {
		pos := grant.Position
		resp.Position = &pos
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	}
	s.deps.Logger.LogLockAcquired(req.EquipmentID, sessionID, string(mode))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req LockReleaseRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.EquipmentID == "" {
		s.writeFault(w, fault.BadRequest("equipment_id is required"))
		return
	}
	sessionID, err := s.resolveSession(r, req.SessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if sessionID == "" {
		s.writeFault(w, fault.BadRequest("session_id is required"))
		return
	}

	result, err := s.deps.Locks.Release(req.EquipmentID, sessionID, req.Force)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.deps.Logger.LogLockReleased(req.EquipmentID, sessionID, result.Forced)
	s.writeJSON(w, http.StatusOK, LockReleaseResponse{
		EquipmentID: req.EquipmentID,
		SessionID:   sessionID,
		Released:    true,
		Forced:      result.Forced,
		Promoted:    result.Promoted,
	})
}

func (s *Server) handleLockTouch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req LockTouchRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.EquipmentID == "" {
		s.writeFault(w, fault.BadRequest("equipment_id is required"))
		return
	}
	sessionID, err := s.resolveSession(r, req.SessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if sessionID == "" {
		s.writeFault(w, fault.BadRequest("session_id is required"))
		return
	}

	owner := s.deps.Locks.Touch(req.EquipmentID, sessionID)
	s.writeJSON(w, http.StatusOK, LockTouchResponse{
		EquipmentID: req.EquipmentID,
		SessionID:   sessionID,
		Owner:       owner,
	})
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Locks.Status(equipmentID))
}

func (s *Server) handleLockQueue(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	queue := s.deps.Locks.Queue(equipmentID)
	if queue == nil {
		queue = []lock.QueueEntry{}
	}
	s.writeJSON(w, http.StatusOK, LockQueueResponse{EquipmentID: equipmentID, Queue: queue})
}
