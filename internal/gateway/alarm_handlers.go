package gateway

import (
	"net/http"
	"strconv"

	"github.com/X9X0/LabLink-sub001/internal/alarm"
	"github.com/X9X0/LabLink-sub001/internal/fault"
)

func (s *Server) handleAlarmsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, AlarmListResponse{Alarms: s.deps.Alarms.List()})
	case http.MethodPost:
		var def alarm.Definition
		if err := s.decodeJSON(w, r, &def, false); err != nil {
			s.writeFault(w, err)
			return
		}
		created, err := s.deps.Alarms.Create(def)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, created)
	default:
		s.writeMethodNotAllowed(w, r.Method, "GET, POST")
	}
}

func (s *Server) handleAlarmByID(w http.ResponseWriter, r *http.Request, alarmID string) {
	switch r.Method {
	case http.MethodGet:
		def, err := s.deps.Alarms.Get(alarmID)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, def)
	case http.MethodPut:
		var def alarm.Definition
		if err := s.decodeJSON(w, r, &def, false); err != nil {
			s.writeFault(w, err)
			return
		}
		updated, err := s.deps.Alarms.Update(alarmID, def)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.deps.Alarms.Delete(alarmID); err != nil {
			s.writeFault(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, AlarmDeleteResponse{AlarmID: alarmID, Deleted: true})
	default:
		s.writeMethodNotAllowed(w, r.Method, "GET, PUT, DELETE")
	}
}

func (s *Server) handleAlarmEnable(w http.ResponseWriter, r *http.Request, alarmID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req EnableRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, err)
		return
	}
	def, err := s.deps.Alarms.SetEnabled(alarmID, req.Enabled)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

// handleAlarmClear force-clears every live event of one alarm, regardless of
// whether the underlying condition still holds.
func (s *Server) handleAlarmClear(w http.ResponseWriter, r *http.Request, alarmID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	cleared, err := s.deps.Alarms.Clear(alarmID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AlarmClearResponse{
		AlarmID: alarmID,
		Cleared: len(cleared),
		Events:  cleared,
	})
}

func (s *Server) handleAlarmStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Alarms.Statistics())
}

func (s *Server) handleAlarmEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	q := r.URL.Query()
	filter := alarm.EventFilter{
		AlarmID:     q.Get("alarm_id"),
		EquipmentID: q.Get("equipment_id"),
		State:       alarm.State(q.Get("state")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeFault(w, fault.BadRequest("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	events := s.deps.Alarms.Events(filter)
	if events == nil {
		events = []*alarm.Event{}
	}
	s.writeJSON(w, http.StatusOK, AlarmEventsResponse{Events: events})
}

func (s *Server) handleAlarmAcknowledge(w http.ResponseWriter, r *http.Request, eventID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req AcknowledgeRequest
	if err := s.decodeJSON(w, r, &req, true); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	ev, err := s.deps.Alarms.Acknowledge(eventID, req.Actor, req.Note)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}
