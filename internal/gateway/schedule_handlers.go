package gateway

import (
	"net/http"

	"github.com/X9X0/LabLink-sub001/internal/schedule"
)

func (s *Server) handleScheduleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, JobListResponse{Jobs: s.deps.Scheduler.List()})
	case http.MethodPost:
		var job schedule.Job
		if err := s.decodeJSON(w, r, &job, false); err != nil {
			s.writeFault(w, err)
			return
		}
		created, err := s.deps.Scheduler.Create(job)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, created)
	default:
		s.writeMethodNotAllowed(w, r.Method, "GET, POST")
	}
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, jobID string) {
	switch r.Method {
	case http.MethodGet:
		job, err := s.deps.Scheduler.Get(jobID)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, job)
	case http.MethodPut:
		var job schedule.Job
		if err := s.decodeJSON(w, r, &job, false); err != nil {
			s.writeFault(w, err)
			return
		}
		updated, err := s.deps.Scheduler.Update(jobID, job)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.deps.Scheduler.Delete(jobID); err != nil {
			s.writeFault(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, JobDeleteResponse{JobID: jobID, Deleted: true})
	default:
		s.writeMethodNotAllowed(w, r.Method, "GET, PUT, DELETE")
	}
}

func (s *Server) handleJobEnable(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req EnableRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeFault(w, err)
		return
	}
	job, err := s.deps.Scheduler.SetEnabled(jobID, req.Enabled)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleScheduleNext reports the job that will fire soonest. The job field
// is null when nothing is scheduled.
func (s *Server) handleScheduleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	job, ok := s.deps.Scheduler.Upcoming()
	if !ok {
		s.writeJSON(w, http.StatusOK, NextFireResponse{})
		return
	}
	s.writeJSON(w, http.StatusOK, NextFireResponse{Job: job})
}
