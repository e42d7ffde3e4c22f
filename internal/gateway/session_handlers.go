package gateway

import (
	"net/http"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	var req CreateSessionRequest
	if err := s.decodeJSON(w, r, &req, true); err != nil {
		s.writeFault(w, err)
		return
	}
	origin := req.Origin
	if origin == "" {
		origin = r.RemoteAddr
	}
	timeoutS := -1
	if req.TimeoutS != nil {
		timeoutS = *req.TimeoutS
	}

	sess, err := s.deps.Sessions.Create(req.ClientName, origin, timeoutS, req.Metadata)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.deps.Logger.LogSessionCreated(sess.ID, sess.ClientName, sess.Origin)
	s.deps.OTel.IncrementSessions(r.Context())
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	sess, err := s.deps.Sessions.Lookup(sessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionTouch(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	if err := s.deps.Sessions.Touch(sessionID); err != nil {
		s.writeFault(w, err)
		return
	}
	sess, err := s.deps.Sessions.Lookup(sessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// handleSessionEnd terminates a session on the client's request. Lock
// release, stream retirement, and in-flight cancellation all run through
// the registry's end callbacks, so the order here is lookup, end, respond.
func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	sess, err := s.deps.Sessions.Lookup(sessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.deps.Sessions.End(sessionID); err != nil {
		s.writeFault(w, err)
		return
	}
	lifetimeMs := time.Now().UnixMilli() - sess.CreatedAt
	s.deps.Logger.LogSessionEnded(sessionID, "client_request", lifetimeMs)
	s.writeJSON(w, http.StatusOK, EndSessionResponse{SessionID: sessionID, Ended: true})
}

// handleSessionUsage reports one session's API usage counters. The tracker
// keys on whatever session id a request carried, so this reads the tracker
// directly instead of the registry.
func (s *Server) handleSessionUsage(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	if s.deps.Usage == nil {
		s.writeFault(w, fault.Unavailable("usage tracker not configured"))
		return
	}
	client := s.deps.Usage.ClientFor(sessionID)
	if client == nil {
		s.writeFault(w, fault.NotFound("no usage recorded for session %s", sessionID))
		return
	}
	s.writeJSON(w, http.StatusOK, client)
}
