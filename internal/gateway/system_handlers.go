package gateway

import (
	"net/http"
	"strconv"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// handleSystemHealth merges the process snapshot with per-subsystem counters
// so one call answers "is the gateway alive and what is it carrying".
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	if s.deps.Health == nil {
		s.writeFault(w, fault.Unavailable("health collector not configured"))
		return
	}
	snap := s.deps.Health.Snapshot()
	subs := make(map[string]interface{})
	if s.deps.Fleet != nil {
		subs["equipment"] = map[string]interface{}{"connected": s.deps.Fleet.Count()}
	}
	if s.deps.Sessions != nil {
		subs["sessions"] = map[string]interface{}{"active": s.deps.Sessions.Count()}
	}
	if s.deps.Locks != nil {
		exclusive, observers := s.deps.Locks.LockCounts()
		subs["locks"] = map[string]interface{}{
			"exclusive": exclusive,
			"observers": observers,
		}
	}
	if s.deps.Streams != nil {
		subs["streams"] = s.deps.Streams.Stats()
	}
	if s.deps.Alarms != nil {
		subs["alarms"] = s.deps.Alarms.Statistics()
	}
	if s.deps.Scheduler != nil {
		subs["jobs"] = map[string]interface{}{"scheduled": len(s.deps.Scheduler.List())}
	}
	if s.deps.Usage != nil {
		subs["api"] = s.deps.Usage.Summary(false, false)
	}
	snap.Subsystems = subs
	s.writeJSON(w, http.StatusOK, snap)
}

// handleSystemUsage reports aggregate API usage with per-session breakdowns.
// Recent link events are included when ?events=N asks for them.
func (s *Server) handleSystemUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	if s.deps.Usage == nil {
		s.writeFault(w, fault.Unavailable("usage tracker not configured"))
		return
	}
	summary := s.deps.Usage.Summary(true, false)
	if raw := r.URL.Query().Get("events"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeFault(w, fault.BadRequest("events must be a non-negative integer"))
			return
		}
		summary.Events = s.deps.Usage.RecentEvents(n)
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthzResponse{Status: "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := s.IsRunning() && s.deps.Fleet != nil
	status := "ok"
	if !ready {
		status = "starting"
	}
	s.writeJSON(w, http.StatusOK, ReadyzResponse{Status: status, Ready: ready})
}

// handleMetrics exposes the Prometheus text rendition. Gauges sampled from
// live subsystems are refreshed on scrape.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		http.Error(w, "metrics collector not configured", http.StatusServiceUnavailable)
		return
	}
	s.deps.Metrics.SyncFromProviders()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.deps.Metrics.Expose()))
}
