// Package clientsession tracks the client sessions that scope locks and
// stream subscriptions. Sessions expire when idle past their timeout.
package clientsession

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// SystemSessionID is the reserved session the scheduler dispatches under.
// It never expires and cannot be ended.
const SystemSessionID = "ses_system"

// EndReason says why a session ended.
type EndReason string

const (
	EndReasonClient  EndReason = "client"
	EndReasonExpired EndReason = "expired"
)

// EndCallback observes session teardown. Callbacks must not call back
// into the registry.
type EndCallback func(sessionID string, reason EndReason)

// Session is a snapshot of one client session.
type Session struct {
	ID           string                 `json:"session_id"`
	ClientName   string                 `json:"client_name,omitempty"`
	Origin       string                 `json:"origin,omitempty"`
	TimeoutS     int                    `json:"timeout_s"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    int64                  `json:"created_at_ms"`
	LastActivity int64                  `json:"last_activity_ms"`
}

// Copy returns an independent copy of the session.
func (s *Session) Copy() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Options configures a Registry.
type Options struct {
	// DefaultTimeoutS applies when Create is called with a negative
	// timeout. Zero keeps sessions forever.
	DefaultTimeoutS int
	SweepInterval   time.Duration
	Logger          *events.EventLogger
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeoutS <= 0 {
		o.DefaultTimeoutS = config.DefaultSessionTimeoutS
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = config.SessionSweepInterval
	}
	if o.Logger == nil {
		o.Logger = events.NoopEventLogger()
	}
	return o
}

// Registry owns all client session records.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onEnd    []EndCallback
	opts     Options
	closed   atomic.Bool

	sweepMu   sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewRegistry creates a registry with the reserved system session
// pre-installed.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		opts:     opts.withDefaults(),
	}
	now := time.Now().UnixMilli()
	r.sessions[SystemSessionID] = &Session{
		ID:           SystemSessionID,
		ClientName:   "scheduler",
		Origin:       "internal",
		TimeoutS:     0,
		CreatedAt:    now,
		LastActivity: now,
	}
	return r
}

// OnEnd registers a teardown callback. Must be called before sessions
// start ending; intended for composition-time wiring.
func (r *Registry) OnEnd(cb EndCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnd = append(r.onEnd, cb)
}

// Create registers a new session and returns its snapshot. A negative
// timeout applies the default; zero never expires.
func (r *Registry) Create(clientName, origin string, timeoutS int, metadata map[string]interface{}) (*Session, error) {
	if r.closed.Load() {
		return nil, fault.Unavailable("session registry is closed")
	}
	if timeoutS < 0 {
		timeoutS = r.opts.DefaultTimeoutS
	}

	now := time.Now().UnixMilli()
	s := &Session{
		ID:           "ses_" + uuid.NewString(),
		ClientName:   clientName,
		Origin:       origin,
		TimeoutS:     timeoutS,
		CreatedAt:    now,
		LastActivity: now,
	}
	if metadata != nil {
		s.Metadata = make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			s.Metadata[k] = v
		}
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.opts.Logger.LogSessionCreated(s.ID, clientName, origin)
	return s.Copy(), nil
}

// Lookup returns a copy of the session or not_found.
func (r *Registry) Lookup(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fault.NotFound("unknown session %s", sessionID)
	}
	return s.Copy(), nil
}

// Touch refreshes the session's activity timestamp.
func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return fault.NotFound("unknown session %s", sessionID)
	}
	s.LastActivity = time.Now().UnixMilli()
	return nil
}

// End removes the session and fires teardown callbacks. The system
// session cannot be ended.
func (r *Registry) End(sessionID string) error {
	if sessionID == SystemSessionID {
		return fault.BadRequest("the system session cannot be ended")
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fault.NotFound("unknown session %s", sessionID)
	}
	delete(r.sessions, sessionID)
	callbacks := append([]EndCallback(nil), r.onEnd...)
	r.mu.Unlock()

	r.finish(s, EndReasonClient, callbacks)
	return nil
}

// CleanupExpired removes every session idle past its timeout and returns
// their identifiers. Sessions with timeout 0 never expire.
func (r *Registry) CleanupExpired() []string {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.TimeoutS > 0 && s.LastActivity+int64(s.TimeoutS)*1000 < now {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	callbacks := append([]EndCallback(nil), r.onEnd...)
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.ID)
		r.finish(s, EndReasonExpired, callbacks)
	}
	return ids
}

func (r *Registry) finish(s *Session, reason EndReason, callbacks []EndCallback) {
	lifetimeMs := time.Now().UnixMilli() - s.CreatedAt
	r.opts.Logger.LogSessionEnded(s.ID, string(reason), lifetimeMs)
	for _, cb := range callbacks {
		cb(s.ID, reason)
	}
}

// Count returns the number of live sessions, including the system
// session.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Start begins the periodic expiry sweep. Safe to call more than once.
func (r *Registry) Start() {
	r.sweepMu.Lock()
	if r.running {
		r.sweepMu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stoppedCh = make(chan struct{})
	r.sweepMu.Unlock()

	go r.run()
}

// Stop halts the expiry sweep and waits for it to exit. Safe to call
// more than once.
func (r *Registry) Stop() {
	r.sweepMu.Lock()
	if !r.running {
		r.sweepMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	stoppedCh := r.stoppedCh
	r.sweepMu.Unlock()

	<-stoppedCh
}

func (r *Registry) run() {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CleanupExpired()
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the sweeper and drops all sessions without firing
// callbacks. Used at shutdown after dependents are stopped.
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.Stop()
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	return nil
}
