// Package lock arbitrates exclusive and observer access to connected
// equipment and classifies operations as control or read.
package lock

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// Mode distinguishes control locks from read-only observer locks.
type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeObserver  Mode = "observer"
)

// ParseMode validates a wire-level mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeExclusive, ModeObserver:
		return Mode(s), nil
	}
	return "", fault.BadRequest("unknown lock mode %q", s)
}

// Outcome reports what an acquire call did.
type Outcome string

const (
	// OutcomeLocked means the exclusive lock was installed for the caller.
	OutcomeLocked Outcome = "locked"
	// OutcomeRefreshed means the caller already held a lock and its
	// activity and timeout were refreshed.
	OutcomeRefreshed Outcome = "refreshed"
	// OutcomeObserver means the caller joined the observer set.
	OutcomeObserver Outcome = "observer"
	// OutcomeQueued means the caller was appended to the wait queue.
	OutcomeQueued Outcome = "queued"
)

// Record is a snapshot of one granted lock.
type Record struct {
	EquipmentID  string `json:"equipment_id"`
	SessionID    string `json:"session_id"`
	Mode         Mode   `json:"mode"`
	AcquiredAt   int64  `json:"acquired_at_ms"`
	LastActivity int64  `json:"last_activity_ms"`
	TimeoutS     int    `json:"timeout_s"`
}

// Copy returns an independent copy of the record.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Grant is the successful result of Acquire. Position is meaningful only
// when Outcome is OutcomeQueued.
type Grant struct {
	Outcome  Outcome
	Position int
}

// ReleaseResult reports what a release did.
type ReleaseResult struct {
	Forced   bool
	Promoted string // session granted the lock from the queue head, if any
}

// QueueEntry describes one waiting exclusive request.
type QueueEntry struct {
	SessionID string `json:"session_id"`
	Position  int    `json:"position"`
	QueuedAt  int64  `json:"queued_at_ms"`
}

// Status is a point-in-time view of one equipment's lock state.
type Status struct {
	EquipmentID string       `json:"equipment_id"`
	Exclusive   *Record      `json:"exclusive,omitempty"`
	Observers   []*Record    `json:"observers,omitempty"`
	Queue       []QueueEntry `json:"queue,omitempty"`
}

// DemotedFunc is invoked after an exclusive acquire clears the observer
// set. It receives the demoted observer sessions and the new holder.
type DemotedFunc func(equipmentID string, observers []string, holder string)

// PromotedFunc is invoked after a queued waiter is granted the exclusive
// lock by a release or expiry.
type PromotedFunc func(equipmentID, sessionID string)

// Options configures an Arbiter.
type Options struct {
	// DefaultTimeoutS is applied to locks granted by queue promotion.
	DefaultTimeoutS int
	Logger          *events.EventLogger
	Ring            *events.Ring
	OnDemoted       DemotedFunc
	OnPromoted      PromotedFunc
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeoutS <= 0 {
		o.DefaultTimeoutS = config.DefaultLockTimeoutS
	}
	if o.Logger == nil {
		o.Logger = events.NoopEventLogger()
	}
	return o
}

type waiter struct {
	sessionID string
	queuedAt  int64
}

// entry is the lock state for one equipment. Invariants: at most one
// exclusive holder; exclusive and observers never coexist; a non-empty
// queue implies an exclusive holder.
type entry struct {
	exclusive *Record
	observers map[string]*Record
	queue     []waiter
}

func (e *entry) empty() bool {
	return e.exclusive == nil && len(e.observers) == 0 && len(e.queue) == 0
}

// Arbiter owns all lock records and waiter queues.
type Arbiter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	opts    Options
	closed  atomic.Bool
}

// NewArbiter creates an arbiter with the given options.
func NewArbiter(opts Options) *Arbiter {
	return &Arbiter{
		entries: make(map[string]*entry),
		opts:    opts.withDefaults(),
	}
}

func (a *Arbiter) entryFor(equipmentID string) *entry {
	e, ok := a.entries[equipmentID]
	if !ok {
		e = &entry{observers: make(map[string]*Record)}
		a.entries[equipmentID] = e
	}
	return e
}

// Acquire grants, refreshes, or queues a lock request.
//
// A session already holding a lock on the equipment is refreshed. An
// exclusive grant clears the observer set; cleared observers are reported
// through OnDemoted. A busy exclusive request either fails with conflict
// carrying the current holder, or queues when queueIfBusy is set.
func (a *Arbiter) Acquire(equipmentID, sessionID string, mode Mode, timeoutS int, queueIfBusy bool) (Grant, error) {
	if a.closed.Load() {
		return Grant{}, fault.Unavailable("lock arbiter is closed")
	}
	if equipmentID == "" {
		return Grant{}, fault.BadRequest("equipment_id is required")
	}
	if sessionID == "" {
		return Grant{}, fault.BadRequest("session_id is required")
	}
	if timeoutS < 0 {
		return Grant{}, fault.BadRequest("timeout_s must not be negative")
	}
	if mode != ModeExclusive && mode != ModeObserver {
		return Grant{}, fault.BadRequest("unknown lock mode %q", mode)
	}

	now := nowMs()

	a.mu.Lock()
	e := a.entryFor(equipmentID)

	if e.exclusive != nil && e.exclusive.SessionID == sessionID {
		e.exclusive.LastActivity = now
		e.exclusive.TimeoutS = timeoutS
		a.mu.Unlock()
		return Grant{Outcome: OutcomeRefreshed}, nil
	}

	if mode == ModeObserver {
		if obs, ok := e.observers[sessionID]; ok {
			obs.LastActivity = now
			obs.TimeoutS = timeoutS
			a.mu.Unlock()
			return Grant{Outcome: OutcomeRefreshed}, nil
		}
		if e.exclusive != nil {
			err := conflictLocked(e)
			a.mu.Unlock()
			return Grant{}, err
		}
		e.observers[sessionID] = &Record{
			EquipmentID:  equipmentID,
			SessionID:    sessionID,
			Mode:         ModeObserver,
			AcquiredAt:   now,
			LastActivity: now,
			TimeoutS:     timeoutS,
		}
		a.mu.Unlock()
		a.opts.Logger.LogLockAcquired(equipmentID, sessionID, string(ModeObserver))
		return Grant{Outcome: OutcomeObserver}, nil
	}

	if e.exclusive == nil {
		var demoted []string
		for sid := range e.observers {
			if sid != sessionID {
				demoted = append(demoted, sid)
			}
		}
		sort.Strings(demoted)
		e.observers = make(map[string]*Record)
		e.exclusive = &Record{
			EquipmentID:  equipmentID,
			SessionID:    sessionID,
			Mode:         ModeExclusive,
			AcquiredAt:   now,
			LastActivity: now,
			TimeoutS:     timeoutS,
		}
		a.mu.Unlock()
		a.opts.Logger.LogLockAcquired(equipmentID, sessionID, string(ModeExclusive))
		if len(demoted) > 0 && a.opts.OnDemoted != nil {
			a.opts.OnDemoted(equipmentID, demoted, sessionID)
		}
		return Grant{Outcome: OutcomeLocked}, nil
	}

	if !queueIfBusy {
		err := conflictLocked(e)
		a.mu.Unlock()
		return Grant{}, err
	}

	for i, w := range e.queue {
		if w.sessionID == sessionID {
			a.mu.Unlock()
			return Grant{Outcome: OutcomeQueued, Position: i}, nil
		}
	}
	if len(e.queue) >= config.MaxLockQueueDepth {
		a.mu.Unlock()
		return Grant{}, fault.Busy("lock queue for equipment %s is full", equipmentID)
	}
	e.queue = append(e.queue, waiter{sessionID: sessionID, queuedAt: now})
	pos := len(e.queue) - 1
	a.mu.Unlock()
	return Grant{Outcome: OutcomeQueued, Position: pos}, nil
}

// conflictLocked builds the conflict fault carrying the current holder.
// Caller must hold a.mu.
func conflictLocked(e *entry) error {
	f := fault.Conflict("equipment is locked by another session")
	if e.exclusive != nil {
		f.WithDetail("holder", e.exclusive.SessionID)
	}
	return f.WithDetail("queue_length", len(e.queue))
}

// Release drops the caller's lock. Only the owner may release unless
// force is set; a forced release also clears any observer set and is
// recorded in the event ring. Freeing the exclusive lock promotes the
// queue head with the default timeout.
func (a *Arbiter) Release(equipmentID, sessionID string, force bool) (ReleaseResult, error) {
	if a.closed.Load() {
		return ReleaseResult{}, fault.Unavailable("lock arbiter is closed")
	}

	a.mu.Lock()
	e, ok := a.entries[equipmentID]
	if !ok || e.empty() {
		a.mu.Unlock()
		return ReleaseResult{}, fault.NotFound("no lock held on equipment %s", equipmentID)
	}

	var res ReleaseResult

	if e.exclusive != nil {
		holder := e.exclusive.SessionID
		if holder != sessionID && !force {
			err := fault.PermissionDenied("lock is held by another session").
				WithDetail("holder", holder).
				WithDetail("queue_length", len(e.queue))
			a.mu.Unlock()
			return ReleaseResult{}, err
		}
		res.Forced = holder != sessionID
		e.exclusive = nil
		res.Promoted = a.promoteLocked(equipmentID, e)
		a.maybeDropLocked(equipmentID, e)
		a.mu.Unlock()

		a.opts.Logger.LogLockReleased(equipmentID, holder, res.Forced)
		if res.Forced && a.opts.Ring != nil {
			a.opts.Ring.Append(equipmentID, events.RingLockForced, map[string]interface{}{
				"holder": holder,
				"by":     sessionID,
			})
		}
		if res.Promoted != "" {
			a.notifyPromoted(equipmentID, res.Promoted)
		}
		return res, nil
	}

	if _, held := e.observers[sessionID]; held {
		delete(e.observers, sessionID)
		a.maybeDropLocked(equipmentID, e)
		a.mu.Unlock()
		a.opts.Logger.LogLockReleased(equipmentID, sessionID, false)
		return res, nil
	}

	if force {
		e.observers = make(map[string]*Record)
		e.queue = nil
		a.maybeDropLocked(equipmentID, e)
		a.mu.Unlock()
		a.opts.Logger.LogLockReleased(equipmentID, sessionID, true)
		res.Forced = true
		return res, nil
	}

	a.mu.Unlock()
	return ReleaseResult{}, fault.PermissionDenied("session %s holds no lock on equipment %s", sessionID, equipmentID)
}

// promoteLocked installs the queue head as the exclusive holder with the
// default timeout. Caller must hold a.mu and have cleared e.exclusive.
func (a *Arbiter) promoteLocked(equipmentID string, e *entry) string {
	if len(e.queue) == 0 {
		return ""
	}
	head := e.queue[0]
	e.queue = e.queue[1:]
	now := nowMs()
	e.exclusive = &Record{
		EquipmentID:  equipmentID,
		SessionID:    head.sessionID,
		Mode:         ModeExclusive,
		AcquiredAt:   now,
		LastActivity: now,
		TimeoutS:     a.opts.DefaultTimeoutS,
	}
	return head.sessionID
}

func (a *Arbiter) notifyPromoted(equipmentID, sessionID string) {
	a.opts.Logger.LogLockAcquired(equipmentID, sessionID, string(ModeExclusive))
	if a.opts.OnPromoted != nil {
		a.opts.OnPromoted(equipmentID, sessionID)
	}
}

// maybeDropLocked removes an empty entry from the map. Caller must hold a.mu.
func (a *Arbiter) maybeDropLocked(equipmentID string, e *entry) {
	if e.empty() {
		delete(a.entries, equipmentID)
	}
}

// Touch refreshes the session's lock activity and reports whether the
// session currently owns the exclusive lock.
func (a *Arbiter) Touch(equipmentID, sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[equipmentID]
	if !ok {
		return false
	}
	now := nowMs()
	if e.exclusive != nil && e.exclusive.SessionID == sessionID {
		e.exclusive.LastActivity = now
		return true
	}
	if obs, held := e.observers[sessionID]; held {
		obs.LastActivity = now
	}
	return false
}

// CanControl reports whether the session owns the exclusive lock.
func (a *Arbiter) CanControl(equipmentID, sessionID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[equipmentID]
	return ok && e.exclusive != nil && e.exclusive.SessionID == sessionID
}

// CanObserve reports whether the session owns the exclusive lock or sits
// in the observer set.
func (a *Arbiter) CanObserve(equipmentID, sessionID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[equipmentID]
	if !ok {
		return false
	}
	if e.exclusive != nil && e.exclusive.SessionID == sessionID {
		return true
	}
	_, held := e.observers[sessionID]
	return held
}

// ReleaseAllFor releases every lock the session holds and removes it from
// every queue. Returns the number of locks released. Used when a client
// session ends.
func (a *Arbiter) ReleaseAllFor(sessionID string) int {
	type promotion struct{ equipmentID, sessionID string }
	var promotions []promotion
	var releasedEquip []string
	released := 0

	a.mu.Lock()
	for equipmentID, e := range a.entries {
		if e.exclusive != nil && e.exclusive.SessionID == sessionID {
			e.exclusive = nil
			released++
			releasedEquip = append(releasedEquip, equipmentID)
			if promoted := a.promoteLocked(equipmentID, e); promoted != "" {
				promotions = append(promotions, promotion{equipmentID, promoted})
			}
		}
		if _, held := e.observers[sessionID]; held {
			delete(e.observers, sessionID)
			released++
			releasedEquip = append(releasedEquip, equipmentID)
		}
		for i, w := range e.queue {
			if w.sessionID == sessionID {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				break
			}
		}
		a.maybeDropLocked(equipmentID, e)
	}
	a.mu.Unlock()

	for _, eq := range releasedEquip {
		a.opts.Logger.LogLockReleased(eq, sessionID, false)
	}
	for _, p := range promotions {
		a.notifyPromoted(p.equipmentID, p.sessionID)
	}
	return released
}

// DropEquipment removes all lock state for one equipment, queue included.
// Nobody is promoted; the equipment is gone. Returns the number of locks
// released. Used on disconnect.
func (a *Arbiter) DropEquipment(equipmentID string) int {
	a.mu.Lock()
	e, ok := a.entries[equipmentID]
	if !ok {
		a.mu.Unlock()
		return 0
	}
	var holders []string
	if e.exclusive != nil {
		holders = append(holders, e.exclusive.SessionID)
	}
	for sid := range e.observers {
		holders = append(holders, sid)
	}
	sort.Strings(holders)
	delete(a.entries, equipmentID)
	a.mu.Unlock()

	for _, sid := range holders {
		a.opts.Logger.LogLockReleased(equipmentID, sid, true)
	}
	return len(holders)
}

// ExpireIdle releases every lock whose idle time exceeds its timeout.
// Locks with timeout 0 never expire. Returns the expired records.
func (a *Arbiter) ExpireIdle(now int64) []*Record {
	type promotion struct{ equipmentID, sessionID string }
	var promotions []promotion
	var expired []*Record

	a.mu.Lock()
	for equipmentID, e := range a.entries {
		if e.exclusive != nil && lockExpired(e.exclusive, now) {
			expired = append(expired, e.exclusive)
			e.exclusive = nil
			if promoted := a.promoteLocked(equipmentID, e); promoted != "" {
				promotions = append(promotions, promotion{equipmentID, promoted})
			}
		}
		for sid, obs := range e.observers {
			if lockExpired(obs, now) {
				expired = append(expired, obs)
				delete(e.observers, sid)
			}
		}
		a.maybeDropLocked(equipmentID, e)
	}
	a.mu.Unlock()

	for _, p := range promotions {
		a.notifyPromoted(p.equipmentID, p.sessionID)
	}
	return expired
}

func lockExpired(r *Record, now int64) bool {
	return r.TimeoutS > 0 && r.LastActivity+int64(r.TimeoutS)*1000 < now
}

// Status returns a snapshot of one equipment's lock state. Never-locked
// equipment reports an unlocked state.
func (a *Arbiter) Status(equipmentID string) Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := Status{EquipmentID: equipmentID}
	e, ok := a.entries[equipmentID]
	if !ok {
		return st
	}
	st.Exclusive = e.exclusive.Copy()
	for _, obs := range e.observers {
		st.Observers = append(st.Observers, obs.Copy())
	}
	sort.Slice(st.Observers, func(i, j int) bool {
		return st.Observers[i].SessionID < st.Observers[j].SessionID
	})
	st.Queue = queueEntriesLocked(e)
	return st
}

// Queue returns the waiting exclusive requests for one equipment in
// position order.
func (a *Arbiter) Queue(equipmentID string) []QueueEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[equipmentID]
	if !ok {
		return nil
	}
	return queueEntriesLocked(e)
}

func queueEntriesLocked(e *entry) []QueueEntry {
	if len(e.queue) == 0 {
		return nil
	}
	entries := make([]QueueEntry, len(e.queue))
	for i, w := range e.queue {
		entries[i] = QueueEntry{SessionID: w.sessionID, Position: i, QueuedAt: w.queuedAt}
	}
	return entries
}

// LockCounts returns the number of exclusive and observer locks held
// across all equipment.
func (a *Arbiter) LockCounts() (exclusive, observers int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.entries {
		if e.exclusive != nil {
			exclusive++
		}
		observers += len(e.observers)
	}
	return exclusive, observers
}

// Close clears all lock state. Subsequent mutating calls fail.
func (a *Arbiter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.mu.Lock()
	a.entries = make(map[string]*entry)
	a.mu.Unlock()
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
