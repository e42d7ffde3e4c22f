package alarm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/worker"
)

// TelemetryProvider lists the cached telemetry of every connected
// instrument. Implementations read worker caches only; the evaluation
// path never issues wire I/O.
type TelemetryProvider interface {
	ConnectedTelemetry() ([]worker.Telemetry, error)
}

// TelemetryProviderFunc adapts a function to TelemetryProvider.
type TelemetryProviderFunc func() ([]worker.Telemetry, error)

// ConnectedTelemetry returns the current telemetry snapshots.
func (f TelemetryProviderFunc) ConnectedTelemetry() ([]worker.Telemetry, error) {
	return f()
}

// Notifier is a named notification channel. Notify is called from the
// evaluation path and must not block; failures are logged and never stop
// the engine.
type Notifier interface {
	Name() string
	Notify(event Event, transition State) error
}

// Saver persists alarm definitions. Wired to internal/store at composition.
type Saver interface {
	SaveAlarms(defs []*Definition) error
}

// Options configures an Engine.
type Options struct {
	// Interval between evaluation passes. Defaults to one second.
	Interval time.Duration
	// Telemetry supplies cached instrument readings. Nil disables sampling.
	Telemetry TelemetryProvider
	// Store receives the full definition set after every mutation.
	Store Saver
	// AuxProbe verifies a non-canonical parameter against live auxiliary
	// telemetry at creation time. Nil accepts any well-formed key.
	AuxProbe func(equipmentID, key string) bool
	// OnTransition observes every event transition, independent of the
	// definition's notify list.
	OnTransition func(event Event, transition State)
	// MaxEvents bounds retained events; oldest cleared are pruned first.
	MaxEvents int
	Logger    *events.EventLogger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = config.AlarmSampleInterval
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = config.AlarmEventRingSize
	}
	if o.Logger == nil {
		o.Logger = events.NoopEventLogger()
	}
	return o
}

// EventFilter narrows Events listings. Zero values match everything.
type EventFilter struct {
	AlarmID     string
	EquipmentID string
	State       State
	// Limit keeps only the most recent N matches when positive.
	Limit int
}

// Statistics aggregates the engine's current population.
type Statistics struct {
	Definitions int              `json:"definitions"`
	Enabled     int              `json:"enabled"`
	EventsTotal int              `json:"events_total"`
	ByState     map[State]int    `json:"by_state"`
	BySeverity  map[Severity]int `json:"by_severity"`
}

// stateKey tracks evaluation state per alarm per instrument; an unscoped
// definition holds independent state against each matching instrument.
type stateKey struct {
	alarmID     string
	equipmentID string
}

type evalState struct {
	raiseSince int64
	clearSince int64
	pendingID  string
	activeID   string
}

type notification struct {
	event      Event
	transition State
	channels   []string
}

// Engine owns alarm definitions and events. All mutation goes through it.
type Engine struct {
	opts Options

	mu        sync.RWMutex
	defs      map[string]*Definition
	events    map[string]*Event
	order     []string
	states    map[stateKey]*evalState
	notifiers map[string]Notifier
	counter   atomic.Int64
	closed    atomic.Bool

	lifeMu    sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewEngine constructs an idle engine; call Start to begin evaluation.
func NewEngine(opts Options) *Engine {
	return &Engine{
		opts:      opts.withDefaults(),
		defs:      make(map[string]*Definition),
		events:    make(map[string]*Event),
		states:    make(map[stateKey]*evalState),
		notifiers: make(map[string]Notifier),
	}
}

// RegisterNotifier installs a named notification channel. Definitions
// reference channels by name in their notify list.
func (e *Engine) RegisterNotifier(n Notifier) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := n.Name()
	if name == "" {
		return fault.BadRequest("notifier name is required")
	}
	if _, exists := e.notifiers[name]; exists {
		return fault.Conflict("notifier %q already registered", name)
	}
	e.notifiers[name] = n
	return nil
}

// Create validates and installs a new definition.
func (e *Engine) Create(def Definition) (*Definition, error) {
	if e.closed.Load() {
		return nil, fault.Unavailable("alarm engine is closed")
	}
	if err := def.normalize(); err != nil {
		return nil, err
	}
	if err := e.probeParameter(&def); err != nil {
		return nil, err
	}

	now := nowMs()
	def.ID = "alm_" + uuid.NewString()
	def.CreatedAt = now
	def.UpdatedAt = now

	e.mu.Lock()
	e.defs[def.ID] = &def
	e.mu.Unlock()

	e.persist()
	return def.Copy(), nil
}

// Update replaces the mutable fields of an existing definition. Pending
// events are cancelled since the predicate may have changed; active events
// survive.
func (e *Engine) Update(id string, def Definition) (*Definition, error) {
	if err := def.normalize(); err != nil {
		return nil, err
	}
	if err := e.probeParameter(&def); err != nil {
		return nil, err
	}

	e.mu.Lock()
	existing, ok := e.defs[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("unknown alarm %s", id)
	}
	def.ID = existing.ID
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = nowMs()
	e.defs[id] = &def
	e.cancelPendingLocked(id)
	e.mu.Unlock()

	e.persist()
	return def.Copy(), nil
}

// SetEnabled toggles evaluation for a definition. Disabling cancels
// pending events; active events remain until cleared.
func (e *Engine) SetEnabled(id string, enabled bool) (*Definition, error) {
	e.mu.Lock()
	def, ok := e.defs[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("unknown alarm %s", id)
	}
	def.Enabled = enabled
	def.UpdatedAt = nowMs()
	if !enabled {
		e.cancelPendingLocked(id)
	}
	out := def.Copy()
	e.mu.Unlock()

	e.persist()
	return out, nil
}

// Delete removes a definition together with all of its events.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	if _, ok := e.defs[id]; !ok {
		e.mu.Unlock()
		return fault.NotFound("unknown alarm %s", id)
	}
	delete(e.defs, id)
	kept := e.order[:0]
	for _, evID := range e.order {
		if ev := e.events[evID]; ev != nil && ev.AlarmID == id {
			delete(e.events, evID)
			continue
		}
		kept = append(kept, evID)
	}
	e.order = kept
	for key := range e.states {
		if key.alarmID == id {
			delete(e.states, key)
		}
	}
	e.mu.Unlock()

	e.persist()
	return nil
}

// Get returns a snapshot of one definition.
func (e *Engine) Get(id string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[id]
	if !ok {
		return nil, fault.NotFound("unknown alarm %s", id)
	}
	return def.Copy(), nil
}

// List returns all definitions ordered by creation time.
func (e *Engine) List() []*Definition {
	e.mu.RLock()
	out := make([]*Definition, 0, len(e.defs))
	for _, def := range e.defs {
		out = append(out, def.Copy())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Acknowledge marks an active event as seen by an operator.
func (e *Engine) Acknowledge(eventID, actor, note string) (*Event, error) {
	if actor == "" {
		return nil, fault.BadRequest("acknowledge requires an actor")
	}

	e.mu.Lock()
	ev, ok := e.events[eventID]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("unknown alarm event %s", eventID)
	}
	if !CanTransition(ev.State, StateAcknowledged) {
		state := ev.State
		e.mu.Unlock()
		return nil, fault.Conflict("event %s is %s, not active", eventID, state)
	}
	from := ev.State
	ev.State = StateAcknowledged
	ev.Ack = &AckRecord{Actor: actor, Note: note, At: nowMs()}
	out := ev.Copy()
	channels := e.channelsLocked(ev.AlarmID)
	e.mu.Unlock()

	e.opts.Logger.LogAlarmTransition(out.AlarmID, out.ID, string(from), string(StateAcknowledged), out.LastValue)
	e.dispatch([]notification{{event: *out, transition: StateAcknowledged, channels: channels}})
	return out, nil
}

// Clear force-clears every live event of an alarm, independent of
// auto-clear. Pending events are cancelled silently.
func (e *Engine) Clear(alarmID string) ([]*Event, error) {
	now := nowMs()

	e.mu.Lock()
	if _, ok := e.defs[alarmID]; !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("unknown alarm %s", alarmID)
	}
	channels := e.channelsLocked(alarmID)
	var cleared []*Event
	var fired []notification
	for key, st := range e.states {
		if key.alarmID != alarmID {
			continue
		}
		if st.pendingID != "" {
			e.removeEventLocked(st.pendingID)
		}
		if st.activeID != "" {
			if ev := e.events[st.activeID]; ev != nil {
				from := ev.State
				ev.State = StateCleared
				ev.ClearedAt = now
				cleared = append(cleared, ev.Copy())
				fired = append(fired, notification{event: *ev.Copy(), transition: StateCleared, channels: channels})
				e.opts.Logger.LogAlarmTransition(ev.AlarmID, ev.ID, string(from), string(StateCleared), ev.LastValue)
			}
		}
		delete(e.states, key)
	}
	e.mu.Unlock()

	if len(fired) > 0 {
		e.dispatch(fired)
	}
	return cleared, nil
}

// Events lists retained events in creation order, oldest first.
func (e *Engine) Events(f EventFilter) []*Event {
	e.mu.RLock()
	var out []*Event
	for _, id := range e.order {
		ev := e.events[id]
		if ev == nil {
			continue
		}
		if f.AlarmID != "" && ev.AlarmID != f.AlarmID {
			continue
		}
		if f.EquipmentID != "" && ev.EquipmentID != f.EquipmentID {
			continue
		}
		if f.State != "" && ev.State != f.State {
			continue
		}
		out = append(out, ev.Copy())
	}
	e.mu.RUnlock()

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Statistics aggregates definition and event counts.
func (e *Engine) Statistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := Statistics{
		Definitions: len(e.defs),
		EventsTotal: len(e.order),
		ByState:     make(map[State]int),
		BySeverity:  make(map[Severity]int),
	}
	for _, def := range e.defs {
		if def.Enabled {
			stats.Enabled++
		}
	}
	for _, ev := range e.events {
		stats.ByState[ev.State]++
		stats.BySeverity[ev.Severity]++
	}
	return stats
}

// Restore installs definitions loaded from disk, skipping invalid entries
// with a warning. Returns the number installed.
func (e *Engine) Restore(defs []*Definition) int {
	installed := 0
	e.mu.Lock()
	for _, def := range defs {
		if def == nil || def.ID == "" {
			e.opts.Logger.Logger().Warn("alarm_restore_skipped", "reason", "missing id")
			continue
		}
		copied := def.Copy()
		if err := copied.normalize(); err != nil {
			e.opts.Logger.Logger().Warn("alarm_restore_skipped", "alarm_id", def.ID, "error", err.Error())
			continue
		}
		e.defs[copied.ID] = copied
		installed++
	}
	e.mu.Unlock()
	return installed
}

// Evaluate runs one pass against current telemetry and returns the number
// of transitions dispatched. The clock is a parameter so tests control it.
func (e *Engine) Evaluate(nowMs int64) int {
	if e.closed.Load() || e.opts.Telemetry == nil {
		return 0
	}
	samples, err := e.opts.Telemetry.ConnectedTelemetry()
	if err != nil {
		e.opts.Logger.Logger().Warn("alarm_sample_failed", "error", err.Error())
		return 0
	}

	e.mu.Lock()
	var fired []notification
	for _, def := range e.defs {
		if !def.Enabled {
			continue
		}
		for i := range samples {
			tel := &samples[i]
			if !tel.Connected {
				continue
			}
			if def.EquipmentID != "" && def.EquipmentID != tel.EquipmentID {
				continue
			}
			v, ok := tel.Value(def.Parameter, def.Channel)
			if !ok {
				continue
			}
			if n := e.stepLocked(def, tel.EquipmentID, v, nowMs); n != nil {
				fired = append(fired, *n)
			}
		}
	}
	e.pruneLocked()
	e.mu.Unlock()

	if len(fired) > 0 {
		e.dispatch(fired)
	}
	return len(fired)
}

// stepLocked advances one (alarm, instrument) state machine by one sample.
func (e *Engine) stepLocked(def *Definition, equipmentID string, v float64, now int64) *notification {
	key := stateKey{alarmID: def.ID, equipmentID: equipmentID}
	st := e.states[key]
	if st == nil {
		st = &evalState{}
		e.states[key] = st
	}

	switch {
	case st.activeID != "":
		ev := e.events[st.activeID]
		if ev == nil {
			st.activeID = ""
			return nil
		}
		ev.LastValue = v
		ev.LastSeen = now
		if def.AutoClear && def.clearing(v) {
			if st.clearSince == 0 {
				st.clearSince = now
			}
			if now-st.clearSince >= def.delayMs() {
				from := ev.State
				ev.State = StateCleared
				ev.ClearedAt = now
				st.activeID = ""
				st.clearSince = 0
				e.opts.Logger.LogAlarmTransition(ev.AlarmID, ev.ID, string(from), string(StateCleared), v)
				return &notification{event: *ev.Copy(), transition: StateCleared, channels: e.channelsLocked(def.ID)}
			}
		} else {
			st.clearSince = 0
		}

	case st.pendingID != "":
		ev := e.events[st.pendingID]
		if ev == nil {
			st.pendingID = ""
			return nil
		}
		if !def.raising(v) {
			// Condition fell before the debounce elapsed.
			e.removeEventLocked(st.pendingID)
			st.pendingID = ""
			st.raiseSince = 0
			return nil
		}
		ev.LastValue = v
		ev.LastSeen = now
		if now-st.raiseSince >= def.delayMs() {
			ev.State = StateActive
			ev.TriggeredAt = now
			ev.Value = v
			st.activeID = ev.ID
			st.pendingID = ""
			st.raiseSince = 0
			e.opts.Logger.LogAlarmTransition(ev.AlarmID, ev.ID, string(StatePending), string(StateActive), v)
			return &notification{event: *ev.Copy(), transition: StateActive, channels: e.channelsLocked(def.ID)}
		}

	default:
		if def.raising(v) {
			st.raiseSince = now
			ev := e.newEventLocked(def, equipmentID, v, now)
			st.pendingID = ev.ID
			if def.delayMs() == 0 {
				ev.State = StateActive
				ev.TriggeredAt = now
				st.activeID = ev.ID
				st.pendingID = ""
				st.raiseSince = 0
				e.opts.Logger.LogAlarmTransition(ev.AlarmID, ev.ID, string(StatePending), string(StateActive), v)
				return &notification{event: *ev.Copy(), transition: StateActive, channels: e.channelsLocked(def.ID)}
			}
		}
	}
	return nil
}

func (e *Engine) newEventLocked(def *Definition, equipmentID string, v float64, now int64) *Event {
	ev := &Event{
		ID:          fmt.Sprintf("aev_%x%x", time.Now().UnixNano(), e.counter.Add(1)),
		AlarmID:     def.ID,
		AlarmName:   def.Name,
		EquipmentID: equipmentID,
		Severity:    def.Severity,
		State:       StatePending,
		Value:       v,
		LastValue:   v,
		RaisedAt:    now,
		LastSeen:    now,
	}
	e.events[ev.ID] = ev
	e.order = append(e.order, ev.ID)
	return ev
}

func (e *Engine) removeEventLocked(id string) {
	delete(e.events, id)
	for i, evID := range e.order {
		if evID == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// cancelPendingLocked drops pending events for one alarm without emission.
func (e *Engine) cancelPendingLocked(alarmID string) {
	for key, st := range e.states {
		if key.alarmID != alarmID {
			continue
		}
		if st.pendingID != "" {
			e.removeEventLocked(st.pendingID)
			st.pendingID = ""
		}
		st.raiseSince = 0
		st.clearSince = 0
	}
}

// pruneLocked evicts the oldest cleared events beyond the retention cap.
// Live events are never evicted.
func (e *Engine) pruneLocked() {
	excess := len(e.order) - e.opts.MaxEvents
	if excess <= 0 {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		ev := e.events[id]
		if excess > 0 && ev != nil && ev.State == StateCleared {
			delete(e.events, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

func (e *Engine) channelsLocked(alarmID string) []string {
	def, ok := e.defs[alarmID]
	if !ok || len(def.Notify) == 0 {
		return nil
	}
	return append([]string(nil), def.Notify...)
}

// dispatch fans transitions out to the global hook and the definition's
// channels. Best-effort: failures are logged and evaluation continues.
func (e *Engine) dispatch(batch []notification) {
	e.mu.RLock()
	registered := make(map[string]Notifier, len(e.notifiers))
	for name, n := range e.notifiers {
		registered[name] = n
	}
	e.mu.RUnlock()

	for _, n := range batch {
		if e.opts.OnTransition != nil {
			e.opts.OnTransition(n.event, n.transition)
		}
		for _, name := range n.channels {
			notifier, ok := registered[name]
			if !ok {
				e.opts.Logger.Logger().Warn("alarm_notify_skipped",
					"alarm_id", n.event.AlarmID, "channel", name, "reason", "not registered")
				continue
			}
			if err := notifier.Notify(n.event, n.transition); err != nil {
				e.opts.Logger.Logger().Warn("alarm_notify_failed",
					"alarm_id", n.event.AlarmID, "channel", name, "error", err.Error())
			}
		}
	}
}

func (e *Engine) probeParameter(def *Definition) error {
	if IsCanonicalParameter(def.Parameter) || e.opts.AuxProbe == nil {
		return nil
	}
	if !e.opts.AuxProbe(def.EquipmentID, def.Parameter) {
		return fault.BadRequest("unknown parameter %q", def.Parameter)
	}
	return nil
}

// persist snapshots the definition set to the configured store. Failures
// are logged; the in-memory engine stays authoritative.
func (e *Engine) persist() {
	if e.opts.Store == nil {
		return
	}
	e.mu.RLock()
	defs := make([]*Definition, 0, len(e.defs))
	for _, def := range e.defs {
		defs = append(defs, def.Copy())
	}
	e.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].CreatedAt < defs[j].CreatedAt })
	if err := e.opts.Store.SaveAlarms(defs); err != nil {
		e.opts.Logger.Logger().Warn("alarm_persist_failed", "error", err.Error())
	}
}

// Start launches the periodic evaluation loop.
func (e *Engine) Start() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.stoppedCh = make(chan struct{})
	go e.run()
}

// Stop halts the evaluation loop and waits for it to exit.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if !e.running {
		return
	}
	close(e.stopCh)
	<-e.stoppedCh
	e.running = false
}

// IsRunning reports whether the evaluation loop is active.
func (e *Engine) IsRunning() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.running
}

func (e *Engine) run() {
	defer close(e.stoppedCh)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.Evaluate(now.UnixMilli())
		}
	}
}

// DropEquipment cancels pending evaluation state for a disconnected
// instrument. Active events remain until cleared.
func (e *Engine) DropEquipment(equipmentID string) int {
	dropped := 0
	e.mu.Lock()
	for key, st := range e.states {
		if key.equipmentID != equipmentID {
			continue
		}
		if st.pendingID != "" {
			e.removeEventLocked(st.pendingID)
			st.pendingID = ""
			dropped++
		}
		st.raiseSince = 0
		st.clearSince = 0
	}
	e.mu.Unlock()
	return dropped
}

// Close stops evaluation and rejects new definitions.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.Stop()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
