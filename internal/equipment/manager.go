// Package equipment tracks the connected instrument fleet. The manager
// owns one worker per instrument identity and is the single place the
// gateway, streams, alarms, and scheduler resolve equipment by ID.
package equipment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/device"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/store"
	"github.com/X9X0/LabLink-sub001/internal/transport"
	"github.com/X9X0/LabLink-sub001/internal/worker"
)

// Info identifies one connected instrument.
type Info struct {
	EquipmentID string          `json:"equipment_id"`
	Resource    string          `json:"resource"`
	Type        device.Type     `json:"equipment_type"`
	Identity    device.Identity `json:"identity"`
	ConnectedAt int64           `json:"connected_at_ms"`
}

// Status is a point-in-time view of one instrument.
type Status struct {
	Info
	Connected    bool                `json:"connected"`
	Degraded     bool                `json:"degraded"`
	Capabilities device.Capabilities `json:"capabilities"`
	Telemetry    worker.Telemetry    `json:"telemetry"`
}

type instrument struct {
	info   Info
	caps   device.Capabilities
	worker *worker.Worker
}

// Options configure a Manager.
type Options struct {
	// Registry resolves drivers; nil uses the built-in registry.
	Registry *device.Registry
	// Timeouts apply to every instrument connection.
	Timeouts transport.TimeoutConfig
	// Worker is the base configuration for every spawned worker.
	Worker worker.Options
	// Store persists named state snapshots; nil disables them.
	Store *store.Store
	// StaticResources are pre-configured endpoints reported by Discover.
	StaticResources []string
	Ring            *events.Ring
	Logger          *events.EventLogger

	// OnDrop, if set, runs after a disconnect has closed the worker.
	// Composition wires it to lock, stream, and alarm cleanup.
	OnDrop func(equipmentID string)
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = device.DefaultRegistry
	}
	if o.Timeouts == (transport.TimeoutConfig{}) {
		o.Timeouts = transport.DefaultTimeouts()
	}
	if o.Logger == nil {
		o.Logger = events.NoopEventLogger()
	}
	return o
}

// Manager owns the fleet registry.
type Manager struct {
	mu     sync.RWMutex
	byID   map[string]*instrument
	opts   Options
	closed atomic.Bool
}

// NewManager creates an empty fleet manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		byID: make(map[string]*instrument),
		opts: opts.withDefaults(),
	}
}

// Connect opens the resource, identifies the instrument, and spawns its
// worker. The equipment ID is derived from the canonical resource string,
// so reconnecting the same endpoint yields the same ID. Connecting an
// already-connected instrument fails with conflict.
func (m *Manager) Connect(ctx context.Context, resourceString, equipmentType, model string) (Info, error) {
	if m.closed.Load() {
		return Info{}, fault.Unavailable("equipment manager is closed")
	}
	t, err := device.ParseType(equipmentType)
	if err != nil {
		return Info{}, err
	}
	res, err := transport.ParseResource(resourceString)
	if err != nil {
		return Info{}, err
	}
	id := res.StableID()

	m.mu.RLock()
	_, exists := m.byID[id]
	m.mu.RUnlock()
	if exists {
		return Info{}, fault.Conflict("equipment %s is already connected", id).
			WithDetail("resource", res.String())
	}

	conn, err := transport.Dial(ctx, res, m.opts.Timeouts)
	if err != nil {
		return Info{}, err
	}
	driver, err := m.opts.Registry.DriverFor(t, model, conn)
	if err != nil {
		conn.Close()
		return Info{}, err
	}
	identity, err := driver.Identify(ctx)
	if err != nil {
		conn.Close()
		return Info{}, err
	}

	info := Info{
		EquipmentID: id,
		Resource:    res.String(),
		Type:        t,
		Identity:    identity,
		ConnectedAt: time.Now().UnixMilli(),
	}

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		conn.Close()
		return Info{}, fault.Unavailable("equipment manager is closed")
	}
	if _, exists := m.byID[id]; exists {
		// Lost the race against a concurrent connect of the same resource.
		m.mu.Unlock()
		conn.Close()
		return Info{}, fault.Conflict("equipment %s is already connected", id).
			WithDetail("resource", res.String())
	}
	inst := &instrument{
		info:   info,
		caps:   driver.Capabilities().Copy(),
		worker: worker.New(id, driver, conn, m.opts.Worker),
	}
	m.byID[id] = inst
	m.mu.Unlock()

	m.opts.Logger.LogEquipmentConnected(id, info.Resource, string(t), identity.Model)
	if m.opts.Ring != nil {
		m.opts.Ring.Append(id, events.RingConnected, map[string]interface{}{
			"resource": info.Resource,
			"model":    identity.Model,
		})
	}
	return info, nil
}

// Disconnect closes the instrument's worker and deregisters it. Lock and
// stream teardown runs through the OnDrop hook.
func (m *Manager) Disconnect(equipmentID string) error {
	m.mu.Lock()
	inst, ok := m.byID[equipmentID]
	if !ok {
		m.mu.Unlock()
		return fault.NotFound("equipment %s is not connected", equipmentID)
	}
	delete(m.byID, equipmentID)
	m.mu.Unlock()

	inst.worker.Close()

	m.opts.Logger.LogEquipmentDisconnected(equipmentID, "requested")
	if m.opts.Ring != nil {
		m.opts.Ring.Append(equipmentID, events.RingDisconnected, map[string]interface{}{
			"resource": inst.info.Resource,
		})
	}
	if m.opts.OnDrop != nil {
		m.opts.OnDrop(equipmentID)
	}
	return nil
}

// List returns the connected fleet ordered by connect time, then ID.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.byID))
	for _, inst := range m.byID {
		out = append(out, inst.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt != out[j].ConnectedAt {
			return out[i].ConnectedAt < out[j].ConnectedAt
		}
		return out[i].EquipmentID < out[j].EquipmentID
	})
	return out
}

// Status reports identity, capabilities, health, and cached telemetry.
func (m *Manager) Status(equipmentID string) (Status, error) {
	inst, err := m.lookup(equipmentID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Info:         inst.info,
		Connected:    true,
		Degraded:     inst.worker.Degraded(),
		Capabilities: inst.caps.Copy(),
		Telemetry:    inst.worker.Telemetry(),
	}, nil
}

// Execute runs one operation through the instrument's worker queue.
func (m *Manager) Execute(ctx context.Context, equipmentID string, op device.Operation, sessionID string) (map[string]interface{}, error) {
	inst, err := m.lookup(equipmentID)
	if err != nil {
		return nil, err
	}
	return inst.worker.Execute(ctx, op, sessionID)
}

// CancelSession cancels every queued request the session has across the
// fleet. Returns the number of requests cancelled.
func (m *Manager) CancelSession(sessionID string) int {
	m.mu.RLock()
	workers := make([]*worker.Worker, 0, len(m.byID))
	for _, inst := range m.byID {
		workers = append(workers, inst.worker)
	}
	m.mu.RUnlock()

	n := 0
	for _, w := range workers {
		n += w.CancelSession(sessionID)
	}
	return n
}

// Snapshot resolves the sampling closure for one stream type. The stream
// multiplexer calls this at subscribe time.
func (m *Manager) Snapshot(equipmentID, streamType string) (func(ctx context.Context) (map[string]interface{}, error), error) {
	inst, err := m.lookup(equipmentID)
	if err != nil {
		return nil, err
	}
	return inst.worker.SnapshotFn(streamType, nil)
}

// ConnectedTelemetry returns every instrument's cached telemetry, ordered
// by equipment ID. The alarm engine samples from here.
func (m *Manager) ConnectedTelemetry() ([]worker.Telemetry, error) {
	m.mu.RLock()
	workers := make([]*worker.Worker, 0, len(m.byID))
	for _, inst := range m.byID {
		workers = append(workers, inst.worker)
	}
	m.mu.RUnlock()

	out := make([]worker.Telemetry, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Telemetry())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EquipmentID < out[j].EquipmentID })
	return out, nil
}

// HasAuxKey reports whether the named auxiliary telemetry key has been
// observed on the equipment, or on any instrument when equipmentID is
// empty. Alarm creation probes through here.
func (m *Manager) HasAuxKey(equipmentID, key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if equipmentID != "" {
		inst, ok := m.byID[equipmentID]
		return ok && hasAux(inst.worker.Telemetry(), key)
	}
	for _, inst := range m.byID {
		if hasAux(inst.worker.Telemetry(), key) {
			return true
		}
	}
	return false
}

func hasAux(t worker.Telemetry, key string) bool {
	for k := range t.Aux {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// Discover lists reachable resource strings: every registered mock engine
// plus the statically configured endpoints.
func (m *Manager) Discover() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range transport.MockEngines() {
		r := "mock://" + name
		if _, dup := seen[r]; !dup {
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	for _, r := range m.opts.StaticResources {
		if _, dup := seen[r]; !dup {
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// SaveState captures the instrument's current settings under a name.
// The capture runs through the worker queue like any operation.
func (m *Manager) SaveState(ctx context.Context, equipmentID, stateID, sessionID string) (*store.StateRecord, error) {
	if m.opts.Store == nil {
		return nil, fault.Unavailable("state persistence is not configured")
	}
	inst, err := m.lookup(equipmentID)
	if err != nil {
		return nil, err
	}
	settings, err := inst.worker.Execute(ctx, device.Operation{Name: device.OpSaveState}, sessionID)
	if err != nil {
		return nil, err
	}
	rec := &store.StateRecord{
		EquipmentID: equipmentID,
		StateID:     stateID,
		Model:       inst.info.Identity.Model,
		SavedAt:     time.Now().UnixMilli(),
		Settings:    settings,
	}
	if err := m.opts.Store.SaveEquipmentState(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecallState reapplies a named snapshot to the instrument.
func (m *Manager) RecallState(ctx context.Context, equipmentID, stateID, sessionID string) error {
	if m.opts.Store == nil {
		return fault.Unavailable("state persistence is not configured")
	}
	inst, err := m.lookup(equipmentID)
	if err != nil {
		return err
	}
	rec, err := m.opts.Store.LoadEquipmentState(equipmentID, stateID)
	if err != nil {
		return err
	}
	op := device.Operation{
		Name:   device.OpRecallState,
		Params: map[string]interface{}{"state": rec.Settings},
	}
	_, err = inst.worker.Execute(ctx, op, sessionID)
	return err
}

// ListStates returns the named snapshots saved for the equipment.
func (m *Manager) ListStates(equipmentID string) ([]*store.StateRecord, error) {
	if m.opts.Store == nil {
		return nil, fault.Unavailable("state persistence is not configured")
	}
	return m.opts.Store.ListEquipmentStates(equipmentID)
}

// DeleteState removes a named snapshot.
func (m *Manager) DeleteState(equipmentID, stateID string) error {
	if m.opts.Store == nil {
		return fault.Unavailable("state persistence is not configured")
	}
	return m.opts.Store.DeleteEquipmentState(equipmentID, stateID)
}

// Count returns the number of connected instruments.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Close disconnects every instrument. Subsequent connects fail.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.mu.Lock()
	insts := make([]*instrument, 0, len(m.byID))
	for _, inst := range m.byID {
		insts = append(insts, inst)
	}
	m.byID = make(map[string]*instrument)
	m.mu.Unlock()

	for _, inst := range insts {
		inst.worker.Close()
		m.opts.Logger.LogEquipmentDisconnected(inst.info.EquipmentID, "shutdown")
	}
}

func (m *Manager) lookup(equipmentID string) (*instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byID[equipmentID]
	if !ok {
		return nil, fault.NotFound("equipment %s is not connected", equipmentID)
	}
	return inst, nil
}
