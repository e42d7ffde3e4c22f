package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Ring event types.
const (
	RingLockExpired     = "lock_expired"
	RingLockForced      = "lock_force_released"
	RingHealthDegraded  = "health_degraded"
	RingHealthRecovered = "health_recovered"
	RingConnected       = "equipment_connected"
	RingDisconnected    = "equipment_disconnected"
)

// Event is one entry in an equipment event ring.
type Event struct {
	EventID     string                 `json:"event_id"`
	EquipmentID string                 `json:"equipment_id"`
	Type        string                 `json:"type"`
	TimestampMs int64                  `json:"ts_ms"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// DefaultRingCapacity bounds how many events are retained per equipment.
const DefaultRingCapacity = 100

// Ring retains the most recent events per equipment. When a ring is full
// the oldest entry is evicted.
type Ring struct {
	mu       sync.RWMutex
	capacity int
	byEquip  map[string][]Event
	counter  atomic.Int64
}

// NewRing creates a ring set with the given per-equipment capacity.
// Non-positive capacities fall back to DefaultRingCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{
		capacity: capacity,
		byEquip:  make(map[string][]Event),
	}
}

// Append records an event for the equipment and returns the stored entry.
func (r *Ring) Append(equipmentID, eventType string, details map[string]interface{}) Event {
	ev := Event{
		EventID:     r.generateEventID(),
		EquipmentID: equipmentID,
		Type:        eventType,
		TimestampMs: time.Now().UnixMilli(),
		Details:     details,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ring := r.byEquip[equipmentID]
	if len(ring) >= r.capacity {
		copy(ring, ring[1:])
		ring[len(ring)-1] = ev
	} else {
		ring = append(ring, ev)
	}
	r.byEquip[equipmentID] = ring
	return ev
}

// Events returns a copy of the retained events for one equipment,
// oldest first. Unknown equipment yields an empty slice.
func (r *Ring) Events(equipmentID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ring := r.byEquip[equipmentID]
	result := make([]Event, len(ring))
	copy(result, ring)
	return result
}

// Len returns the number of retained events for one equipment.
func (r *Ring) Len(equipmentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEquip[equipmentID])
}

// generateEventID returns a unique event identifier.
// Format: evt_{timestamp}{counter}.
func (r *Ring) generateEventID() string {
	ts := time.Now().UnixMilli()
	counter := r.counter.Add(1)
	return fmt.Sprintf("evt_%x%x", ts, counter)
}
