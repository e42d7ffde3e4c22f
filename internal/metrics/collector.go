// Package metrics provides Prometheus metrics exposition for LabLink.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/alarm"
	"github.com/X9X0/LabLink-sub001/internal/equipment"
	"github.com/X9X0/LabLink-sub001/internal/schedule"
	"github.com/X9X0/LabLink-sub001/internal/stream"
	"github.com/X9X0/LabLink-sub001/internal/worker"
)

// FleetProvider provides access to the connected fleet for metrics collection.
type FleetProvider interface {
	List() []equipment.Info
	ConnectedTelemetry() ([]worker.Telemetry, error)
}

// SessionProvider provides the live session count for metrics collection.
type SessionProvider interface {
	Count() int
}

// LockProvider provides held lock counts for metrics collection.
type LockProvider interface {
	LockCounts() (exclusive, observers int)
}

// StreamProvider provides streaming statistics for metrics collection.
type StreamProvider interface {
	Stats() stream.Stats
}

// AlarmProvider provides alarm statistics for metrics collection.
type AlarmProvider interface {
	Statistics() alarm.Statistics
}

// JobProvider provides scheduled jobs for metrics collection.
type JobProvider interface {
	List() []*schedule.Job
}

// Collector collects and exposes LabLink gateway metrics in Prometheus format.
// Thread-safe for concurrent access.
//
// Lock Strategy: Collector uses a single RWMutex for thread-safety. While this creates some lock
// contention under high load, it's necessary because Go maps are not atomic-safe. Alternative
// approaches (sync.Map, sharded maps) add complexity without clear benefit for our access patterns.
// The RWMutex allows concurrent reads via Expose() while serializing writes from hot-path methods
// like RecordOperation(). This is a reasonable trade-off between simplicity and performance.
type Collector struct {
	mu sync.RWMutex

	// Providers for data access
	fleetProvider   FleetProvider
	sessionProvider SessionProvider
	lockProvider    LockProvider
	streamProvider  StreamProvider
	alarmProvider   AlarmProvider
	jobProvider     JobProvider

	// Hot-path counters
	operationCounts    map[opKey]int64          // (operation, equipment_type) -> count
	operationDurations map[opKey]*histogramData // (operation, equipment_type) -> histogram
	operationErrors    map[opKey]int64          // (operation, equipment_type) -> count
	rejectionCounts    map[string]int64         // fault kind -> count
	lockGrants         map[grantKey]int64       // (mode, outcome) -> count
	alarmTransitions   map[string]int64         // to_state -> count
	jobOutcomes        map[string]int64         // outcome -> count

	// Gauges cached by SyncFromProviders
	equipmentByType map[string]int     // equipment_type -> connected count
	healthScores    map[string]float64 // equipment_id -> score
	sessionCount    int
	locksExclusive  int
	locksObserver   int
	streamStats     stream.Stats
	alarmsDefined   int
	alarmsEnabled   int
	jobsScheduled   int

	// Time function for testing
	nowFunc func() time.Time
}

// opKey is a composite key for operation metrics.
type opKey struct {
	operation     string
	equipmentType string
}

// grantKey is a composite key for lock grant metrics.
type grantKey struct {
	mode    string
	outcome string
}

// histogramData holds histogram data for Prometheus exposition.
type histogramData struct {
	sum   float64
	count int64
}

// NewCollector creates a new metrics Collector.
func NewCollector() *Collector {
	return &Collector{
		operationCounts:    make(map[opKey]int64),
		operationDurations: make(map[opKey]*histogramData),
		operationErrors:    make(map[opKey]int64),
		rejectionCounts:    make(map[string]int64),
		lockGrants:         make(map[grantKey]int64),
		alarmTransitions:   make(map[string]int64),
		jobOutcomes:        make(map[string]int64),
		equipmentByType:    make(map[string]int),
		healthScores:       make(map[string]float64),
		nowFunc:            time.Now,
	}
}

// SetFleetProvider sets the fleet provider for metrics collection.
func (c *Collector) SetFleetProvider(p FleetProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fleetProvider = p
}

// SetSessionProvider sets the session provider for metrics collection.
func (c *Collector) SetSessionProvider(p SessionProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionProvider = p
}

// SetLockProvider sets the lock provider for metrics collection.
func (c *Collector) SetLockProvider(p LockProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockProvider = p
}

// SetStreamProvider sets the stream provider for metrics collection.
func (c *Collector) SetStreamProvider(p StreamProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamProvider = p
}

// SetAlarmProvider sets the alarm provider for metrics collection.
func (c *Collector) SetAlarmProvider(p AlarmProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarmProvider = p
}

// SetJobProvider sets the job provider for metrics collection.
func (c *Collector) SetJobProvider(p JobProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobProvider = p
}

// RecordOperation records an instrument operation execution.
func (c *Collector) RecordOperation(operation, equipmentType string, durationMs int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := opKey{operation: operation, equipmentType: equipmentType}
	c.operationCounts[key]++

	if c.operationDurations[key] == nil {
		c.operationDurations[key] = &histogramData{}
	}
	c.operationDurations[key].sum += float64(durationMs) / 1000.0
	c.operationDurations[key].count++

	if !ok {
		c.operationErrors[key]++
	}
}

// RecordRejection records an API request rejected with the given fault kind.
func (c *Collector) RecordRejection(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectionCounts[kind]++
}

// RecordLockGrant records the outcome of a lock acquisition.
func (c *Collector) RecordLockGrant(mode, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockGrants[grantKey{mode: mode, outcome: outcome}]++
}

// RecordAlarmTransition records an alarm state transition.
func (c *Collector) RecordAlarmTransition(toState string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarmTransitions[toState]++
}

// RecordJobFired records a scheduled job dispatch outcome.
func (c *Collector) RecordJobFired(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobOutcomes[outcome]++
}

// SyncFromProviders synchronizes gauge metrics from configured providers.
// This should be called periodically or on-demand before metrics exposition.
func (c *Collector) SyncFromProviders() {
	c.mu.Lock()
	fleetProvider := c.fleetProvider
	sessionProvider := c.sessionProvider
	lockProvider := c.lockProvider
	streamProvider := c.streamProvider
	alarmProvider := c.alarmProvider
	jobProvider := c.jobProvider
	c.mu.Unlock()

	if fleetProvider != nil {
		c.syncFleet(fleetProvider)
	}

	if sessionProvider != nil {
		count := sessionProvider.Count()
		c.mu.Lock()
		c.sessionCount = count
		c.mu.Unlock()
	}

	if lockProvider != nil {
		exclusive, observers := lockProvider.LockCounts()
		c.mu.Lock()
		c.locksExclusive = exclusive
		c.locksObserver = observers
		c.mu.Unlock()
	}

	if streamProvider != nil {
		stats := streamProvider.Stats()
		c.mu.Lock()
		c.streamStats = stats
		c.mu.Unlock()
	}

	if alarmProvider != nil {
		stats := alarmProvider.Statistics()
		c.mu.Lock()
		c.alarmsDefined = stats.Definitions
		c.alarmsEnabled = stats.Enabled
		c.mu.Unlock()
	}

	if jobProvider != nil {
		jobs := jobProvider.List()
		scheduled := 0
		for _, job := range jobs {
			if job.Enabled {
				scheduled++
			}
		}
		c.mu.Lock()
		c.jobsScheduled = scheduled
		c.mu.Unlock()
	}
}

func (c *Collector) syncFleet(p FleetProvider) {
	infos := p.List()
	byType := make(map[string]int)
	for _, info := range infos {
		byType[string(info.Type)]++
	}

	scores := make(map[string]float64)
	if telemetry, err := p.ConnectedTelemetry(); err == nil {
		for _, t := range telemetry {
			scores[t.EquipmentID] = t.HealthScore
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.equipmentByType = byType
	c.healthScores = scores
}

// Expose returns the metrics in Prometheus text exposition format.
func (c *Collector) Expose() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	timestamp := c.nowFunc().UnixMilli()

	// lablink_equipment_connected
	c.writeEquipmentConnected(&sb, timestamp)

	// lablink_equipment_health_score
	c.writeHealthScores(&sb, timestamp)

	// lablink_sessions_active
	c.writeSessionsActive(&sb, timestamp)

	// lablink_locks_held
	c.writeLocksHeld(&sb, timestamp)

	// lablink_stream_*
	c.writeStreamGauges(&sb, timestamp)

	// lablink_alarms_*
	c.writeAlarmGauges(&sb, timestamp)

	// lablink_jobs_scheduled
	c.writeJobsScheduled(&sb, timestamp)

	// lablink_operations_total
	c.writeOperationsTotal(&sb, timestamp)

	// lablink_operation_duration_seconds
	c.writeOperationDuration(&sb, timestamp)

	// lablink_operation_errors_total
	c.writeOperationErrors(&sb, timestamp)

	// lablink_request_rejections_total
	c.writeRejections(&sb, timestamp)

	// lablink_lock_grants_total
	c.writeLockGrants(&sb, timestamp)

	// lablink_alarm_transitions_total
	c.writeAlarmTransitions(&sb, timestamp)

	// lablink_jobs_fired_total
	c.writeJobsFired(&sb, timestamp)

	return sb.String()
}

func (c *Collector) writeEquipmentConnected(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_equipment_connected Connected instruments by type\n")
	sb.WriteString("# TYPE lablink_equipment_connected gauge\n")

	// Sort keys for deterministic output
	keys := make([]string, 0, len(c.equipmentByType))
	for k := range c.equipmentByType {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, equipmentType := range keys {
		count := c.equipmentByType[equipmentType]
		fmt.Fprintf(sb, "lablink_equipment_connected{equipment_type=%q} %d %d\n", equipmentType, count, timestamp)
	}
}

func (c *Collector) writeHealthScores(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_equipment_health_score Instrument health score (1.0 = healthy)\n")
	sb.WriteString("# TYPE lablink_equipment_health_score gauge\n")

	keys := make([]string, 0, len(c.healthScores))
	for k := range c.healthScores {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, equipmentID := range keys {
		score := c.healthScores[equipmentID]
		fmt.Fprintf(sb, "lablink_equipment_health_score{equipment_id=%q} %.2f %d\n", equipmentID, score, timestamp)
	}
}

func (c *Collector) writeSessionsActive(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_sessions_active Number of live client sessions\n")
	sb.WriteString("# TYPE lablink_sessions_active gauge\n")
	fmt.Fprintf(sb, "lablink_sessions_active %d %d\n", c.sessionCount, timestamp)
}

func (c *Collector) writeLocksHeld(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_locks_held Currently held equipment locks by mode\n")
	sb.WriteString("# TYPE lablink_locks_held gauge\n")
	fmt.Fprintf(sb, "lablink_locks_held{mode=%q} %d %d\n", "exclusive", c.locksExclusive, timestamp)
	fmt.Fprintf(sb, "lablink_locks_held{mode=%q} %d %d\n", "observer", c.locksObserver, timestamp)
}

func (c *Collector) writeStreamGauges(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_stream_subscriptions Active stream subscriptions\n")
	sb.WriteString("# TYPE lablink_stream_subscriptions gauge\n")
	fmt.Fprintf(sb, "lablink_stream_subscriptions %d %d\n", c.streamStats.Subscriptions, timestamp)

	sb.WriteString("# HELP lablink_stream_parked_sessions Sessions with parked subscriptions awaiting resume\n")
	sb.WriteString("# TYPE lablink_stream_parked_sessions gauge\n")
	fmt.Fprintf(sb, "lablink_stream_parked_sessions %d %d\n", c.streamStats.ParkedSessions, timestamp)

	sb.WriteString("# HELP lablink_stream_drops_total Total stream samples dropped on slow consumers\n")
	sb.WriteString("# TYPE lablink_stream_drops_total counter\n")
	fmt.Fprintf(sb, "lablink_stream_drops_total %d %d\n", c.streamStats.Dropped, timestamp)
}

func (c *Collector) writeAlarmGauges(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_alarms_defined Configured alarm definitions\n")
	sb.WriteString("# TYPE lablink_alarms_defined gauge\n")
	fmt.Fprintf(sb, "lablink_alarms_defined %d %d\n", c.alarmsDefined, timestamp)

	sb.WriteString("# HELP lablink_alarms_enabled Enabled alarm definitions\n")
	sb.WriteString("# TYPE lablink_alarms_enabled gauge\n")
	fmt.Fprintf(sb, "lablink_alarms_enabled %d %d\n", c.alarmsEnabled, timestamp)
}

func (c *Collector) writeJobsScheduled(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_jobs_scheduled Enabled scheduled jobs\n")
	sb.WriteString("# TYPE lablink_jobs_scheduled gauge\n")
	fmt.Fprintf(sb, "lablink_jobs_scheduled %d %d\n", c.jobsScheduled, timestamp)
}

func (c *Collector) writeOperationsTotal(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_operations_total Total number of instrument operations executed\n")
	sb.WriteString("# TYPE lablink_operations_total counter\n")

	keys := make([]opKey, 0, len(c.operationCounts))
	for k := range c.operationCounts {
		keys = append(keys, k)
	}
	sortOpKeys(keys)
	for _, k := range keys {
		count := c.operationCounts[k]
		fmt.Fprintf(sb, "lablink_operations_total{operation=%q,equipment_type=%q} %d %d\n", k.operation, k.equipmentType, count, timestamp)
	}
}

func (c *Collector) writeOperationDuration(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_operation_duration_seconds Duration of instrument operations in seconds\n")
	sb.WriteString("# TYPE lablink_operation_duration_seconds histogram\n")

	keys := make([]opKey, 0, len(c.operationDurations))
	for k := range c.operationDurations {
		keys = append(keys, k)
	}
	sortOpKeys(keys)
	for _, k := range keys {
		data := c.operationDurations[k]
		fmt.Fprintf(sb, "lablink_operation_duration_seconds_sum{operation=%q,equipment_type=%q} %.6f %d\n", k.operation, k.equipmentType, data.sum, timestamp)
		fmt.Fprintf(sb, "lablink_operation_duration_seconds_count{operation=%q,equipment_type=%q} %d %d\n", k.operation, k.equipmentType, data.count, timestamp)
	}
}

func (c *Collector) writeOperationErrors(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_operation_errors_total Total number of failed instrument operations\n")
	sb.WriteString("# TYPE lablink_operation_errors_total counter\n")

	keys := make([]opKey, 0, len(c.operationErrors))
	for k := range c.operationErrors {
		keys = append(keys, k)
	}
	sortOpKeys(keys)
	for _, k := range keys {
		count := c.operationErrors[k]
		fmt.Fprintf(sb, "lablink_operation_errors_total{operation=%q,equipment_type=%q} %d %d\n", k.operation, k.equipmentType, count, timestamp)
	}
}

func (c *Collector) writeRejections(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_request_rejections_total API requests rejected by fault kind\n")
	sb.WriteString("# TYPE lablink_request_rejections_total counter\n")

	keys := make([]string, 0, len(c.rejectionCounts))
	for k := range c.rejectionCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, kind := range keys {
		count := c.rejectionCounts[kind]
		fmt.Fprintf(sb, "lablink_request_rejections_total{kind=%q} %d %d\n", kind, count, timestamp)
	}
}

func (c *Collector) writeLockGrants(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_lock_grants_total Lock acquisition outcomes\n")
	sb.WriteString("# TYPE lablink_lock_grants_total counter\n")

	keys := make([]grantKey, 0, len(c.lockGrants))
	for k := range c.lockGrants {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].mode != keys[j].mode {
			return keys[i].mode < keys[j].mode
		}
		return keys[i].outcome < keys[j].outcome
	})
	for _, k := range keys {
		count := c.lockGrants[k]
		fmt.Fprintf(sb, "lablink_lock_grants_total{mode=%q,outcome=%q} %d %d\n", k.mode, k.outcome, count, timestamp)
	}
}

func (c *Collector) writeAlarmTransitions(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_alarm_transitions_total Alarm state transitions by target state\n")
	sb.WriteString("# TYPE lablink_alarm_transitions_total counter\n")

	keys := make([]string, 0, len(c.alarmTransitions))
	for k := range c.alarmTransitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, state := range keys {
		count := c.alarmTransitions[state]
		fmt.Fprintf(sb, "lablink_alarm_transitions_total{to_state=%q} %d %d\n", state, count, timestamp)
	}
}

func (c *Collector) writeJobsFired(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP lablink_jobs_fired_total Scheduled job dispatches by outcome\n")
	sb.WriteString("# TYPE lablink_jobs_fired_total counter\n")

	keys := make([]string, 0, len(c.jobOutcomes))
	for k := range c.jobOutcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, outcome := range keys {
		count := c.jobOutcomes[outcome]
		fmt.Fprintf(sb, "lablink_jobs_fired_total{outcome=%q} %d %d\n", outcome, count, timestamp)
	}
}

func sortOpKeys(keys []opKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].operation != keys[j].operation {
			return keys[i].operation < keys[j].operation
		}
		return keys[i].equipmentType < keys[j].equipmentType
	})
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operationCounts = make(map[opKey]int64)
	c.operationDurations = make(map[opKey]*histogramData)
	c.operationErrors = make(map[opKey]int64)
	c.rejectionCounts = make(map[string]int64)
	c.lockGrants = make(map[grantKey]int64)
	c.alarmTransitions = make(map[string]int64)
	c.jobOutcomes = make(map[string]int64)
	c.equipmentByType = make(map[string]int)
	c.healthScores = make(map[string]float64)
	c.sessionCount = 0
	c.locksExclusive = 0
	c.locksObserver = 0
	c.streamStats = stream.Stats{}
	c.alarmsDefined = 0
	c.alarmsEnabled = 0
	c.jobsScheduled = 0
}
