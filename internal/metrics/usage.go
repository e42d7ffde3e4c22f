package metrics

import (
	"sync"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/config"
)

// LinkEventType represents the type of client link event.
type LinkEventType string

const (
	LinkAttached   LinkEventType = "attached"
	LinkDetached   LinkEventType = "detached"
	LinkReattached LinkEventType = "reattached"
	LinkEnded      LinkEventType = "ended"
)

// DetachReason represents the reason a duplex link went away.
type DetachReason string

const (
	DetachReasonClientClose DetachReason = "client_close"
	DetachReasonIdle        DetachReason = "idle_timeout"
	DetachReasonSocketError DetachReason = "socket_error"
	DetachReasonShutdown    DetachReason = "shutdown"
)

// LinkEvent represents a single client link lifecycle event.
type LinkEvent struct {
	SessionID string        `json:"session_id"`
	EventType LinkEventType `json:"event_type"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    DetachReason  `json:"reason,omitempty"`
}

// ClientMetrics holds usage metrics for a single client session.
type ClientMetrics struct {
	SessionID     string  `json:"session_id"`
	FirstSeenMs   int64   `json:"first_seen_ms"`
	LastSeenMs    int64   `json:"last_seen_ms"`
	RequestCount  int64   `json:"request_count"`
	ErrorCount    int64   `json:"error_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	Attached      bool    `json:"attached"`
	ReattachCount int32   `json:"reattach_count"`

	everLinked bool
}

// UsageSummary contains aggregated client usage data for the gateway.
type UsageSummary struct {
	SessionsSeen  int64           `json:"sessions_seen"`
	AttachedLinks int64           `json:"attached_links"`
	RequestsTotal int64           `json:"requests_total"`
	ErrorsTotal   int64           `json:"errors_total"`
	ErrorRate     float64         `json:"error_rate"`
	ReattachRate  float64         `json:"reattach_rate"`
	AvgLatencyMs  float64         `json:"avg_latency_ms"`
	Events        []LinkEvent     `json:"events,omitempty"`
	Clients       []ClientMetrics `json:"clients,omitempty"`
}

// UsageTracker tracks per-session API usage and duplex link churn. The
// gateway feeds it on every dispatched request and on each websocket
// attach/detach; sessions are forgotten when they end.
type UsageTracker struct {
	mu sync.RWMutex

	events    []LinkEvent
	maxEvents int
	clients   map[string]*ClientMetrics

	totalSeen       int64
	totalAttaches   int64
	totalReattaches int64
	totalRequests   int64
	totalErrors     int64
	latencySumMs    float64

	nowFunc func() time.Time
}

// NewUsageTracker creates a new UsageTracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		events:    make([]LinkEvent, 0, config.UsageEventBufferSize),
		maxEvents: config.UsageEventBufferSize,
		clients:   make(map[string]*ClientMetrics),
		nowFunc:   time.Now,
	}
}

// RecordRequest records one dispatched API request for a session.
func (u *UsageTracker) RecordRequest(sessionID string, latencyMs int64, ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	client := u.client(sessionID)
	client.RequestCount++
	client.LastSeenMs = u.nowFunc().UnixMilli()
	client.AvgLatencyMs = (client.AvgLatencyMs*float64(client.RequestCount-1) + float64(latencyMs)) / float64(client.RequestCount)

	u.totalRequests++
	u.latencySumMs += float64(latencyMs)
	if !ok {
		client.ErrorCount++
		u.totalErrors++
	}
}

// RecordAttach records a duplex link opening for a session. Returns true
// when the session held a link before and this attach is a reattach.
func (u *UsageTracker) RecordAttach(sessionID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.nowFunc()
	client := u.client(sessionID)
	client.LastSeenMs = now.UnixMilli()
	u.totalAttaches++

	if client.everLinked && !client.Attached {
		client.Attached = true
		client.ReattachCount++
		u.totalReattaches++
		u.appendEvent(LinkEvent{SessionID: sessionID, EventType: LinkReattached, Timestamp: now})
		return true
	}

	client.Attached = true
	client.everLinked = true
	u.appendEvent(LinkEvent{SessionID: sessionID, EventType: LinkAttached, Timestamp: now})
	return false
}

// RecordDetach records a duplex link closing for a session.
func (u *UsageTracker) RecordDetach(sessionID string, reason DetachReason) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.nowFunc()
	if client, ok := u.clients[sessionID]; ok {
		client.Attached = false
		client.LastSeenMs = now.UnixMilli()
	}
	u.appendEvent(LinkEvent{SessionID: sessionID, EventType: LinkDetached, Timestamp: now, Reason: reason})
}

// Forget drops the session's record. Wired to session teardown.
func (u *UsageTracker) Forget(sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.clients[sessionID]; !ok {
		return
	}
	delete(u.clients, sessionID)
	u.appendEvent(LinkEvent{SessionID: sessionID, EventType: LinkEnded, Timestamp: u.nowFunc()})
}

// Summary computes aggregate usage across all tracked sessions.
func (u *UsageTracker) Summary(includeClients, includeEvents bool) *UsageSummary {
	u.mu.RLock()
	defer u.mu.RUnlock()

	summary := &UsageSummary{
		SessionsSeen:  u.totalSeen,
		RequestsTotal: u.totalRequests,
		ErrorsTotal:   u.totalErrors,
	}

	for _, client := range u.clients {
		if client.Attached {
			summary.AttachedLinks++
		}
	}

	if u.totalRequests > 0 {
		summary.ErrorRate = float64(u.totalErrors) / float64(u.totalRequests)
		summary.AvgLatencyMs = u.latencySumMs / float64(u.totalRequests)
	}
	if u.totalAttaches > 0 {
		summary.ReattachRate = float64(u.totalReattaches) / float64(u.totalAttaches)
	}

	if includeClients {
		summary.Clients = make([]ClientMetrics, 0, len(u.clients))
		for _, client := range u.clients {
			summary.Clients = append(summary.Clients, *client)
		}
	}

	if includeEvents {
		summary.Events = make([]LinkEvent, len(u.events))
		copy(summary.Events, u.events)
	}

	return summary
}

// RecentEvents returns the most recent N link events.
func (u *UsageTracker) RecentEvents(n int) []LinkEvent {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if n <= 0 || len(u.events) == 0 {
		return nil
	}

	start := len(u.events) - n
	if start < 0 {
		start = 0
	}

	result := make([]LinkEvent, len(u.events)-start)
	copy(result, u.events[start:])
	return result
}

// ClientFor returns usage metrics for a specific session.
func (u *UsageTracker) ClientFor(sessionID string) *ClientMetrics {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if client, ok := u.clients[sessionID]; ok {
		copy := *client
		return &copy
	}
	return nil
}

// Reset clears all tracking data.
func (u *UsageTracker) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.events = u.events[:0]
	u.clients = make(map[string]*ClientMetrics)
	u.totalSeen = 0
	u.totalAttaches = 0
	u.totalReattaches = 0
	u.totalRequests = 0
	u.totalErrors = 0
	u.latencySumMs = 0
}

// client returns the record for sessionID, creating it on first sight.
// Caller holds u.mu.
func (u *UsageTracker) client(sessionID string) *ClientMetrics {
	if client, ok := u.clients[sessionID]; ok {
		return client
	}
	now := u.nowFunc().UnixMilli()
	client := &ClientMetrics{
		SessionID:   sessionID,
		FirstSeenMs: now,
		LastSeenMs:  now,
	}
	u.clients[sessionID] = client
	u.totalSeen++
	return client
}

// appendEvent pushes an event onto the bounded buffer. Caller holds u.mu.
func (u *UsageTracker) appendEvent(ev LinkEvent) {
	if len(u.events) >= u.maxEvents {
		u.events = u.events[1:]
	}
	u.events = append(u.events, ev)
}
