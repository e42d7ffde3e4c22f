// Package stream fans periodic equipment samples out to subscribers.
// Producers are shared by key (equipment, type, interval) and ref-counted
// by their subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// Message is one stream sample delivered to every subscriber of a
// producer. A failed sample carries a null Data and the fault.
type Message struct {
	EquipmentID string                 `json:"equipment_id"`
	StreamType  string                 `json:"stream_type"`
	SampledAt   int64                  `json:"sampled_at"`
	Seq         int64                  `json:"seq"`
	Data        map[string]interface{} `json:"data"`
	Error       *fault.Fault           `json:"error,omitempty"`
}

// SnapshotFunc produces one sample.
type SnapshotFunc func(ctx context.Context) (map[string]interface{}, error)

// SnapshotSource resolves the sampling closure for an equipment and
// stream type at subscribe time.
type SnapshotSource func(equipmentID, streamType string) (SnapshotFunc, error)

// Subscription is one session's attachment to a producer. Messages are
// drained with Next; the subscription is over once Next reports false.
type Subscription struct {
	SessionID   string
	EquipmentID string
	StreamType  string
	IntervalMs  int

	queue    *msgQueue
	overflow atomic.Int64
}

// Next blocks for the next message. The second return is false once the
// subscription is torn down and its queue drained.
func (s *Subscription) Next() (*Message, bool) {
	return s.queue.Dequeue()
}

// TryNext returns a queued message without blocking.
func (s *Subscription) TryNext() (*Message, bool) {
	return s.queue.TryDequeue()
}

// Overflow returns how many messages were evicted because this
// subscriber fell behind.
func (s *Subscription) Overflow() int64 {
	return s.overflow.Load()
}

type producerKey struct {
	equipmentID string
	streamType  string
	intervalMs  int
}

type producer struct {
	key       producerKey
	snapshot  SnapshotFunc
	timeout   time.Duration
	logger    *events.EventLogger
	dropped   *atomic.Int64
	seq       atomic.Int64
	last      int64
	mu        sync.Mutex
	subs      map[string]*Subscription
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func (p *producer) run() {
	defer close(p.stoppedCh)

	ticker := time.NewTicker(time.Duration(p.key.intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sample()
		case <-p.stopCh:
			return
		}
	}
}

// sample runs synchronously inside the tick loop; a sample slower than
// the interval makes the ticker drop ticks instead of catching up.
func (p *producer) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	data, err := p.snapshot(ctx)
	cancel()

	now := time.Now().UnixMilli()
	if now < p.last {
		now = p.last
	}
	p.last = now

	msg := &Message{
		EquipmentID: p.key.equipmentID,
		StreamType:  p.key.streamType,
		SampledAt:   now,
		Seq:         p.seq.Add(1),
	}
	if err != nil {
		msg.Error = fault.From(err)
	} else {
		msg.Data = data
	}

	p.mu.Lock()
	for _, sub := range p.subs {
		if sub.queue.Enqueue(msg) {
			p.dropped.Add(1)
			if sub.overflow.Add(1) == 1 {
				p.logger.LogStreamOverflow(sub.EquipmentID, sub.StreamType, sub.SessionID, 1)
			}
		}
	}
	p.mu.Unlock()
}

func (p *producer) addSub(sub *Subscription) {
	p.mu.Lock()
	p.subs[sub.SessionID] = sub
	p.mu.Unlock()
}

// removeSub detaches a session and reports how many subscribers remain.
func (p *producer) removeSub(sessionID string) int {
	p.mu.Lock()
	if sub, ok := p.subs[sessionID]; ok {
		delete(p.subs, sessionID)
		sub.queue.Close()
	}
	remaining := len(p.subs)
	p.mu.Unlock()
	return remaining
}

func (p *producer) stop() {
	close(p.stopCh)
}

type subKey struct {
	equipmentID string
	streamType  string
}

type parkedSpec struct {
	equipmentID string
	streamType  string
	intervalMs  int
}

type parkedSet struct {
	specs    []parkedSpec
	deadline int64
}

// Options configures a Multiplexer.
type Options struct {
	// Source resolves sampling closures; required.
	Source SnapshotSource
	// QueueDepth bounds each subscriber queue.
	QueueDepth int
	// SampleTimeout caps one snapshot call.
	SampleTimeout time.Duration
	// ResumeGrace is how long parked subscriptions survive a disconnect.
	ResumeGrace time.Duration
	// JanitorInterval is how often expired parked sets are dropped.
	JanitorInterval time.Duration
	Logger          *events.EventLogger
}

func (o Options) withDefaults() Options {
	if o.QueueDepth <= 0 {
		o.QueueDepth = config.SubscriberQueueDepth
	}
	if o.SampleTimeout <= 0 {
		o.SampleTimeout = config.DefaultOperationTimeout
	}
	if o.ResumeGrace <= 0 {
		o.ResumeGrace = config.ResumeGraceWindow
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = events.NoopEventLogger()
	}
	return o
}

// Stats is a point-in-time view of multiplexer load.
type Stats struct {
	Producers      int   `json:"producers"`
	Subscriptions  int   `json:"subscriptions"`
	ParkedSessions int   `json:"parked_sessions"`
	Dropped        int64 `json:"dropped_total"`
}

// Multiplexer owns all producers, subscriptions, and parked sets.
type Multiplexer struct {
	opts      Options
	mu        sync.Mutex
	producers map[producerKey]*producer
	bySession map[string]map[subKey]*Subscription
	parked    map[string]*parkedSet
	dropped   atomic.Int64
	closed    atomic.Bool

	janitorMu sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewMultiplexer creates a multiplexer with the given options.
func NewMultiplexer(opts Options) *Multiplexer {
	return &Multiplexer{
		opts:      opts.withDefaults(),
		producers: make(map[producerKey]*producer),
		bySession: make(map[string]map[subKey]*Subscription),
		parked:    make(map[string]*parkedSet),
	}
}

// Subscribe attaches the session to the (equipment, type, interval)
// producer, creating it on first use. Re-subscribing with identical
// parameters returns the existing subscription; a different interval
// atomically replaces the prior one.
func (m *Multiplexer) Subscribe(sessionID, equipmentID, streamType string, intervalMs int) (*Subscription, error) {
	if m.closed.Load() {
		return nil, fault.Unavailable("stream multiplexer is closed")
	}
	if sessionID == "" {
		return nil, fault.BadRequest("session_id is required")
	}
	if equipmentID == "" {
		return nil, fault.BadRequest("equipment_id is required")
	}
	if streamType == "" {
		return nil, fault.BadRequest("stream_type is required")
	}
	if intervalMs == 0 {
		intervalMs = config.DefaultStreamInterval
	}
	if intervalMs < config.MinStreamIntervalMs || intervalMs > config.MaxStreamIntervalMs {
		return nil, fault.BadRequest("interval_ms %d outside range %d..%d",
			intervalMs, config.MinStreamIntervalMs, config.MaxStreamIntervalMs)
	}

	snapshot, err := m.opts.Source(equipmentID, streamType)
	if err != nil {
		return nil, err
	}

	key := producerKey{equipmentID, streamType, intervalMs}
	sk := subKey{equipmentID, streamType}

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return nil, fault.Unavailable("stream multiplexer is closed")
	}
	sessionSubs := m.bySession[sessionID]
	if sessionSubs == nil {
		sessionSubs = make(map[subKey]*Subscription)
		m.bySession[sessionID] = sessionSubs
	}

	if existing, ok := sessionSubs[sk]; ok {
		if existing.IntervalMs == intervalMs {
			m.mu.Unlock()
			return existing, nil
		}
		delete(sessionSubs, sk)
		m.detachLocked(existing)
	}

	p, ok := m.producers[key]
	if !ok {
		p = &producer{
			key:       key,
			snapshot:  snapshot,
			timeout:   m.opts.SampleTimeout,
			logger:    m.opts.Logger,
			dropped:   &m.dropped,
			subs:      make(map[string]*Subscription),
			stopCh:    make(chan struct{}),
			stoppedCh: make(chan struct{}),
		}
		m.producers[key] = p
		go p.run()
	}

	sub := &Subscription{
		SessionID:   sessionID,
		EquipmentID: equipmentID,
		StreamType:  streamType,
		IntervalMs:  intervalMs,
		queue:       newMsgQueue(m.opts.QueueDepth),
	}
	sessionSubs[sk] = sub
	p.addSub(sub)
	m.mu.Unlock()
	return sub, nil
}

// detachLocked removes the subscription from its producer and tears the
// producer down when it was the last subscriber. Caller must hold m.mu.
func (m *Multiplexer) detachLocked(sub *Subscription) {
	key := producerKey{sub.EquipmentID, sub.StreamType, sub.IntervalMs}
	p, ok := m.producers[key]
	if !ok {
		sub.queue.Close()
		return
	}
	if p.removeSub(sub.SessionID) == 0 {
		delete(m.producers, key)
		p.stop()
	}
}

// Unsubscribe stops one subscription.
func (m *Multiplexer) Unsubscribe(sessionID, equipmentID, streamType string) error {
	sk := subKey{equipmentID, streamType}

	m.mu.Lock()
	sessionSubs := m.bySession[sessionID]
	sub, ok := sessionSubs[sk]
	if !ok {
		m.mu.Unlock()
		return fault.NotFound("session %s has no %s stream on equipment %s", sessionID, streamType, equipmentID)
	}
	delete(sessionSubs, sk)
	if len(sessionSubs) == 0 {
		delete(m.bySession, sessionID)
	}
	m.detachLocked(sub)
	m.mu.Unlock()
	return nil
}

// UnsubscribeAll drops every live and parked subscription for a session.
// Returns how many live subscriptions were stopped.
func (m *Multiplexer) UnsubscribeAll(sessionID string) int {
	m.mu.Lock()
	sessionSubs := m.bySession[sessionID]
	delete(m.bySession, sessionID)
	delete(m.parked, sessionID)
	n := len(sessionSubs)
	for _, sub := range sessionSubs {
		m.detachLocked(sub)
	}
	m.mu.Unlock()
	return n
}

// DropEquipment tears down every live producer and parked spec for one
// equipment. Used when the equipment disconnects.
func (m *Multiplexer) DropEquipment(equipmentID string) int {
	m.mu.Lock()
	n := 0
	for sessionID, sessionSubs := range m.bySession {
		for sk, sub := range sessionSubs {
			if sk.equipmentID != equipmentID {
				continue
			}
			delete(sessionSubs, sk)
			m.detachLocked(sub)
			n++
		}
		if len(sessionSubs) == 0 {
			delete(m.bySession, sessionID)
		}
	}
	for sessionID, set := range m.parked {
		kept := set.specs[:0]
		for _, spec := range set.specs {
			if spec.equipmentID != equipmentID {
				kept = append(kept, spec)
			}
		}
		set.specs = kept
		if len(set.specs) == 0 {
			delete(m.parked, sessionID)
		}
	}
	m.mu.Unlock()
	return n
}

// Park suspends the session's live subscriptions, remembering them for
// the resume grace window. Used when the duplex connection drops.
func (m *Multiplexer) Park(sessionID string) int {
	m.mu.Lock()
	sessionSubs := m.bySession[sessionID]
	if len(sessionSubs) == 0 {
		m.mu.Unlock()
		return 0
	}
	delete(m.bySession, sessionID)

	set := &parkedSet{deadline: time.Now().Add(m.opts.ResumeGrace).UnixMilli()}
	for _, sub := range sessionSubs {
		set.specs = append(set.specs, parkedSpec{sub.EquipmentID, sub.StreamType, sub.IntervalMs})
		m.detachLocked(sub)
	}
	m.parked[sessionID] = set
	m.mu.Unlock()
	return len(set.specs)
}

// Resume restarts every subscription parked for the session within the
// grace window. Specs that fail to restart are logged and skipped.
func (m *Multiplexer) Resume(sessionID string) []*Subscription {
	m.mu.Lock()
	set, ok := m.parked[sessionID]
	if ok {
		delete(m.parked, sessionID)
	}
	m.mu.Unlock()
	if !ok || time.Now().UnixMilli() > set.deadline {
		return nil
	}

	var subs []*Subscription
	for _, spec := range set.specs {
		sub, err := m.Subscribe(sessionID, spec.equipmentID, spec.streamType, spec.intervalMs)
		if err != nil {
			m.opts.Logger.Logger().Warn("stream_resume_failed",
				"session_id", sessionID,
				"equipment_id", spec.equipmentID,
				"stream_type", spec.streamType,
				"error", err.Error(),
			)
			continue
		}
		subs = append(subs, sub)
	}
	return subs
}

// Start begins the janitor that retires parked sets past the grace
// window. Safe to call more than once.
func (m *Multiplexer) Start() {
	m.janitorMu.Lock()
	if m.running {
		m.janitorMu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.janitorMu.Unlock()

	go m.runJanitor()
}

// Stop halts the janitor and waits for it to exit. Safe to call more
// than once.
func (m *Multiplexer) Stop() {
	m.janitorMu.Lock()
	if !m.running {
		m.janitorMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	stoppedCh := m.stoppedCh
	m.janitorMu.Unlock()

	<-stoppedCh
}

func (m *Multiplexer) runJanitor() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.dropExpiredParked()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Multiplexer) dropExpiredParked() int {
	now := time.Now().UnixMilli()
	m.mu.Lock()
	n := 0
	for sessionID, set := range m.parked {
		if now > set.deadline {
			delete(m.parked, sessionID)
			n++
		}
	}
	m.mu.Unlock()
	return n
}

// Stats returns current multiplexer load.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := 0
	for _, sessionSubs := range m.bySession {
		subs += len(sessionSubs)
	}
	return Stats{
		Producers:      len(m.producers),
		Subscriptions:  subs,
		ParkedSessions: len(m.parked),
		Dropped:        m.dropped.Load(),
	}
}

// Close tears down every producer and subscription and waits for the
// producer goroutines to exit.
func (m *Multiplexer) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.Stop()

	m.mu.Lock()
	producers := make([]*producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.producers = make(map[producerKey]*producer)
	for _, sessionSubs := range m.bySession {
		for _, sub := range sessionSubs {
			sub.queue.Close()
		}
	}
	m.bySession = make(map[string]map[subKey]*Subscription)
	m.parked = make(map[string]*parkedSet)
	m.mu.Unlock()

	for _, p := range producers {
		p.stop()
		<-p.stoppedCh
	}
	return nil
}
