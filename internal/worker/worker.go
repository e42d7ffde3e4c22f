// Package worker runs one goroutine per connected instrument. The worker
// exclusively owns its driver and transport handle: every operation funnels
// through a bounded FIFO queue, so at most one wire operation is in flight
// per instrument.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/device"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/transport"
)

// Options tune one worker instance.
type Options struct {
	QueueCapacity    int
	OperationTimeout time.Duration
	DegradedAfter    int
	Cooldown         time.Duration
	Logger           *events.EventLogger

	// OnTerminal, if set, receives the final {connected:false} snapshot
	// when the worker closes.
	OnTerminal func(snapshot map[string]interface{})
}

func (o *Options) withDefaults() {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = config.WorkerQueueCapacity
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = config.DefaultOperationTimeout
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = config.WorkerDegradedAfter
	}
	if o.Cooldown <= 0 {
		o.Cooldown = config.WorkerCooldown
	}
	if o.Logger == nil {
		o.Logger = events.GetGlobalEventLogger()
	}
}

// request is one queued operation.
type request struct {
	id        string
	op        device.Operation
	sessionID string
	ctx       context.Context
	resultCh  chan result
	cancelled bool // guarded by Worker.pendingMu
}

type result struct {
	value map[string]interface{}
	err   error
}

// Worker serialises access to one instrument.
type Worker struct {
	equipmentID string
	driver      device.Driver
	conn        transport.Conn
	opts        Options

	queue     chan *request
	stopCh    chan struct{}
	stoppedCh chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*request
	closed    bool

	healthMu          sync.Mutex
	consecutiveErrors int
	degraded          bool
	degradedUntil     time.Time

	telemetryMu sync.RWMutex
	telemetry   Telemetry
}

// New starts a worker that owns the driver and its connection.
func New(equipmentID string, driver device.Driver, conn transport.Conn, opts Options) *Worker {
	opts.withDefaults()
	w := &Worker{
		equipmentID: equipmentID,
		driver:      driver,
		conn:        conn,
		opts:        opts,
		queue:       make(chan *request, opts.QueueCapacity),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
		pending:     make(map[string]*request),
		telemetry: Telemetry{
			EquipmentID: equipmentID,
			Connected:   true,
			UpdatedAt:   time.Now(),
			Channels:    make(map[int]ChannelReading),
			Aux:         make(map[string]float64),
			HealthScore: 1.0,
		},
	}
	go w.run()
	return w
}

// EquipmentID returns the owning instrument's identifier.
func (w *Worker) EquipmentID() string { return w.equipmentID }

// enqueue submits an operation without waiting for its result. It returns
// the request identifier and a channel that will carry the single result.
func (w *Worker) enqueue(ctx context.Context, op device.Operation, sessionID string) (string, <-chan result, error) {
	req := &request{
		id:        uuid.NewString(),
		op:        op,
		sessionID: sessionID,
		ctx:       ctx,
		resultCh:  make(chan result, 1),
	}

	w.pendingMu.Lock()
	if w.closed {
		w.pendingMu.Unlock()
		return "", nil, fault.Unavailable("equipment %s is disconnected", w.equipmentID)
	}
	w.pending[req.id] = req
	w.pendingMu.Unlock()

	select {
	case w.queue <- req:
		return req.id, req.resultCh, nil
	default:
		w.forget(req.id)
		return "", nil, fault.Busy("request queue for %s is full", w.equipmentID)
	}
}

// Execute submits an operation and waits for its result, the caller's
// context, or worker shutdown.
func (w *Worker) Execute(ctx context.Context, op device.Operation, sessionID string) (map[string]interface{}, error) {
	id, resultCh, err := w.enqueue(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-ctx.Done():
		// Remove the request if it has not started; the loop replies
		// to the channel either way, but nobody is listening anymore.
		w.Cancel(id)
		return nil, fault.From(ctx.Err())
	}
}

// Cancel marks a queued request as cancelled. A request that already
// started executing is not interrupted; cancellation is advisory then.
// Reports whether the request was still pending.
func (w *Worker) Cancel(requestID string) bool {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	req, ok := w.pending[requestID]
	if !ok {
		return false
	}
	req.cancelled = true
	return true
}

// CancelSession cancels every queued request belonging to the session.
func (w *Worker) CancelSession(sessionID string) int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	n := 0
	for _, req := range w.pending {
		if req.sessionID == sessionID && !req.cancelled {
			req.cancelled = true
			n++
		}
	}
	return n
}

// SnapshotFn returns a closure that performs one sampling operation. The
// closure enqueues like any request, so stream samples interleave with
// explicit operations in FIFO order.
func (w *Worker) SnapshotFn(streamType string, params map[string]interface{}) (func(ctx context.Context) (map[string]interface{}, error), error) {
	var opName string
	switch streamType {
	case "readings":
		opName = device.OpGetReadings
	case "waveform":
		opName = device.OpGetWaveform
	case "measurements":
		opName = device.OpGetMeasurements
	default:
		return nil, fault.BadRequest("unknown stream type %q", streamType)
	}
	op := device.Operation{Name: opName, Params: params}
	return func(ctx context.Context) (map[string]interface{}, error) {
		return w.Execute(ctx, op, "stream")
	}, nil
}

// Telemetry returns a copy of the cached instrument state.
func (w *Worker) Telemetry() Telemetry {
	w.telemetryMu.RLock()
	defer w.telemetryMu.RUnlock()
	return w.telemetry.Copy()
}

// Degraded reports whether the worker is failing fast.
func (w *Worker) Degraded() bool {
	w.healthMu.Lock()
	defer w.healthMu.Unlock()
	return w.degraded
}

// Close stops the loop, rejects everything still queued, and releases the
// transport handle. Safe to call more than once.
func (w *Worker) Close() {
	w.pendingMu.Lock()
	if w.closed {
		w.pendingMu.Unlock()
		return
	}
	w.closed = true
	w.pendingMu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh
	w.drain() // catch requests that raced the shutdown

	w.conn.Close()

	w.telemetryMu.Lock()
	w.telemetry.Connected = false
	w.telemetry.UpdatedAt = time.Now()
	w.telemetryMu.Unlock()

	if w.opts.OnTerminal != nil {
		w.opts.OnTerminal(map[string]interface{}{
			"equipment_id": w.equipmentID,
			"connected":    false,
		})
	}
}

func (w *Worker) run() {
	defer close(w.stoppedCh)
	for {
		select {
		case <-w.stopCh:
			w.drain()
			return
		case req := <-w.queue:
			w.serve(req)
		}
	}
}

// drain rejects every queued request after shutdown began.
func (w *Worker) drain() {
	for {
		select {
		case req := <-w.queue:
			w.forget(req.id)
			req.resultCh <- result{err: fault.Cancelled("equipment disconnected")}
		default:
			return
		}
	}
}

// serve executes one request on the wire.
func (w *Worker) serve(req *request) {
	w.pendingMu.Lock()
	cancelled := req.cancelled
	closed := w.closed
	delete(w.pending, req.id)
	w.pendingMu.Unlock()

	// The select in run may hand us a queued request after Close began.
	if closed {
		req.resultCh <- result{err: fault.Cancelled("equipment disconnected")}
		return
	}
	if cancelled {
		req.resultCh <- result{err: fault.Cancelled("request cancelled while queued")}
		return
	}
	if err := req.ctx.Err(); err != nil {
		req.resultCh <- result{err: fault.From(err)}
		return
	}
	if err := w.gateDegraded(req.ctx); err != nil {
		req.resultCh <- result{err: err}
		return
	}

	value, err := w.executeGuarded(req.ctx, req.op)
	w.observe(req.op, value, err)
	req.resultCh <- result{value: value, err: err}
}

// executeGuarded runs the driver under the per-operation deadline and
// converts panics into internal faults.
func (w *Worker) executeGuarded(ctx context.Context, op device.Operation) (value map[string]interface{}, err error) {
	opCtx, cancel := context.WithTimeout(ctx, w.opts.OperationTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fault.Internal("driver panic during %s: %v", op.Name, r)
		}
	}()
	return w.driver.Execute(opCtx, op)
}

// gateDegraded enforces the fail-fast window and the single recovery probe.
func (w *Worker) gateDegraded(ctx context.Context) error {
	w.healthMu.Lock()
	if !w.degraded {
		w.healthMu.Unlock()
		return nil
	}
	if time.Now().Before(w.degradedUntil) {
		w.healthMu.Unlock()
		return fault.Unavailable("equipment %s is degraded, retry later", w.equipmentID)
	}
	w.healthMu.Unlock()

	// Cool-down elapsed: probe once.
	probeCtx, cancel := context.WithTimeout(ctx, w.opts.OperationTimeout)
	_, err := w.driver.Identify(probeCtx)
	cancel()

	w.healthMu.Lock()
	defer w.healthMu.Unlock()
	if err != nil {
		w.degradedUntil = time.Now().Add(w.opts.Cooldown)
		return fault.Unavailable("equipment %s still unreachable", w.equipmentID)
	}
	w.degraded = false
	w.consecutiveErrors = 0
	w.opts.Logger.LogWorkerDegraded(w.equipmentID, false, 0)
	w.setHealthScore(1.0)
	return nil
}

// observe updates health counters and the telemetry cache after one
// operation completes.
func (w *Worker) observe(op device.Operation, value map[string]interface{}, err error) {
	if err != nil {
		if isTransportFault(err) {
			w.healthMu.Lock()
			w.consecutiveErrors++
			if !w.degraded && w.consecutiveErrors >= w.opts.DegradedAfter {
				w.degraded = true
				w.degradedUntil = time.Now().Add(w.opts.Cooldown)
				w.opts.Logger.LogWorkerDegraded(w.equipmentID, true, w.consecutiveErrors)
			}
			n := w.consecutiveErrors
			w.healthMu.Unlock()
			w.setHealthScore(scoreFor(n))
		}
		return
	}

	w.healthMu.Lock()
	w.consecutiveErrors = 0
	w.healthMu.Unlock()
	w.setHealthScore(1.0)

	switch op.Name {
	case device.OpGetReadings:
		w.cacheReadings(value)
	case device.OpGetMeasurements:
		w.cacheAux(value)
	}
}

// isTransportFault reports whether the error counts against instrument
// health. Client-side rejections (bad parameters) do not.
func isTransportFault(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindTimeout, fault.KindInstrumentUnavailable, fault.KindParseError, fault.KindInternal:
		return true
	}
	return false
}

func scoreFor(consecutiveErrors int) float64 {
	score := 1.0 - 0.5*float64(consecutiveErrors)
	if score < 0 {
		return 0
	}
	return score
}

func (w *Worker) setHealthScore(score float64) {
	w.telemetryMu.Lock()
	w.telemetry.HealthScore = score
	w.telemetry.UpdatedAt = time.Now()
	w.telemetryMu.Unlock()
}

func (w *Worker) cacheReadings(value map[string]interface{}) {
	channel := 1
	if c, ok := value["channel"].(int); ok {
		channel = c
	}
	reading := ChannelReading{}
	if v, ok := value["voltage"].(float64); ok {
		reading.Voltage = v
	}
	if v, ok := value["current"].(float64); ok {
		reading.Current = v
	}
	if v, ok := value["power"].(float64); ok {
		reading.Power = v
	}
	if v, ok := value["mode"].(string); ok {
		reading.Mode = v
	}
	if v, ok := value["enabled"].(bool); ok {
		reading.Enabled = v
	}

	w.telemetryMu.Lock()
	w.telemetry.Channels[channel] = reading
	w.telemetry.UpdatedAt = time.Now()
	w.telemetryMu.Unlock()
}

func (w *Worker) cacheAux(value map[string]interface{}) {
	w.telemetryMu.Lock()
	for k, v := range value {
		if f, ok := v.(float64); ok {
			w.telemetry.Aux[k] = f
		}
	}
	w.telemetry.UpdatedAt = time.Now()
	w.telemetryMu.Unlock()
}

func (w *Worker) forget(requestID string) {
	w.pendingMu.Lock()
	delete(w.pending, requestID)
	w.pendingMu.Unlock()
}
