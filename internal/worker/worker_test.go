package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/device"
	"github.com/X9X0/LabLink-sub001/internal/fault"
)

type nopConn struct{ closed bool }

func (c *nopConn) WriteLine(ctx context.Context, line string) error { return nil }
func (c *nopConn) Query(ctx context.Context, line string) (string, error) {
	return "", nil
}
func (c *nopConn) Close() error { c.closed = true; return nil }

// fakeDriver scripts Execute and Identify behaviour and records calls.
type fakeDriver struct {
	mu            sync.Mutex
	tags          []string
	executeFn     func(op device.Operation) (map[string]interface{}, error)
	identifyErr   error
	identifyCalls int
	executeCalls  int
}

func (d *fakeDriver) Type() device.Type { return device.TypePowerSupply }

func (d *fakeDriver) Identify(ctx context.Context) (device.Identity, error) {
	d.mu.Lock()
	d.identifyCalls++
	err := d.identifyErr
	d.mu.Unlock()
	if err != nil {
		return device.Identity{}, err
	}
	return device.Identity{Vendor: "LabLink", Model: "FAKE-1"}, nil
}

func (d *fakeDriver) Capabilities() device.Capabilities { return device.Capabilities{} }

func (d *fakeDriver) Execute(ctx context.Context, op device.Operation) (map[string]interface{}, error) {
	d.mu.Lock()
	d.executeCalls++
	if tag, ok := op.Params["tag"].(string); ok {
		d.tags = append(d.tags, tag)
	}
	fn := d.executeFn
	d.mu.Unlock()
	if fn != nil {
		return fn(op)
	}
	return map[string]interface{}{"ok": true}, nil
}

func (d *fakeDriver) callCounts() (executes, identifies int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executeCalls, d.identifyCalls
}

func (d *fakeDriver) seenTags() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.tags))
	copy(out, d.tags)
	return out
}

func newTestWorker(t *testing.T, d *fakeDriver, opts Options) *Worker {
	t.Helper()
	w := New("eq_test", d, &nopConn{}, opts)
	t.Cleanup(w.Close)
	return w
}

func TestExecuteFIFOOrder(t *testing.T) {
	d := &fakeDriver{}
	w := newTestWorker(t, d, Options{})

	ctx := context.Background()
	var chans []<-chan result
	for _, tag := range []string{"first", "second", "third"} {
		op := device.Operation{Name: "nudge", Params: map[string]interface{}{"tag": tag}}
		_, ch, err := w.enqueue(ctx, op, "ses_1")
		if err != nil {
			t.Fatalf("enqueue %s: %v", tag, err)
		}
		chans = append(chans, ch)
	}
	for i, ch := range chans {
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("request %d: %v", i, res.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d timed out", i)
		}
	}

	tags := d.seenTags()
	want := []string{"first", "second", "third"}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", tags, want)
		}
	}
}

func TestExecuteBusyOnFullQueue(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDriver{executeFn: func(op device.Operation) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{}, nil
	}}
	w := newTestWorker(t, d, Options{QueueCapacity: 1})
	defer close(release)

	ctx := context.Background()

	// First request occupies the loop.
	_, ch1, err := w.enqueue(ctx, device.Operation{Name: "a"}, "ses_1")
	if err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	// Give the loop a moment to pick it up.
	time.Sleep(50 * time.Millisecond)

	// Second fills the queue slot.
	_, ch2, err := w.enqueue(ctx, device.Operation{Name: "b"}, "ses_1")
	if err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	// Third must be rejected busy.
	_, _, err = w.enqueue(ctx, device.Operation{Name: "c"}, "ses_1")
	if !fault.Is(err, fault.KindBusy) {
		t.Fatalf("kind = %v, want busy", fault.KindOf(err))
	}

	release <- struct{}{}
	release <- struct{}{}
	<-ch1
	<-ch2
}

func TestCancelQueuedRequest(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDriver{executeFn: func(op device.Operation) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{}, nil
	}}
	w := newTestWorker(t, d, Options{})
	defer close(release)

	ctx := context.Background()
	_, ch1, err := w.enqueue(ctx, device.Operation{Name: "running"}, "ses_1")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	id2, ch2, err := w.enqueue(ctx, device.Operation{Name: "queued"}, "ses_1")
	if err != nil {
		t.Fatal(err)
	}
	if !w.Cancel(id2) {
		t.Fatal("Cancel should find the queued request")
	}

	release <- struct{}{}
	<-ch1

	res := <-ch2
	if !fault.Is(res.err, fault.KindCancelled) {
		t.Errorf("kind = %v, want cancelled", fault.KindOf(res.err))
	}

	executes, _ := d.callCounts()
	if executes != 1 {
		t.Errorf("driver executed %d ops, want 1 (cancelled op must not run)", executes)
	}
}

func TestCancelSession(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDriver{executeFn: func(op device.Operation) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{}, nil
	}}
	w := newTestWorker(t, d, Options{})
	defer close(release)

	ctx := context.Background()
	_, ch1, _ := w.enqueue(ctx, device.Operation{Name: "running"}, "ses_a")
	time.Sleep(50 * time.Millisecond)
	_, ch2, _ := w.enqueue(ctx, device.Operation{Name: "q1"}, "ses_b")
	_, ch3, _ := w.enqueue(ctx, device.Operation{Name: "q2"}, "ses_b")
	_, ch4, _ := w.enqueue(ctx, device.Operation{Name: "q3"}, "ses_c")

	if n := w.CancelSession("ses_b"); n != 2 {
		t.Errorf("CancelSession = %d, want 2", n)
	}

	for i := 0; i < 2; i++ {
		release <- struct{}{}
	}
	<-ch1
	if res := <-ch2; !fault.Is(res.err, fault.KindCancelled) {
		t.Errorf("q1 kind = %v, want cancelled", fault.KindOf(res.err))
	}
	if res := <-ch3; !fault.Is(res.err, fault.KindCancelled) {
		t.Errorf("q2 kind = %v, want cancelled", fault.KindOf(res.err))
	}
	if res := <-ch4; res.err != nil {
		t.Errorf("other session's request failed: %v", res.err)
	}
}

func TestDegradedAfterConsecutiveErrors(t *testing.T) {
	failing := true
	var mu sync.Mutex
	d := &fakeDriver{}
	d.executeFn = func(op device.Operation) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, fault.Timeout("wire dead")
		}
		return map[string]interface{}{"ok": true}, nil
	}
	w := newTestWorker(t, d, Options{Cooldown: 100 * time.Millisecond})

	ctx := context.Background()
	op := device.Operation{Name: "poke"}

	// Two transport failures trip the breaker.
	for i := 0; i < 2; i++ {
		if _, err := w.Execute(ctx, op, "ses_1"); !fault.Is(err, fault.KindTimeout) {
			t.Fatalf("attempt %d kind = %v, want timeout", i, fault.KindOf(err))
		}
	}
	if !w.Degraded() {
		t.Fatal("worker should be degraded after two transport errors")
	}

	// Inside the cool-down requests fail fast without touching the driver.
	before, _ := d.callCounts()
	if _, err := w.Execute(ctx, op, "ses_1"); !fault.Is(err, fault.KindInstrumentUnavailable) {
		t.Fatalf("kind = %v, want instrument_unavailable", fault.KindOf(err))
	}
	after, _ := d.callCounts()
	if after != before {
		t.Error("degraded request reached the driver during cool-down")
	}

	// After the cool-down one probe runs; success clears the state.
	mu.Lock()
	failing = false
	mu.Unlock()
	time.Sleep(150 * time.Millisecond)

	if _, err := w.Execute(ctx, op, "ses_1"); err != nil {
		t.Fatalf("post-recovery execute: %v", err)
	}
	if w.Degraded() {
		t.Error("worker should have recovered after successful probe")
	}
	_, identifies := d.callCounts()
	if identifies != 1 {
		t.Errorf("identify probes = %d, want 1", identifies)
	}
}

func TestFailedProbeRenewsCooldown(t *testing.T) {
	d := &fakeDriver{identifyErr: fault.Timeout("still dead")}
	d.executeFn = func(op device.Operation) (map[string]interface{}, error) {
		return nil, fault.Timeout("wire dead")
	}
	w := newTestWorker(t, d, Options{Cooldown: 50 * time.Millisecond})

	ctx := context.Background()
	op := device.Operation{Name: "poke"}
	w.Execute(ctx, op, "ses_1")
	w.Execute(ctx, op, "ses_1")

	time.Sleep(80 * time.Millisecond)
	if _, err := w.Execute(ctx, op, "ses_1"); !fault.Is(err, fault.KindInstrumentUnavailable) {
		t.Fatalf("kind = %v, want instrument_unavailable", fault.KindOf(err))
	}
	if !w.Degraded() {
		t.Error("failed probe should leave the worker degraded")
	}
	_, identifies := d.callCounts()
	if identifies != 1 {
		t.Errorf("identify probes = %d, want 1", identifies)
	}
}

func TestTelemetryCacheFromReadings(t *testing.T) {
	d := &fakeDriver{executeFn: func(op device.Operation) (map[string]interface{}, error) {
		return map[string]interface{}{
			"channel": 1, "voltage": 5.0, "current": 0.5,
			"power": 2.5, "mode": "CV", "enabled": true,
		}, nil
	}}
	w := newTestWorker(t, d, Options{})

	if _, err := w.Execute(context.Background(), device.Operation{Name: device.OpGetReadings}, "ses_1"); err != nil {
		t.Fatal(err)
	}

	tel := w.Telemetry()
	if !tel.Connected {
		t.Error("Connected = false, want true")
	}
	ch := tel.Channels[1]
	if ch.Voltage != 5.0 || ch.Current != 0.5 || ch.Mode != "CV" {
		t.Errorf("cached reading = %+v", ch)
	}

	if v, ok := tel.Value("Voltage", 1); !ok || v != 5.0 {
		t.Errorf("Value(Voltage) = %v, %v", v, ok)
	}
	if v, ok := tel.Value("i", 1); !ok || v != 0.5 {
		t.Errorf("Value(i) = %v, %v", v, ok)
	}
	if _, ok := tel.Value("frobnication", 1); ok {
		t.Error("unknown parameter should not resolve")
	}

	// Mutating the copy must not touch the cache.
	tel.Channels[1] = ChannelReading{}
	if w.Telemetry().Channels[1].Voltage != 5.0 {
		t.Error("Telemetry() returned an aliased map")
	}
}

func TestSnapshotFn(t *testing.T) {
	d := &fakeDriver{}
	w := newTestWorker(t, d, Options{})

	fn, err := w.SnapshotFn("readings", map[string]interface{}{"channel": 1})
	if err != nil {
		t.Fatalf("SnapshotFn: %v", err)
	}
	if _, err := fn(context.Background()); err != nil {
		t.Fatalf("snapshot call: %v", err)
	}
	if executes, _ := d.callCounts(); executes != 1 {
		t.Errorf("executes = %d, want 1", executes)
	}

	if _, err := w.SnapshotFn("spectrogram", nil); !fault.Is(err, fault.KindBadRequest) {
		t.Errorf("kind = %v, want bad_request", fault.KindOf(err))
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDriver{executeFn: func(op device.Operation) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{}, nil
	}}

	var terminal map[string]interface{}
	conn := &nopConn{}
	w := New("eq_test", d, conn, Options{
		OnTerminal: func(s map[string]interface{}) { terminal = s },
	})

	ctx := context.Background()
	_, ch1, _ := w.enqueue(ctx, device.Operation{Name: "running"}, "ses_1")
	time.Sleep(50 * time.Millisecond)
	_, ch2, _ := w.enqueue(ctx, device.Operation{Name: "queued"}, "ses_1")

	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	<-w.stopCh            // wait until Close has begun shutdown
	release <- struct{}{} // let the running op finish so Close can drain
	<-done

	<-ch1
	if res := <-ch2; !fault.Is(res.err, fault.KindCancelled) {
		t.Errorf("queued request after close kind = %v, want cancelled", fault.KindOf(res.err))
	}

	if !conn.closed {
		t.Error("Close must release the transport handle")
	}
	if terminal == nil || terminal["connected"] != false {
		t.Errorf("terminal snapshot = %v, want connected:false", terminal)
	}
	if tel := w.Telemetry(); tel.Connected {
		t.Error("telemetry should report disconnected after close")
	}

	if _, err := w.Execute(ctx, device.Operation{Name: "late"}, "ses_1"); !fault.Is(err, fault.KindInstrumentUnavailable) {
		t.Errorf("execute after close kind = %v, want instrument_unavailable", fault.KindOf(err))
	}

	w.Close() // second close is a no-op
}
