package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// fakeSource serves deterministic samples and can be flipped to failing.
type fakeSource struct {
	mu      sync.Mutex
	calls   int
	failing bool
}

func (f *fakeSource) source(equipmentID, streamType string) (SnapshotFunc, error) {
	if equipmentID == "eq_missing" {
		return nil, fault.NotFound("unknown equipment %s", equipmentID)
	}
	if streamType == "bogus" {
		return nil, fault.BadRequest("unknown stream type %q", streamType)
	}
	return func(ctx context.Context) (map[string]interface{}, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls++
		if f.failing {
			return nil, fault.Unavailable("worker degraded")
		}
		return map[string]interface{}{"voltage": 5.0, "call": f.calls}, nil
	}, nil
}

func (f *fakeSource) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func newTestMux(t *testing.T, opts Options) (*Multiplexer, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	if opts.Source == nil {
		opts.Source = src.source
	}
	m := NewMultiplexer(opts)
	t.Cleanup(func() { m.Close() })
	return m, src
}

// collect drains n messages from the subscription or fails the test.
func collect(t *testing.T, sub *Subscription, n int, timeout time.Duration) []*Message {
	t.Helper()
	done := make(chan []*Message, 1)
	go func() {
		var msgs []*Message
		for len(msgs) < n {
			msg, ok := sub.Next()
			if !ok {
				break
			}
			msgs = append(msgs, msg)
		}
		done <- msgs
	}()
	select {
	case msgs := <-done:
		return msgs
	case <-time.After(timeout):
		t.Fatalf("timed out collecting %d messages", n)
		return nil
	}
}

func TestSharedProducerFanOut(t *testing.T) {
	m, _ := newTestMux(t, Options{})

	s1, err := m.Subscribe("ses_1", "eq_a", "readings", 10)
	if err != nil {
		t.Fatalf("subscribe s1: %v", err)
	}
	s2, err := m.Subscribe("ses_2", "eq_a", "readings", 10)
	if err != nil {
		t.Fatalf("subscribe s2: %v", err)
	}

	if got := m.Stats().Producers; got != 1 {
		t.Fatalf("producers = %d, want 1 shared", got)
	}

	m1 := collect(t, s1, 3, 2*time.Second)
	m2 := collect(t, s2, 3, 2*time.Second)

	for i := 0; i < 3; i++ {
		if m1[i].Seq != m2[i].Seq {
			t.Errorf("message %d: seq %d vs %d, want identical", i, m1[i].Seq, m2[i].Seq)
		}
		if m1[i].EquipmentID != "eq_a" || m1[i].StreamType != "readings" {
			t.Errorf("message %d tagged %s/%s", i, m1[i].EquipmentID, m1[i].StreamType)
		}
		if m1[i].Data["voltage"] != 5.0 {
			t.Errorf("message %d data = %v", i, m1[i].Data)
		}
	}

	// Sequence and sampled-at are monotonic per subscription.
	for i := 1; i < 3; i++ {
		if m1[i].Seq <= m1[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", m1[i-1].Seq, m1[i].Seq)
		}
		if m1[i].SampledAt < m1[i-1].SampledAt {
			t.Errorf("sampled_at decreasing: %d then %d", m1[i-1].SampledAt, m1[i].SampledAt)
		}
	}

	// One subscriber leaving keeps the producer for the other.
	if err := m.Unsubscribe("ses_2", "eq_a", "readings"); err != nil {
		t.Fatalf("unsubscribe s2: %v", err)
	}
	if got := m.Stats().Producers; got != 1 {
		t.Errorf("producers after s2 leaves = %d, want 1", got)
	}
	collect(t, s1, 1, 2*time.Second)

	if err := m.Unsubscribe("ses_1", "eq_a", "readings"); err != nil {
		t.Fatalf("unsubscribe s1: %v", err)
	}
	if got := m.Stats().Producers; got != 0 {
		t.Errorf("producers after last leaves = %d, want 0", got)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	m, _ := newTestMux(t, Options{})

	s1, err := m.Subscribe("ses_1", "eq_a", "readings", 50)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s2, err := m.Subscribe("ses_1", "eq_a", "readings", 50)
	if err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	if s1 != s2 {
		t.Error("identical re-subscribe should return the same subscription")
	}
	st := m.Stats()
	if st.Producers != 1 || st.Subscriptions != 1 {
		t.Errorf("stats = %+v, want 1 producer / 1 subscription", st)
	}
}

func TestSubscribeReplacesOnNewInterval(t *testing.T) {
	m, _ := newTestMux(t, Options{})

	s1, err := m.Subscribe("ses_1", "eq_a", "readings", 50)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s2, err := m.Subscribe("ses_1", "eq_a", "readings", 20)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if s1 == s2 {
		t.Fatal("replacement should produce a new subscription")
	}
	if s2.IntervalMs != 20 {
		t.Errorf("interval = %d, want 20", s2.IntervalMs)
	}

	// Old subscription is torn down: its queue drains then reports done.
	done := make(chan bool, 1)
	go func() {
		for {
			if _, ok := s1.Next(); !ok {
				done <- true
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("old subscription not closed")
	}

	st := m.Stats()
	if st.Producers != 1 || st.Subscriptions != 1 {
		t.Errorf("stats = %+v, want 1/1 after replacement", st)
	}
}

func TestSampleFailureEmitsError(t *testing.T) {
	m, src := newTestMux(t, Options{})
	src.setFailing(true)

	sub, err := m.Subscribe("ses_1", "eq_a", "readings", 10)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msgs := collect(t, sub, 2, 2*time.Second)
	for _, msg := range msgs {
		if msg.Data != nil {
			t.Errorf("failed sample data = %v, want nil", msg.Data)
		}
		if msg.Error == nil || msg.Error.Kind != fault.KindInstrumentUnavailable {
			t.Errorf("failed sample error = %v", msg.Error)
		}
	}

	// Producer keeps running; recovery produces good samples again.
	src.setFailing(false)
	var good *Message
	for i := 0; i < 10; i++ {
		batch := collect(t, sub, 1, 2*time.Second)
		if batch[0].Error == nil {
			good = batch[0]
			break
		}
	}
	if good == nil {
		t.Fatal("producer did not recover after failures")
	}
	if good.Data["voltage"] != 5.0 {
		t.Errorf("recovered data = %v", good.Data)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	m, _ := newTestMux(t, Options{QueueDepth: 2})

	sub, err := m.Subscribe("ses_1", "eq_a", "readings", 10)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Let the producer outrun the idle consumer.
	time.Sleep(150 * time.Millisecond)

	if sub.Overflow() == 0 {
		t.Fatal("expected overflow on an undrained depth-2 queue")
	}

	first, ok := sub.TryNext()
	if !ok {
		t.Fatal("queue should hold messages")
	}
	if first.Seq <= 1 {
		t.Errorf("head seq = %d, want > 1 after oldest dropped", first.Seq)
	}
}

func TestParkAndResume(t *testing.T) {
	m, _ := newTestMux(t, Options{})

	if _, err := m.Subscribe("ses_1", "eq_a", "readings", 10); err != nil {
		t.Fatalf("subscribe readings: %v", err)
	}
	if _, err := m.Subscribe("ses_1", "eq_a", "waveform", 20); err != nil {
		t.Fatalf("subscribe waveform: %v", err)
	}

	if n := m.Park("ses_1"); n != 2 {
		t.Fatalf("parked = %d, want 2", n)
	}
	st := m.Stats()
	if st.Producers != 0 || st.Subscriptions != 0 || st.ParkedSessions != 1 {
		t.Fatalf("stats after park = %+v", st)
	}

	subs := m.Resume("ses_1")
	if len(subs) != 2 {
		t.Fatalf("resumed = %d, want 2", len(subs))
	}
	types := map[string]int{}
	for _, sub := range subs {
		types[sub.StreamType] = sub.IntervalMs
	}
	if types["readings"] != 10 || types["waveform"] != 20 {
		t.Errorf("resumed specs = %v", types)
	}

	// Resumed subscriptions flow again.
	collect(t, subs[0], 1, 2*time.Second)

	// A second resume has nothing parked.
	if subs := m.Resume("ses_1"); subs != nil {
		t.Errorf("second resume = %v, want nil", subs)
	}
}

func TestParkedSetExpires(t *testing.T) {
	m, _ := newTestMux(t, Options{
		ResumeGrace:     30 * time.Millisecond,
		JanitorInterval: 10 * time.Millisecond,
	})
	m.Start()
	defer m.Stop()

	if _, err := m.Subscribe("ses_1", "eq_a", "readings", 10); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := m.Park("ses_1"); n != 1 {
		t.Fatalf("parked = %d, want 1", n)
	}

	time.Sleep(100 * time.Millisecond)

	if got := m.Stats().ParkedSessions; got != 0 {
		t.Errorf("parked sessions = %d, want 0 after grace window", got)
	}
	if subs := m.Resume("ses_1"); subs != nil {
		t.Errorf("resume after expiry = %v, want nil", subs)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	m, _ := newTestMux(t, Options{})

	if _, err := m.Subscribe("ses_1", "eq_a", "readings", 50); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := m.Subscribe("ses_1", "eq_b", "readings", 50); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := m.Subscribe("ses_2", "eq_a", "readings", 50); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if n := m.UnsubscribeAll("ses_1"); n != 2 {
		t.Errorf("unsubscribed = %d, want 2", n)
	}
	st := m.Stats()
	if st.Subscriptions != 1 || st.Producers != 1 {
		t.Errorf("stats = %+v, want ses_2's producer only", st)
	}
}

func TestDropEquipment(t *testing.T) {
	m, _ := newTestMux(t, Options{})

	if _, err := m.Subscribe("ses_1", "eq_a", "readings", 50); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := m.Subscribe("ses_1", "eq_b", "readings", 50); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := m.Subscribe("ses_2", "eq_a", "waveform", 50); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	m.Park("ses_2")

	if n := m.DropEquipment("eq_a"); n != 1 {
		t.Errorf("dropped = %d live subscriptions, want 1", n)
	}
	st := m.Stats()
	if st.Subscriptions != 1 {
		t.Errorf("subscriptions = %d, want eq_b only", st.Subscriptions)
	}
	if st.ParkedSessions != 0 {
		t.Errorf("parked = %d, want 0 after equipment drop", st.ParkedSessions)
	}
}

func TestSubscribeValidation(t *testing.T) {
	m, _ := newTestMux(t, Options{})

	tests := []struct {
		name        string
		sessionID   string
		equipmentID string
		streamType  string
		intervalMs  int
		wantKind    fault.Kind
	}{
		{"missing session", "", "eq_a", "readings", 100, fault.KindBadRequest},
		{"missing equipment", "ses_1", "", "readings", 100, fault.KindBadRequest},
		{"missing type", "ses_1", "eq_a", "", 100, fault.KindBadRequest},
		{"interval too small", "ses_1", "eq_a", "readings", 5, fault.KindBadRequest},
		{"interval too large", "ses_1", "eq_a", "readings", 4000000, fault.KindBadRequest},
		{"unknown equipment", "ses_1", "eq_missing", "readings", 100, fault.KindNotFound},
		{"unknown type", "ses_1", "eq_a", "bogus", 100, fault.KindBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Subscribe(tt.sessionID, tt.equipmentID, tt.streamType, tt.intervalMs)
			if !fault.Is(err, tt.wantKind) {
				t.Errorf("err = %v, want %s", err, tt.wantKind)
			}
		})
	}

	t.Run("zero interval uses default", func(t *testing.T) {
		sub, err := m.Subscribe("ses_1", "eq_a", "readings", 0)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if sub.IntervalMs != 1000 {
			t.Errorf("interval = %d, want default 1000", sub.IntervalMs)
		}
	})
}

func TestUnsubscribeUnknown(t *testing.T) {
	m, _ := newTestMux(t, Options{})
	err := m.Unsubscribe("ses_1", "eq_a", "readings")
	if !fault.Is(err, fault.KindNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}
