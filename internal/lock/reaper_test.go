package lock

import (
	"testing"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/events"
)

func TestReaperStartStop(t *testing.T) {
	a := newTestArbiter()
	r := NewReaper(a, 10*time.Millisecond, nil, nil)

	if r.IsRunning() {
		t.Error("reaper should not run before Start")
	}
	r.Start()
	if !r.IsRunning() {
		t.Error("reaper should run after Start")
	}
	r.Start() // second Start is a no-op
	r.Stop()
	if r.IsRunning() {
		t.Error("reaper should stop after Stop")
	}
	r.Stop() // second Stop is a no-op
}

func TestReaperDefaults(t *testing.T) {
	a := newTestArbiter()
	r := NewReaper(a, 0, nil, nil)
	if r.interval <= 0 {
		t.Errorf("interval = %v, want positive default", r.interval)
	}
	if r.logger == nil {
		t.Error("logger should default to noop")
	}
}

func TestReaperSweepExpiresIdleLock(t *testing.T) {
	ring := events.NewRing(10)
	a := newTestArbiter()
	r := NewReaper(a, time.Hour, ring, nil)

	if _, err := a.Acquire("eq_1", "ses_a", ModeExclusive, 1, false); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := a.Acquire("eq_2", "ses_b", ModeExclusive, 0, false); err != nil {
		t.Fatalf("acquire immortal: %v", err)
	}

	if n := r.Sweep(); n != 0 {
		t.Fatalf("fresh lock expired: %d", n)
	}

	time.Sleep(1100 * time.Millisecond)

	if n := r.Sweep(); n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if a.CanControl("eq_1", "ses_a") {
		t.Error("expired lock should be released")
	}
	if !a.CanControl("eq_2", "ses_b") {
		t.Error("zero-timeout lock must never expire")
	}

	ringEvents := ring.Events("eq_1")
	if len(ringEvents) != 1 {
		t.Fatalf("ring events = %d, want 1", len(ringEvents))
	}
	if ringEvents[0].Type != events.RingLockExpired {
		t.Errorf("ring event type = %q, want %q", ringEvents[0].Type, events.RingLockExpired)
	}
	if ringEvents[0].Details["session_id"] != "ses_a" {
		t.Errorf("ring event details = %v", ringEvents[0].Details)
	}
}
