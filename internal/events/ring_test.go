package events

import (
	"fmt"
	"testing"
)

func TestRingAppendAndEvents(t *testing.T) {
	r := NewRing(10)

	ev := r.Append("eq_aaa", RingLockExpired, map[string]interface{}{"session_id": "ses_1"})
	if ev.EventID == "" {
		t.Fatal("expected generated event id")
	}
	if ev.TimestampMs == 0 {
		t.Fatal("expected timestamp")
	}

	got := r.Events("eq_aaa")
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if got[0].Type != RingLockExpired {
		t.Errorf("type = %q, want %q", got[0].Type, RingLockExpired)
	}
	if got[0].Details["session_id"] != "ses_1" {
		t.Errorf("details = %v", got[0].Details)
	}

	if got := r.Events("eq_unknown"); len(got) != 0 {
		t.Errorf("unknown equipment events = %d, want 0", len(got))
	}
}

func TestRingEvictsOldestAtCapacity(t *testing.T) {
	r := NewRing(3)

	for i := 0; i < 5; i++ {
		r.Append("eq_bbb", RingHealthDegraded, map[string]interface{}{"n": i})
	}

	got := r.Events("eq_bbb")
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	// Oldest two were evicted; entries 2, 3, 4 remain in order.
	for i, ev := range got {
		if ev.Details["n"] != i+2 {
			t.Errorf("event %d: n = %v, want %d", i, ev.Details["n"], i+2)
		}
	}
}

func TestRingIsolatesEquipment(t *testing.T) {
	r := NewRing(5)
	r.Append("eq_a", RingConnected, nil)
	r.Append("eq_b", RingConnected, nil)
	r.Append("eq_b", RingDisconnected, nil)

	if n := r.Len("eq_a"); n != 1 {
		t.Errorf("eq_a len = %d, want 1", n)
	}
	if n := r.Len("eq_b"); n != 2 {
		t.Errorf("eq_b len = %d, want 2", n)
	}
}

func TestRingEventIDsUnique(t *testing.T) {
	r := NewRing(100)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ev := r.Append("eq_c", RingConnected, map[string]interface{}{"i": fmt.Sprint(i)})
		if seen[ev.EventID] {
			t.Fatalf("duplicate event id %q", ev.EventID)
		}
		seen[ev.EventID] = true
	}
}
