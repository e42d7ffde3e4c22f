package schedule

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

func opTarget() Target {
	return Target{Type: TargetOperation, EquipmentID: "eq_a", Operation: "get_readings"}
}

func TestJobNormalize(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		ok   bool
	}{
		{"one_shot valid", Job{Kind: KindOneShot, AtMs: 1000, Target: opTarget()}, true},
		{"one_shot missing at", Job{Kind: KindOneShot, Target: opTarget()}, false},
		{"interval valid", Job{Kind: KindInterval, EveryMs: 60000, Target: opTarget()}, true},
		{"interval zero", Job{Kind: KindInterval, Target: opTarget()}, false},
		{"interval below minimum", Job{Kind: KindInterval, EveryMs: 50, Target: opTarget()}, false},
		{"cron valid", Job{Kind: KindCron, Expr: "*/5 * * * *", Target: opTarget()}, true},
		{"cron empty", Job{Kind: KindCron, Target: opTarget()}, false},
		{"cron malformed", Job{Kind: KindCron, Expr: "not cron", Target: opTarget()}, false},
		{"unknown kind", Job{Kind: "yearly", AtMs: 1000, Target: opTarget()}, false},
		{"operation missing equipment", Job{Kind: KindOneShot, AtMs: 1000,
			Target: Target{Type: TargetOperation, Operation: "get_readings"}}, false},
		{"operation missing name", Job{Kind: KindOneShot, AtMs: 1000,
			Target: Target{Type: TargetOperation, EquipmentID: "eq_a"}}, false},
		{"alarm_check target", Job{Kind: KindOneShot, AtMs: 1000,
			Target: Target{Type: TargetAlarmCheck}}, true},
		{"unknown target", Job{Kind: KindOneShot, AtMs: 1000,
			Target: Target{Type: "webhook"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.job.normalize()
			if tt.ok && err != nil {
				t.Errorf("normalize: %v", err)
			}
			if !tt.ok && !fault.Is(err, fault.KindBadRequest) {
				t.Errorf("normalize err = %v, want bad_request", err)
			}
		})
	}

	t.Run("cron returns schedule", func(t *testing.T) {
		job := Job{Kind: KindCron, Expr: "  */5 * * * *  ", Target: opTarget()}
		sched, err := job.normalize()
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if sched == nil {
			t.Fatal("cron job returned nil schedule")
		}
		if job.Expr != "*/5 * * * *" {
			t.Errorf("expr = %q, want trimmed", job.Expr)
		}
	})
}

func TestNextAfterInterval(t *testing.T) {
	base := int64(1_700_000_000_000)
	job := Job{Kind: KindInterval, EveryMs: 60000, NextFire: base}

	t.Run("on time", func(t *testing.T) {
		if got := job.nextAfter(nil, base); got != base+60000 {
			t.Errorf("nextAfter = %d, want %d", got, base+60000)
		}
	})

	t.Run("missed fires collapse", func(t *testing.T) {
		// Five minutes late: the catch-up just ran; next lands in the future.
		late := base + 300000
		if got := job.nextAfter(nil, late); got != late+60000 {
			t.Errorf("nextAfter = %d, want %d", got, late+60000)
		}
	})
}

func TestNextAfterCron(t *testing.T) {
	sched, err := cron.ParseStandard("*/1 * * * *")
	if err != nil {
		t.Fatalf("ParseStandard: %v", err)
	}
	job := Job{Kind: KindCron, Expr: "*/1 * * * *"}

	from := int64(1_700_000_000_000) // mid-minute
	n1 := job.nextAfter(sched, from)
	if n1 <= from {
		t.Fatalf("next fire %d not after %d", n1, from)
	}
	if n1%60000 != 0 {
		t.Errorf("next fire %d not on a minute boundary", n1)
	}
	n2 := job.nextAfter(sched, n1)
	if n2-n1 != 60000 {
		t.Errorf("fire spacing = %dms, want 60000", n2-n1)
	}
}

func TestFirstFire(t *testing.T) {
	now := int64(1_700_000_000_000)

	t.Run("one_shot uses instant", func(t *testing.T) {
		job := Job{Kind: KindOneShot, AtMs: now + 5000}
		if got := job.firstFire(nil, now); got != now+5000 {
			t.Errorf("firstFire = %d, want %d", got, now+5000)
		}
	})

	t.Run("one_shot in the past still fires", func(t *testing.T) {
		job := Job{Kind: KindOneShot, AtMs: now - 5000}
		if got := job.firstFire(nil, now); got != now-5000 {
			t.Errorf("firstFire = %d, want the past instant", got)
		}
	})

	t.Run("interval defaults to now plus period", func(t *testing.T) {
		job := Job{Kind: KindInterval, EveryMs: 1000}
		if got := job.firstFire(nil, now); got != now+1000 {
			t.Errorf("firstFire = %d, want %d", got, now+1000)
		}
	})

	t.Run("interval honours explicit start", func(t *testing.T) {
		job := Job{Kind: KindInterval, EveryMs: 1000, AtMs: now + 9000}
		if got := job.firstFire(nil, now); got != now+9000 {
			t.Errorf("firstFire = %d, want %d", got, now+9000)
		}
	})

	t.Run("cron next boundary", func(t *testing.T) {
		sched, err := cron.ParseStandard("*/1 * * * *")
		if err != nil {
			t.Fatalf("ParseStandard: %v", err)
		}
		job := Job{Kind: KindCron}
		got := job.firstFire(sched, now)
		want := sched.Next(time.UnixMilli(now)).UnixMilli()
		if got != want {
			t.Errorf("firstFire = %d, want %d", got, want)
		}
	})
}
