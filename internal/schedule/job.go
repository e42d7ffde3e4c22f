// Package schedule fires instrument operations and alarm checks on
// one-shot, fixed-interval, and cron timetables.
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// JobKind selects the timetable type.
type JobKind string

const (
	KindOneShot  JobKind = "one_shot"
	KindInterval JobKind = "interval"
	KindCron     JobKind = "cron"
)

// Target types.
const (
	TargetOperation  = "operation"
	TargetAlarmCheck = "alarm_check"
)

// Target is what a job does when it fires: either an instrument operation
// dispatched under the system session, or an alarm evaluation pass.
type Target struct {
	Type        string                 `json:"type"`
	EquipmentID string                 `json:"equipment_id,omitempty"`
	Operation   string                 `json:"operation,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	AlarmID     string                 `json:"alarm_id,omitempty"`
}

// Job is a persisted schedule entry. Exactly one of AtMs, EveryMs, Expr is
// meaningful, selected by Kind.
type Job struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Kind      JobKind `json:"kind"`
	AtMs      int64   `json:"at_ms,omitempty"`
	EveryMs   int64   `json:"every_ms,omitempty"`
	Expr      string  `json:"expr,omitempty"`
	Target    Target  `json:"target"`
	Enabled   bool    `json:"enabled"`
	NextFire  int64   `json:"next_fire_ms,omitempty"`
	LastFire  int64   `json:"last_fire_ms,omitempty"`
	FireCount int64   `json:"fire_count"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// Copy returns an independent snapshot.
func (j *Job) Copy() *Job {
	out := *j
	if j.Target.Params != nil {
		params := make(map[string]interface{}, len(j.Target.Params))
		for k, v := range j.Target.Params {
			params[k] = v
		}
		out.Target.Params = params
	}
	return &out
}

// normalize validates a job in place and parses its cron expression.
// The returned schedule is non-nil only for cron jobs.
func (j *Job) normalize() (cron.Schedule, error) {
	if err := j.validateTarget(); err != nil {
		return nil, err
	}
	switch j.Kind {
	case KindOneShot:
		if j.AtMs <= 0 {
			return nil, fault.BadRequest("one_shot job requires at_ms")
		}
		j.EveryMs, j.Expr = 0, ""
		return nil, nil
	case KindInterval:
		if j.EveryMs <= 0 {
			return nil, fault.BadRequest("interval job requires a positive every_ms")
		}
		if j.EveryMs < MinIntervalMs {
			return nil, fault.BadRequest("interval %dms below minimum %dms", j.EveryMs, MinIntervalMs)
		}
		j.Expr = ""
		return nil, nil
	case KindCron:
		expr := strings.TrimSpace(j.Expr)
		if expr == "" {
			return nil, fault.BadRequest("cron job requires an expression")
		}
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fault.BadRequest("invalid cron expression %q: %v", expr, err)
		}
		j.Expr = expr
		j.AtMs, j.EveryMs = 0, 0
		return sched, nil
	default:
		return nil, fault.BadRequest("unknown job kind %q", j.Kind)
	}
}

func (j *Job) validateTarget() error {
	switch j.Target.Type {
	case TargetOperation:
		if j.Target.EquipmentID == "" {
			return fault.BadRequest("operation target requires equipment_id")
		}
		if j.Target.Operation == "" {
			return fault.BadRequest("operation target requires an operation name")
		}
	case TargetAlarmCheck:
	default:
		return fault.BadRequest("unknown target type %q", j.Target.Type)
	}
	return nil
}

// MinIntervalMs is the floor for interval jobs.
const MinIntervalMs = 100

// nextAfter computes the fire time following a fire at fromMs. A late
// schedule collapses every missed occurrence into the single invocation
// that just ran: the next fire always lands in the future.
func (j *Job) nextAfter(sched cron.Schedule, fromMs int64) int64 {
	switch j.Kind {
	case KindOneShot:
		return 0
	case KindInterval:
		next := j.NextFire + j.EveryMs
		if next <= fromMs {
			next = fromMs + j.EveryMs
		}
		return next
	case KindCron:
		if sched == nil {
			return 0
		}
		return sched.Next(time.UnixMilli(fromMs)).UnixMilli()
	}
	return 0
}

// firstFire computes the initial fire time at creation or restore.
func (j *Job) firstFire(sched cron.Schedule, nowMs int64) int64 {
	switch j.Kind {
	case KindOneShot:
		// A past instant fires immediately, once.
		return j.AtMs
	case KindInterval:
		if j.AtMs > 0 {
			return j.AtMs
		}
		return nowMs + j.EveryMs
	case KindCron:
		if sched == nil {
			return 0
		}
		return sched.Next(time.UnixMilli(nowMs)).UnixMilli()
	}
	return 0
}
