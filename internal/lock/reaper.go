package lock

import (
	"sync"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/events"
)

// Reaper expires idle locks on a fixed interval and records expiries in
// the equipment event ring.
type Reaper struct {
	arbiter   *Arbiter
	interval  time.Duration
	ring      *events.Ring
	logger    *events.EventLogger
	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewReaper creates a reaper. A non-positive interval falls back to
// config.LockReaperInterval.
func NewReaper(arbiter *Arbiter, interval time.Duration, ring *events.Ring, logger *events.EventLogger) *Reaper {
	if interval <= 0 {
		interval = config.LockReaperInterval
	}
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Reaper{
		arbiter:   arbiter,
		interval:  interval,
		ring:      ring,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine. Safe to call
// more than once.
func (r *Reaper) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stoppedCh = make(chan struct{})
	r.mu.Unlock()

	go r.run()
}

// Stop halts the sweep loop and waits for it to exit. Safe to call more
// than once.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	stoppedCh := r.stoppedCh
	r.mu.Unlock()

	<-stoppedCh
}

// IsRunning reports whether the sweep loop is active.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) run() {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep expires idle locks once and returns how many were released.
// Exposed so callers can force a pass outside the ticker.
func (r *Reaper) Sweep() int {
	now := time.Now().UnixMilli()
	expired := r.arbiter.ExpireIdle(now)
	for _, rec := range expired {
		r.logger.LogLockExpired(rec.EquipmentID, rec.SessionID, now-rec.LastActivity)
		if r.ring != nil {
			r.ring.Append(rec.EquipmentID, events.RingLockExpired, map[string]interface{}{
				"session_id": rec.SessionID,
				"mode":       string(rec.Mode),
				"timeout_s":  rec.TimeoutS,
			})
		}
	}
	return len(expired)
}
