package schedule

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// Dispatcher executes a fired job's target. Operation targets run through
// the gateway dispatch path under the system session.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job Job) error

// Dispatch executes the job target.
func (f DispatcherFunc) Dispatch(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Saver persists the job set. Wired to internal/store at composition.
type Saver interface {
	SaveJobs(jobs []*Job) error
}

// Options configures a Scheduler.
type Options struct {
	Dispatcher Dispatcher
	// Store receives the full job set after every mutation and fire.
	Store Saver
	// DispatchTimeout bounds one target invocation.
	DispatchTimeout time.Duration
	Logger          *events.EventLogger
}

func (o Options) withDefaults() Options {
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = config.DefaultOperationTimeout
	}
	if o.Logger == nil {
		o.Logger = events.NoopEventLogger()
	}
	return o
}

// heapEntry is one pending fire, ordered by fire time.
type heapEntry struct {
	jobID  string
	fireAt int64
	index  int
}

type fireHeap []*heapEntry

func (h fireHeap) Len() int           { return len(h) }
func (h fireHeap) Less(i, j int) bool { return h[i].fireAt < h[j].fireAt }
func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *fireHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *fireHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler owns job records. A single goroutine sleeps until the earliest
// deadline and fires everything due; CRUD wakes it when the head changes.
type Scheduler struct {
	opts Options

	mu      sync.Mutex
	jobs    map[string]*Job
	crons   map[string]cron.Schedule
	entries map[string]*heapEntry
	heap    fireHeap
	closed  atomic.Bool

	wakeCh chan struct{}

	lifeMu    sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewScheduler constructs an idle scheduler; call Start to begin firing.
func NewScheduler(opts Options) *Scheduler {
	return &Scheduler{
		opts:    opts.withDefaults(),
		jobs:    make(map[string]*Job),
		crons:   make(map[string]cron.Schedule),
		entries: make(map[string]*heapEntry),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Create validates and installs a new job.
func (s *Scheduler) Create(job Job) (*Job, error) {
	if s.closed.Load() {
		return nil, fault.Unavailable("scheduler is closed")
	}
	sched, err := job.normalize()
	if err != nil {
		return nil, err
	}

	now := nowMs()
	job.ID = "job_" + uuid.NewString()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.FireCount = 0
	job.LastFire = 0
	job.NextFire = job.firstFire(sched, now)

	s.mu.Lock()
	s.jobs[job.ID] = &job
	if sched != nil {
		s.crons[job.ID] = sched
	}
	if job.NextFire > 0 {
		s.pushLocked(job.ID, job.NextFire)
	}
	s.mu.Unlock()

	s.persist()
	s.wake()
	return job.Copy(), nil
}

// Update replaces a job's timetable and target. The fire count survives;
// the next fire is recomputed from now.
func (s *Scheduler) Update(id string, job Job) (*Job, error) {
	sched, err := job.normalize()
	if err != nil {
		return nil, err
	}

	now := nowMs()
	s.mu.Lock()
	existing, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fault.NotFound("unknown job %s", id)
	}
	job.ID = existing.ID
	job.CreatedAt = existing.CreatedAt
	job.FireCount = existing.FireCount
	job.LastFire = existing.LastFire
	job.UpdatedAt = now
	job.NextFire = job.firstFire(sched, now)

	s.removeLocked(id)
	delete(s.crons, id)
	s.jobs[id] = &job
	if sched != nil {
		s.crons[id] = sched
	}
	if job.NextFire > 0 {
		s.pushLocked(id, job.NextFire)
	}
	s.mu.Unlock()

	s.persist()
	s.wake()
	return job.Copy(), nil
}

// SetEnabled toggles a job. Disabled jobs keep their place in the heap and
// are skipped at fire time.
func (s *Scheduler) SetEnabled(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fault.NotFound("unknown job %s", id)
	}
	job.Enabled = enabled
	job.UpdatedAt = nowMs()
	out := job.Copy()
	s.mu.Unlock()

	s.persist()
	return out, nil
}

// Delete removes a job.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return fault.NotFound("unknown job %s", id)
	}
	delete(s.jobs, id)
	delete(s.crons, id)
	s.removeLocked(id)
	s.mu.Unlock()

	s.persist()
	s.wake()
	return nil
}

// Get returns a snapshot of one job.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fault.NotFound("unknown job %s", id)
	}
	return job.Copy(), nil
}

// List returns all jobs ordered by creation time.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Copy())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Upcoming returns the job that will fire soonest, if any.
func (s *Scheduler) Upcoming() (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return nil, false
	}
	job, ok := s.jobs[s.heap[0].jobID]
	if !ok {
		return nil, false
	}
	return job.Copy(), true
}

// Restore installs jobs loaded from disk, skipping invalid entries with a
// warning. Fires missed while down collapse into one catch-up each.
func (s *Scheduler) Restore(jobs []*Job) int {
	now := nowMs()
	installed := 0
	s.mu.Lock()
	for _, job := range jobs {
		if job == nil || job.ID == "" {
			s.opts.Logger.Logger().Warn("job_restore_skipped", "reason", "missing id")
			continue
		}
		copied := job.Copy()
		sched, err := copied.normalize()
		if err != nil {
			s.opts.Logger.Logger().Warn("job_restore_skipped", "job_id", job.ID, "error", err.Error())
			continue
		}
		if copied.NextFire == 0 && copied.Kind != KindOneShot {
			copied.NextFire = copied.firstFire(sched, now)
		}
		s.jobs[copied.ID] = copied
		if sched != nil {
			s.crons[copied.ID] = sched
		}
		if copied.NextFire > 0 {
			s.pushLocked(copied.ID, copied.NextFire)
		}
		installed++
	}
	s.mu.Unlock()
	s.wake()
	return installed
}

// Start launches the fire loop.
func (s *Scheduler) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	go s.run()
}

// Stop halts the fire loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	<-s.stoppedCh
	s.running = false
}

// IsRunning reports whether the fire loop is active.
func (s *Scheduler) IsRunning() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.running
}

// Close stops the loop and rejects new jobs.
func (s *Scheduler) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.Stop()
}

func (s *Scheduler) run() {
	defer close(s.stoppedCh)
	for {
		s.mu.Lock()
		wait := time.Duration(-1)
		if len(s.heap) > 0 {
			until := s.heap[0].fireAt - nowMs()
			if until < 0 {
				until = 0
			}
			wait = time.Duration(until) * time.Millisecond
		}
		s.mu.Unlock()

		if wait < 0 {
			// Empty heap: sleep until something is scheduled.
			select {
			case <-s.stopCh:
				return
			case <-s.wakeCh:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
		case <-timer.C:
			s.fireDue(nowMs())
		}
	}
}

// fireDue pops and handles every entry at or before now.
func (s *Scheduler) fireDue(now int64) {
	var due []*Job
	mutated := false

	s.mu.Lock()
	for len(s.heap) > 0 && s.heap[0].fireAt <= now {
		entry := heap.Pop(&s.heap).(*heapEntry)
		delete(s.entries, entry.jobID)
		job, ok := s.jobs[entry.jobID]
		if !ok {
			continue
		}
		mutated = true
		fire := job.Enabled
		if fire {
			job.LastFire = now
			job.FireCount++
		}
		job.NextFire = job.nextAfter(s.crons[job.ID], now)
		job.UpdatedAt = now
		if job.NextFire > 0 {
			s.pushLocked(job.ID, job.NextFire)
		} else if job.Kind == KindOneShot {
			job.Enabled = false
		}
		if fire {
			due = append(due, job.Copy())
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		go s.dispatch(job)
	}
	if mutated {
		s.persist()
	}
}

// dispatch invokes one target. A failure is logged and never stops the
// scheduler.
func (s *Scheduler) dispatch(job *Job) {
	label := job.Target.Operation
	if job.Target.Type == TargetAlarmCheck {
		label = TargetAlarmCheck
	}
	if s.opts.Dispatcher == nil {
		s.opts.Logger.LogJobFired(job.ID, label, "no_dispatcher")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DispatchTimeout)
	defer cancel()
	if err := s.opts.Dispatcher.Dispatch(ctx, *job); err != nil {
		s.opts.Logger.LogJobFired(job.ID, label, "failed")
		s.opts.Logger.Logger().Warn("job_dispatch_failed", "job_id", job.ID, "error", err.Error())
		return
	}
	s.opts.Logger.LogJobFired(job.ID, label, "ok")
}

func (s *Scheduler) pushLocked(jobID string, fireAt int64) {
	e := &heapEntry{jobID: jobID, fireAt: fireAt}
	s.entries[jobID] = e
	heap.Push(&s.heap, e)
}

func (s *Scheduler) removeLocked(jobID string) {
	if e, ok := s.entries[jobID]; ok && e.index >= 0 {
		heap.Remove(&s.heap, e.index)
	}
	delete(s.entries, jobID)
}

// persist snapshots the job set to the configured store. Failures are
// logged; the in-memory scheduler stays authoritative.
func (s *Scheduler) persist() {
	if s.opts.Store == nil {
		return
	}
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Copy())
	}
	s.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt < jobs[j].CreatedAt })
	if err := s.opts.Store.SaveJobs(jobs); err != nil {
		s.opts.Logger.Logger().Warn("schedule_persist_failed", "error", err.Error())
	}
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
