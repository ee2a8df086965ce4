// Package dpc runs deferred procedures: short, non-blocking routines queued
// from event callbacks and executed on a shared worker pool. A procedure is
// queued at most once at a time and never runs concurrently with itself.
package dpc

import (
	"sync"
	"sync/atomic"

	"github.com/alitto/pond"

	"github.com/ehrlich-b/go-xencons/internal/constants"
)

// Scheduler owns the worker pool that procedures run on
type Scheduler struct {
	pool *pond.WorkerPool

	mu      sync.RWMutex
	stopped bool
}

// NewScheduler creates a scheduler with the given worker count and task
// buffer. Non-positive values fall back to the defaults.
func NewScheduler(workers, capacity int) *Scheduler {
	if workers <= 0 {
		workers = constants.DefaultDpcWorkers
	}
	if capacity <= 0 {
		capacity = constants.DefaultDpcCapacity
	}
	return &Scheduler{
		pool: pond.New(workers, capacity),
	}
}

// Stop waits for running procedures and refuses new ones
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.pool.StopAndWait()
}

func (s *Scheduler) submit(task func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	return s.pool.TrySubmit(task)
}

// Dpc is one deferred procedure
type Dpc struct {
	sched   *Scheduler
	routine func()

	queued atomic.Bool
	run    sync.Mutex

	mu      sync.Mutex
	idle    *sync.Cond
	pending int

	runs atomic.Uint64
}

// New binds routine to the scheduler
func (s *Scheduler) New(routine func()) *Dpc {
	d := &Dpc{sched: s, routine: routine}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Insert queues the procedure. It returns false when the procedure was
// already queued and has not started yet, or when the scheduler is stopped.
func (d *Dpc) Insert() bool {
	if !d.queued.CompareAndSwap(false, true) {
		return false
	}

	d.hold()
	if !d.sched.submit(d.execute) {
		d.queued.Store(false)
		d.unhold()
		return false
	}
	return true
}

func (d *Dpc) hold() {
	d.mu.Lock()
	d.pending++
	d.mu.Unlock()
}

func (d *Dpc) unhold() {
	d.mu.Lock()
	d.pending--
	if d.pending == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}

func (d *Dpc) execute() {
	defer d.unhold()

	d.run.Lock()
	defer d.run.Unlock()

	// Cleared before running so an event during the routine queues it again
	d.queued.Store(false)
	d.runs.Add(1)
	d.routine()
}

// Flush waits until every queued or running instance has finished
func (d *Dpc) Flush() {
	d.mu.Lock()
	for d.pending > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Queued reports whether an instance is waiting to run
func (d *Dpc) Queued() bool {
	return d.queued.Load()
}

// Runs returns how many times the routine has executed
func (d *Dpc) Runs() uint64 {
	return d.runs.Load()
}
