// Package scheduler holds pending suite executions in a FIFO queue and binds
// each to a free runner slot, bounding concurrency at the number of slots.
// Queue depth itself is unbounded: suite count is known upfront and a queued
// task is just a descriptor plus a handle, so bounding concurrency is the
// backpressure mechanism.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testwire/testwire/lifecycle"
	"github.com/testwire/testwire/types"
)

// ErrCancelled rejects tasks that were still queued when the run was bailed.
var ErrCancelled = fmt.Errorf("scheduler: run cancelled")

// Task is one unit of schedulable work: a suite execution, optionally pinned
// to a specific runner instance.
type Task struct {
	Suite types.Suite
	Args  types.RunArgs
	// RunnerID pins the task to one runner instance. Empty means any free
	// slot is acceptable.
	RunnerID string
}

// Handle is the caller-visible side of a submitted task. It settles exactly
// once, no matter how many timeouts or failures occur inside the lifecycle.
type Handle struct {
	once    sync.Once
	done    chan struct{}
	outcome lifecycle.Outcome
	err     error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) settle(outcome lifecycle.Outcome, err error) {
	h.once.Do(func() {
		h.outcome = outcome
		h.err = err
		close(h.done)
	})
}

// Done is closed once the handle has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task settles or ctx expires. The returned error is
// the task's rejection; a resolved task returns its outcome and nil.
func (h *Handle) Wait(ctx context.Context) (lifecycle.Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.err
	case <-ctx.Done():
		return lifecycle.Outcome{}, ctx.Err()
	}
}

// queuedTask pairs a task with the context it was submitted under.
type queuedTask struct {
	ctx    context.Context
	task   Task
	handle *Handle
}

// Scheduler owns the runner slot pool. Slot acquisition and release are
// serialized under one mutex so two tasks never bind the same free slot.
type Scheduler struct {
	sink lifecycle.Sink
	log  log.Logger

	mu        sync.Mutex
	queue     []*queuedTask
	freeSlots map[string]lifecycle.Runner
	inflight  map[string]context.CancelFunc // keyed by slot ID
	cancelled bool

	wg sync.WaitGroup
}

// Config for a Scheduler.
type Config struct {
	// Slots is the pool of runner instances; its length is the concurrency
	// bound.
	Slots []lifecycle.Runner
	// Sink receives every decoded packet from every lifecycle run.
	Sink lifecycle.Sink
	Log  log.Logger
}

// New validates the pool and builds a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if len(cfg.Slots) == 0 {
		return nil, fmt.Errorf("at least one runner slot is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}

	free := make(map[string]lifecycle.Runner, len(cfg.Slots))
	for _, slot := range cfg.Slots {
		if slot == nil {
			return nil, fmt.Errorf("runner slot cannot be nil")
		}
		if _, exists := free[slot.ID()]; exists {
			return nil, fmt.Errorf("duplicate runner slot ID %q", slot.ID())
		}
		free[slot.ID()] = slot
	}

	return &Scheduler{
		sink:      cfg.Sink,
		log:       cfg.Log.New("component", "scheduler"),
		freeSlots: free,
		inflight:  make(map[string]context.CancelFunc),
	}, nil
}

// Submit enqueues a suite execution and returns its handle. Submit never
// blocks; excess tasks wait in arrival order until a slot frees up.
func (s *Scheduler) Submit(ctx context.Context, task Task) *Handle {
	handle := newHandle()

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		handle.settle(lifecycle.Outcome{SuiteID: task.Suite.ID}, ErrCancelled)
		return handle
	}
	s.queue = append(s.queue, &queuedTask{ctx: ctx, task: task, handle: handle})
	s.mu.Unlock()

	s.pump()
	return handle
}

// pump binds eligible queued tasks to free slots. Strict FIFO among eligible
// tasks: a pinned task whose slot is busy does not block later unpinned
// tasks, but keeps its place in line.
func (s *Scheduler) pump() {
	for {
		s.mu.Lock()
		if s.cancelled || len(s.queue) == 0 || len(s.freeSlots) == 0 {
			s.mu.Unlock()
			return
		}

		idx, slot := s.nextEligible()
		if idx < 0 {
			s.mu.Unlock()
			return
		}

		qt := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		delete(s.freeSlots, slot.ID())

		runCtx, cancel := context.WithCancel(qt.ctx)
		s.inflight[slot.ID()] = cancel

		s.wg.Add(1)
		go s.run(runCtx, slot, qt)
		s.mu.Unlock()
	}
}

// nextEligible returns the first queued task that can run now, with the slot
// it should bind to. Caller holds s.mu.
func (s *Scheduler) nextEligible() (int, lifecycle.Runner) {
	for idx, qt := range s.queue {
		if qt.task.RunnerID == "" {
			for _, slot := range s.freeSlots {
				return idx, slot
			}
			continue
		}
		if slot, ok := s.freeSlots[qt.task.RunnerID]; ok {
			return idx, slot
		}
	}
	return -1, nil
}

// run executes one lifecycle cycle on a bound slot, settles the handle, and
// returns the slot to the pool.
func (s *Scheduler) run(ctx context.Context, slot lifecycle.Runner, qt *queuedTask) {
	defer s.wg.Done()
	defer s.release(slot)

	s.log.Debug("Task bound to slot", "suite", qt.task.Suite.ID, "slot", slot.ID())

	inst, err := lifecycle.NewInstance(slot, s.sink, s.log)
	if err != nil {
		qt.handle.settle(lifecycle.Outcome{SuiteID: qt.task.Suite.ID, RunnerID: slot.ID()}, err)
		return
	}

	outcome := inst.Run(ctx, qt.task.Suite, qt.task.Args)
	qt.handle.settle(outcome, outcome.Err)
}

func (s *Scheduler) release(slot lifecycle.Runner) {
	s.mu.Lock()
	delete(s.inflight, slot.ID())
	if !s.cancelled {
		s.freeSlots[slot.ID()] = slot
	}
	s.mu.Unlock()

	s.pump()
}

// Cancel bails the run: queued tasks are rejected with ErrCancelled, no
// further tasks are popped, and in-flight lifecycles are told to tear down.
// Already-settled handles are unaffected.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	pending := s.queue
	s.queue = nil
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, cancel := range s.inflight {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	s.log.Info("Run cancelled", "pendingTasks", len(pending), "inflight", len(cancels))
	for _, qt := range pending {
		qt.handle.settle(lifecycle.Outcome{SuiteID: qt.task.Suite.ID}, ErrCancelled)
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// Wait blocks until every bound task has finished, or ctx expires. Tasks
// still queued are not waited for; callers wait on their handles. When ctx
// expires first, the waiter goroutine stays parked until the last in-flight
// lifecycle returns.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports the number of tasks still waiting for a slot.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
