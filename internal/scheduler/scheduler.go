package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/segtable/internal/resource"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// Priority selects the queue a task goes to.
type Priority uint8

const (
	// PriorityHigh is drained first. Used for freeze+flush tasks.
	PriorityHigh Priority = iota
	// PriorityLow runs when no high priority task is queued. Used for
	// readonly conversion.
	PriorityLow
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "low"
}

// Task is a unit of background work. ctx is cancelled when the scheduler is
// stopped without draining.
type Task func(ctx context.Context)

// Config configures a Scheduler.
type Config struct {
	// Workers is the number of worker goroutines. Defaults to 1.
	Workers int
	// Controller gates every task on a background slot. Optional.
	Controller *resource.Controller
	// Logger receives task panics. Optional.
	Logger *slog.Logger
	// OnQueueDepth is called with both queue lengths whenever they change.
	OnQueueDepth func(high, low int)
}

// Scheduler is a fixed pool of workers fed by two FIFO queues.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [2][]Task
	running int
	waiters int
	started bool
	stopped bool
	timers  map[*time.Timer]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start before tasks run.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		timers: make(map[*time.Timer]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the workers. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker()
	}
}

// Submit enqueues fn. Tasks submitted before Start wait for it.
func (s *Scheduler) Submit(p Priority, fn Task) error {
	if p > PriorityLow {
		return fmt.Errorf("scheduler: invalid priority %d", p)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queues[p] = append(s.queues[p], fn)
	high, low := len(s.queues[PriorityHigh]), len(s.queues[PriorityLow])
	s.cond.Signal()
	s.mu.Unlock()
	s.reportDepth(high, low)
	return nil
}

// SubmitAfter enqueues fn once delay has elapsed. Pending delayed tasks are
// discarded by Stop.
func (s *Scheduler) SubmitAfter(delay time.Duration, p Priority, fn Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, pending := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if pending {
			_ = s.Submit(p, fn)
		}
	})
	s.timers[t] = struct{}{}
	return nil
}

// Len returns the queued task counts.
func (s *Scheduler) Len() (high, low int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[PriorityHigh]), len(s.queues[PriorityLow])
}

// WaitIdle blocks until both queues are empty and no task is running, or ctx
// is done. Delayed tasks that have not fired yet do not count.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	s.mu.Lock()
	s.waiters++
	s.mu.Unlock()
	go func() {
		s.mu.Lock()
		for ctx.Err() == nil && ((len(s.queues[0])+len(s.queues[1]) > 0 && s.started) || s.running > 0) {
			s.cond.Wait()
		}
		s.waiters--
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return ctx.Err()
	case <-ctx.Done():
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Stop rejects new tasks, discards delayed ones, runs what is queued and
// waits for the workers to exit. With drain false queued tasks are dropped
// and running ones see a cancelled context.
func (s *Scheduler) Stop(drain bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for t := range s.timers {
		t.Stop()
	}
	clear(s.timers)
	if !drain || !s.started {
		s.queues[PriorityHigh] = nil
		s.queues[PriorityLow] = nil
		s.cancel()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
	s.reportDepth(0, 0)
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queues[PriorityHigh]) == 0 && len(s.queues[PriorityLow]) == 0 && !s.stopped {
			s.cond.Wait()
		}
		var fn Task
		for p := range s.queues {
			if len(s.queues[p]) > 0 {
				fn = s.queues[p][0]
				s.queues[p][0] = nil
				s.queues[p] = s.queues[p][1:]
				break
			}
		}
		if fn == nil {
			s.mu.Unlock()
			return
		}
		s.running++
		high, low := len(s.queues[PriorityHigh]), len(s.queues[PriorityLow])
		s.mu.Unlock()
		s.reportDepth(high, low)

		s.run(fn)

		s.mu.Lock()
		s.running--
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *Scheduler) run(fn Task) {
	if err := s.cfg.Controller.AcquireBackground(s.ctx); err != nil {
		return
	}
	defer s.cfg.Controller.ReleaseBackground()
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Error("Background task panicked", "panic", r)
		}
	}()
	fn(s.ctx)
}

func (s *Scheduler) reportDepth(high, low int) {
	if s.cfg.OnQueueDepth != nil {
		s.cfg.OnQueueDepth(high, low)
	}
}
