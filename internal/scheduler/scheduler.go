package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs registered hooks after a delay, keeping at most one
// pending trigger per hook
type Scheduler struct {
	mu      sync.Mutex
	hooks   map[string]func(ctx context.Context)
	pending map[string]*time.Timer
	stopped bool

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	logger  *zap.Logger
}

// New creates a scheduler
func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		hooks:   make(map[string]func(ctx context.Context)),
		pending: make(map[string]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("scheduler"),
	}
}

// Register binds fn to hook, replacing any previous binding
func (s *Scheduler) Register(hook string, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[hook] = fn
}

// ScheduleOnce arranges for hook to run after delay. It returns false when
// a trigger for hook is already pending, the hook is unknown, or the
// scheduler is stopped.
func (s *Scheduler) ScheduleOnce(delay time.Duration, hook string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.pending[hook]; ok {
		return false
	}
	fn, ok := s.hooks[hook]
	if !ok {
		s.logger.Warn("Scheduling unknown hook", zap.String("hook", hook))
		return false
	}

	s.running.Add(1)
	s.pending[hook] = time.AfterFunc(delay, func() {
		defer s.running.Done()

		// cleared before running so the hook may reschedule itself
		s.mu.Lock()
		delete(s.pending, hook)
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Debug("Running hook", zap.String("hook", hook))
		fn(s.ctx)
	})
	return true
}

// IsScheduled reports whether a trigger for hook is pending
func (s *Scheduler) IsScheduled(hook string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[hook]
	return ok
}

// Stop cancels pending triggers and waits for running hooks to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for hook, timer := range s.pending {
		if timer.Stop() {
			s.running.Done()
		}
		delete(s.pending, hook)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
}
