package portal

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs proxy forwarding tasks next to the dispatcher loop. It is
// only used from the dispatcher goroutine; the tasks themselves never touch
// dispatcher state.
type Scheduler struct {
	ctx    context.Context
	group  errgroup.Group
	closed bool
}

func newScheduler(ctx context.Context, limit int) *Scheduler {
	s := &Scheduler{ctx: ctx}
	if limit > 0 {
		s.group.SetLimit(limit)
	}
	return s
}

// Schedule starts task without blocking. The caller turns a rejection into a
// failure reply.
func (s *Scheduler) Schedule(task func(ctx context.Context)) error {
	if s.closed {
		return ErrSchedulerClosed
	}
	if !s.group.TryGo(func() error {
		task(s.ctx)
		return nil
	}) {
		return ErrSchedulerFull
	}
	return nil
}

// Close rejects new tasks and waits for the running ones.
func (s *Scheduler) Close() {
	s.closed = true
	_ = s.group.Wait()
}
