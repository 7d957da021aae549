package main

import (
	"context"

	"github.com/remeh/sizedwaitgroup"
)

// renderScheduler bounds how many external compiles run at once. Each job
// carries its own session id, so concurrent jobs never touch the same
// files on disk.
type renderScheduler struct {
	swg sizedwaitgroup.SizedWaitGroup
}

func newRenderScheduler(slots int) *renderScheduler {
	if slots <= 0 {
		slots = 2
	}
	return &renderScheduler{swg: sizedwaitgroup.New(slots)}
}

// Submit runs job on its own goroutine once a slot frees up. AddWithContext
// lets a shutting-down service stop queueing instead of blocking forever.
func (s *renderScheduler) Submit(ctx context.Context, job func()) error {
	if err := s.swg.AddWithContext(ctx); err != nil {
		return err
	}
	go func() {
		defer s.swg.Done()
		job()
	}()
	return nil
}

// Wait blocks until every submitted job has finished.
func (s *renderScheduler) Wait() {
	s.swg.Wait()
}
