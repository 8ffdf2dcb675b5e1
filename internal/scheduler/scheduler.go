// Package scheduler runs node maintenance tasks on fixed intervals.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Runner executes one named task. node.Service satisfies it and serializes
// concurrent calls.
type Runner interface {
	RunTask(ctx context.Context, name string) error
}

// Scheduler ticks each task on its own interval.
type Scheduler struct {
	runner    Runner
	intervals map[string]time.Duration
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

// New creates a Scheduler. Tasks with a non-positive interval are never run.
func New(runner Runner, intervals map[string]time.Duration) *Scheduler {
	return &Scheduler{
		runner:    runner,
		intervals: intervals,
		logger:    log.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches one worker per enabled task. Workers stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	names := make([]string, 0, len(s.intervals))
	for name := range s.intervals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		every := s.intervals[name]
		if every <= 0 {
			s.logger.Info().Str("task", name).Msg("task disabled")
			continue
		}
		s.wg.Add(1)
		go s.run(ctx, name, every)
		s.logger.Debug().Str("task", name).Dur("interval", every).Msg("task scheduled")
	}
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, name string, every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runner.RunTask(ctx, name); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("task", name).Msg("scheduled task failed")
			}
		}
	}
}
