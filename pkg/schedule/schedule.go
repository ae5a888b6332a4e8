package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/turnpike/pkg/logger"
)

// Job is a named unit of maintenance work fired on a cron expression.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Scheduler checks its jobs once a minute and runs the ones whose
// expression is due. Jobs run sequentially; one slow job delays the
// others rather than overlapping them.
type Scheduler struct {
	jobs []Job
	gron *gronx.Gronx

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	loop    chan struct{}
}

func New() *Scheduler {
	return &Scheduler{
		gron: gronx.New(),
		done: make(chan struct{}),
		loop: make(chan struct{}),
	}
}

// Add registers a job. Invalid expressions are rejected up front so a
// typo surfaces at startup, not silently at runtime.
func (s *Scheduler) Add(job Job) bool {
	if !s.gron.IsValid(job.Expr) {
		logger.WarnCF("SCHEDULE", "rejecting job with invalid cron expression", map[string]interface{}{
			"job":  job.Name,
			"expr": job.Expr,
		})
		return false
	}
	s.jobs = append(s.jobs, job)
	return true
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.loop)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	<-s.loop
}

func (s *Scheduler) runDue(ctx context.Context) {
	for _, job := range s.jobs {
		due, err := s.gron.IsDue(job.Expr, time.Now())
		if err != nil || !due {
			continue
		}

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			logger.ErrorCF("SCHEDULE", "scheduled job failed", map[string]interface{}{
				"job":   job.Name,
				"error": err.Error(),
			})
			continue
		}
		logger.DebugCF("SCHEDULE", "scheduled job finished", map[string]interface{}{
			"job":      job.Name,
			"duration": time.Since(start).String(),
		})
	}
}
