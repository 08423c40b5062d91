// Package scheduler runs periodic background jobs such as the knowledge gap scan.
//
// Jobs are scheduled with cron expressions; the parser also accepts
// descriptors like "@daily" and "@every 6h".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultGapScanSchedule runs the knowledge gap scan once a day at 03:00.
const DefaultGapScanSchedule = "0 3 * * *"

// Job is a unit of scheduled work. The context is cancelled on Stop.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running map[string]bool
}

// NewScheduler creates a scheduler. Call Start to begin running jobs.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogCronLogger{}
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(logger)), cron.WithLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, running: make(map[string]bool)}
}

// AddJob schedules a named job using the provided cron expression.
// It returns an error if the expression is invalid. A run that is still in
// progress when the next tick fires causes that tick to be skipped.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Debug("Scheduler.AddJob", "job", name, "schedule", expr)
	return nil
}

// RunNow executes a job immediately with the same overlap protection as scheduled runs.
func (s *Scheduler) RunNow(name string, job Job) {
	s.run(name, job)
}

func (s *Scheduler) run(name string, job Job) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		slog.Warn("Scheduler.run: previous run still in progress, skipping", "job", name)
		return
	}
	s.running[name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	if err := job(s.ctx); err != nil {
		slog.Error("Scheduler.run: job failed", "job", name, "error", err)
		return
	}
	slog.Debug("Scheduler.run: job finished", "job", name)
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// slogCronLogger adapts cron's logger interface to slog.
type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
