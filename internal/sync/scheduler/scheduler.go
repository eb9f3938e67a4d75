// Package scheduler triggers periodic drains of the pending operation queue.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kimhsiao/tripplanner/internal/logging"
)

// DefaultInterval is the periodic drain interval.
const DefaultInterval = 30 * time.Second

// Job is run on every tick and on TriggerNow.
type Job func(ctx context.Context)

// Scheduler runs a Job on a fixed "@every" cron schedule.
type Scheduler struct {
	interval time.Duration
	job      Job

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Scheduler. A non-positive interval uses DefaultInterval.
func New(interval time.Duration, job Job) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{interval: interval, job: job}
}

// Interval returns the tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start begins ticking. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	logger := cronLogger{}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.run(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule drain every %s: %w", s.interval, err)
	}

	c.Start()
	s.cron = c
	s.ctx = runCtx
	s.cancel = cancel
	s.running = true

	logging.Info("Sync scheduler started", map[string]interface{}{"interval": s.interval.String()})
	return nil
}

// Stop halts ticking and waits for in-flight jobs, scheduled or
// triggered, to return before cancelling their context. Callers wanting
// a prompt stop cancel the context passed to Start first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	<-c.Stop().Done()
	s.wg.Wait()
	cancel()

	logging.Info("Sync scheduler stopped")
}

// TriggerNow runs the job once in the background, outside the schedule.
// A triggered job always runs, even when Stop follows immediately. It
// returns false when the scheduler is not running.
func (s *Scheduler) TriggerNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.job(ctx)
	}()
	return true
}

// Wait blocks until every job started by TriggerNow so far has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.job(ctx)
}

// cronLogger routes cron's internal logging through the structured logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("cron: "+msg, kv(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("cron: "+msg, err, kv(keysAndValues))
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	if len(keysAndValues) == 0 {
		return nil
	}
	ctx := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ctx[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return ctx
}
