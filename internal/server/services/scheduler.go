package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/logging"
)

// Job is one unit of periodic work. It should return promptly once ctx is
// cancelled.
type Job func(ctx context.Context) error

type SchedulerStatus struct {
	Name             string
	Enabled          bool
	Running          bool
	Interval         time.Duration
	Runs             int
	Skipped          int
	LastRun          time.Time
	LastRunDuration  time.Duration
	LastError        string
	NextScheduledRun time.Time
}

// Scheduler runs a job on a ticker. A tick or RunNow that arrives while
// the job is still running is skipped rather than queued.
type Scheduler struct {
	name   string
	job    Job
	logger logging.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *time.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	status  SchedulerStatus
}

func NewScheduler(name string, interval time.Duration, job Job, logger logging.Logger) *Scheduler {
	return &Scheduler{
		name:   name,
		job:    job,
		logger: logger.With("job", name),
		status: SchedulerStatus{Name: name, Interval: interval},
	}
}

// Start begins ticking. Jobs run with a context derived from ctx, so
// cancelling ctx or calling Cancel aborts a run in flight. Starting a
// started scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return nil
	}
	if s.status.Interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.status.Interval)
	s.done = make(chan struct{})
	s.status.Enabled = true
	s.status.NextScheduledRun = time.Now().Add(s.status.Interval)

	go s.loop(s.ctx, s.ticker, s.done)

	s.logger.Info(ctx, "scheduler started", "interval", s.status.Interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker *time.Ticker, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.status.NextScheduledRun = time.Now().Add(s.status.Interval)
			s.wg.Add(1)
			s.mu.Unlock()
			s.run(ctx)
		case <-ctx.Done():
			ticker.Stop()
			return
		}
	}
}

// Reset changes the interval. The next tick comes d from now.
func (s *Scheduler) Reset(d time.Duration) error {
	if d <= 0 {
		return errors.New("scheduler interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.Interval = d
	if s.ticker != nil {
		s.ticker.Reset(d)
		s.status.NextScheduledRun = time.Now().Add(d)
	}
	return nil
}

// Cancel stops the ticker, aborts a run in flight and waits for it to
// return. The scheduler may be started again afterwards.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.ticker = nil
	s.status.Enabled = false
	s.status.NextScheduledRun = time.Time{}
	s.mu.Unlock()

	cancel()
	<-done
	s.wg.Wait()

	s.logger.Info(context.Background(), "scheduler stopped")
}

// RunNow triggers a run outside the ticker. It reports false when the
// scheduler is not started.
func (s *Scheduler) RunNow() bool {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return false
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx)
	return true
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// run must be preceded by wg.Add(1).
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.mu.Lock()
	if s.running {
		s.status.Skipped++
		s.mu.Unlock()
		s.logger.Debug(ctx, "previous run still in progress, skipping")
		return
	}
	s.running = true
	s.status.Running = true
	s.mu.Unlock()

	start := time.Now()
	err := s.job(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.running = false
	s.status.Running = false
	s.status.Runs++
	s.status.LastRun = start
	s.status.LastRunDuration = elapsed
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error(ctx, "scheduled job failed", "error", err, "duration", elapsed.String())
	}
}
