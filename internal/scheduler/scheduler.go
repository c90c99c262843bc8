// Package scheduler runs the periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/metrics"
)

// DefaultJobTimeout bounds a single run when the job sets none.
const DefaultJobTimeout = time.Minute

// ErrUnknownJob is returned by RunNow for an unregistered name.
var ErrUnknownJob = errors.New("unknown job")

// Job is a named unit of periodic work.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler owns a cron instance and the jobs registered on it.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	log     *logging.Logger
	jobs    map[string]Job
	order   []string
	base    context.Context
	cancel  context.CancelFunc
	running bool
	stopped bool
}

// New creates a stopped scheduler.
func New(log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NewNop()
	}
	adapter := cronLogger{log: log}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		log:    log,
		jobs:   make(map[string]Job),
		base:   base,
		cancel: cancel,
	}
}

// Add registers job. An empty spec leaves the job disabled and is not an
// error.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	if job.Spec == "" {
		s.log.WithField("job", job.Name).Info("job disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: job %s already registered", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { _ = s.execute(s.base, job) }); err != nil {
		return fmt.Errorf("scheduler: job %s spec %q: %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = job
	s.order = append(s.order, job.Name)
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start begins running jobs on their schedules. It does nothing once the
// scheduler has been stopped.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.running = true
	s.cron.Start()
	s.log.WithField("jobs", len(s.order)).Info("scheduler started")
}

// Stop halts the schedule, cancels in-flight runs and waits for them to
// return or ctx to expire. A stopped scheduler is not restarted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow executes the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	metrics.RecordJobRun(job.Name, elapsed, err == nil)

	entry := s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"job":         job.Name,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("job failed")
		return err
	}
	entry.Debug("job finished")
	return nil
}

// cronLogger routes cron's own messages into logrus.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
