package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/netprobe"
	ssync "github.com/sheetsync/sheetsync/internal/sync"
)

// SyncJobName is the stable name of the periodic sync job.
const SyncJobName = "sync_work"

// JobStatus is what one run of a job reports.
type JobStatus int

const (
	// JobSucceeded ends the slot.
	JobSucceeded JobStatus = iota
	// JobRetry asks for another attempt within the same slot.
	JobRetry
	// JobFailed ends the slot without retrying.
	JobFailed
	// JobSkipped ends the slot without doing work.
	JobSkipped
	// JobPermanentFailure ends the slot after an unexpected internal fault.
	// Later slots run as usual.
	JobPermanentFailure
)

// String returns a human-readable representation of the status.
func (s JobStatus) String() string {
	switch s {
	case JobSucceeded:
		return "succeeded"
	case JobRetry:
		return "retry"
	case JobFailed:
		return "failed"
	case JobSkipped:
		return "skipped"
	case JobPermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// JobFunc performs one attempt.
type JobFunc func(ctx context.Context) JobStatus

// Job is a named periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	// RequireNetwork skips slots while the gate reports no connectivity.
	RequireNetwork bool
	// RunOnStart runs the first slot immediately instead of after Interval.
	RunOnStart bool
	Run        JobFunc
}

// RetryPolicy bounds retries within one slot.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy retries a failed slot twice, 30s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 30 * time.Second}
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Runs       int           `json:"runs"`
	LastRun    time.Time     `json:"last_run"`
	LastStatus string        `json:"last_status"`
}

type job struct {
	Job
	running atomic.Bool
	cancel  context.CancelFunc

	mu         sync.Mutex
	runs       int
	lastRun    time.Time
	lastStatus string
}

// Scheduler runs periodic jobs. Jobs are unique by name: enqueueing a name
// that is already scheduled keeps the existing schedule.
type Scheduler struct {
	gate   netprobe.Gate
	logger *log.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	policy RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(gate netprobe.Gate, policy RetryPolicy, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		gate:   gate,
		logger: logger,
		jobs:   make(map[string]*job),
		policy: policy,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue schedules j. It returns false, leaving the current schedule
// untouched, if a job with the same name exists.
func (s *Scheduler) Enqueue(j Job) (bool, error) {
	if j.Name == "" {
		return false, fmt.Errorf("job name cannot be empty")
	}
	if j.Interval <= 0 {
		return false, fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	if j.Run == nil {
		return false, fmt.Errorf("job %s: run function cannot be nil", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false, fmt.Errorf("scheduler stopped")
	}
	if _, ok := s.jobs[j.Name]; ok {
		return false, nil
	}

	ctx, cancel := context.WithCancel(s.ctx)
	jb := &job{Job: j, cancel: cancel}
	s.jobs[j.Name] = jb

	s.wg.Add(1)
	go s.loop(ctx, jb)

	s.logger.Printf("Scheduled job %s every %v", j.Name, j.Interval)
	return true, nil
}

// Cancel removes a job. Its running slot, if any, completes.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	jb, ok := s.jobs[name]
	if !ok {
		return false
	}
	jb.cancel()
	delete(s.jobs, name)
	return true
}

// SetRetryPolicy changes the retry policy for future slots.
func (s *Scheduler) SetRetryPolicy(p RetryPolicy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

func (s *Scheduler) retryPolicy() RetryPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, jb := range s.jobs {
		jobs = append(jobs, jb)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, jb := range jobs {
		jb.mu.Lock()
		out = append(out, JobInfo{
			Name:       jb.Name,
			Interval:   jb.Interval,
			Runs:       jb.runs,
			LastRun:    jb.lastRun,
			LastStatus: jb.lastStatus,
		})
		jb.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels every job and waits for running slots to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, jb *job) {
	defer s.wg.Done()

	if jb.RunOnStart {
		s.slot(ctx, jb)
	}

	ticker := time.NewTicker(jb.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.slot(ctx, jb)
		}
	}
}

// slot runs one scheduled occurrence, including its retries.
func (s *Scheduler) slot(ctx context.Context, jb *job) {
	if !jb.running.CompareAndSwap(false, true) {
		return
	}
	defer jb.running.Store(false)

	status := s.attempts(ctx, jb)

	jb.mu.Lock()
	jb.runs++
	jb.lastRun = time.Now()
	jb.lastStatus = status
	jb.mu.Unlock()
}

func (s *Scheduler) attempts(ctx context.Context, jb *job) string {
	if jb.RequireNetwork && !s.gate.Reachable(ctx) {
		s.logger.Printf("Job %s: no network, skipping slot", jb.Name)
		return JobSkipped.String()
	}

	policy := s.retryPolicy()
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 1; i <= attempts; i++ {
		status := s.runSafely(ctx, jb)
		if status != JobRetry {
			return status.String()
		}
		if i == attempts {
			s.logger.Printf("Job %s: giving up after %d attempts", jb.Name, attempts)
			return JobFailed.String()
		}

		s.logger.Printf("Job %s: attempt %d/%d failed, retrying in %v", jb.Name, i, attempts, policy.Backoff)
		select {
		case <-ctx.Done():
			return JobFailed.String()
		case <-time.After(policy.Backoff):
		}
	}
	return JobFailed.String()
}

func (s *Scheduler) runSafely(ctx context.Context, jb *job) (status JobStatus) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("ERROR: job %s panicked, slot failed permanently: %v", jb.Name, r)
			status = JobPermanentFailure
		}
	}()
	return jb.Run(ctx)
}

// SyncJob adapts a Passer into the periodic sync job function.
func SyncJob(p Passer) JobFunc {
	return func(ctx context.Context) JobStatus {
		res := p.Pass(ctx, ssync.TriggerPeriodic)
		switch res.Outcome {
		case ssync.Succeeded:
			return JobSucceeded
		case ssync.Skipped:
			return JobSkipped
		default:
			if fault.IsInternal(res.Err) {
				return JobPermanentFailure
			}
			if fault.IsRetryable(res.Err) {
				return JobRetry
			}
			return JobFailed
		}
	}
}
