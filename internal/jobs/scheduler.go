// Package jobs runs the daily maintenance jobs on timers
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"familyhub/internal/logging"
)

var log = logging.Component("jobs")

// Job is a unit of maintenance work that decides its own next run time
type Job interface {
	Run(ctx context.Context) error
	GetNextRunTime() time.Time
}

// JobStatus is the run history of one job
type JobStatus struct {
	Name        string    `json:"name"`
	NextRunTime time.Time `json:"next_run_time"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Runs        int       `json:"runs"`
	Failures    int       `json:"failures"`
	Running     bool      `json:"running"`
}

type entry struct {
	job    Job
	timer  *time.Timer
	status JobStatus
}

// JobScheduler runs each registered job at the time it asks for. A job never
// overlaps with itself; a tick that lands while it runs is skipped.
type JobScheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewJobScheduler creates a job scheduler
func NewJobScheduler() *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a job. Registering while running schedules it immediately.
func (s *JobScheduler) Register(name string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &entry{job: job, status: JobStatus{Name: name}}
	s.entries[name] = e
	log.WithField("job", name).Info("✅ [SCHEDULER] Registered job")
	if s.running {
		s.schedule(name, e)
	}
}

// Start arms a timer for every registered job
func (s *JobScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("job scheduler already stopped")
	}
	s.running = true
	log.WithField("jobs", len(s.entries)).Info("🚀 [SCHEDULER] Starting job scheduler")

	for name, e := range s.entries {
		s.schedule(name, e)
	}
	return nil
}

// schedule must be called with s.mu held
func (s *JobScheduler) schedule(name string, e *entry) {
	nextRun := e.job.GetNextRunTime()
	e.status.NextRunTime = nextRun
	wait := time.Until(nextRun)

	log.WithFields(map[string]interface{}{
		"job":      name,
		"next_run": nextRun.Format(time.RFC3339),
		"in":       wait.Round(time.Second).String(),
	}).Debug("⏰ [SCHEDULER] Job scheduled")

	e.timer = time.AfterFunc(wait, func() {
		s.run(name, e, true)
	})
}

// run executes one job and, for timer runs, arms the next one
func (s *JobScheduler) run(name string, e *entry, reschedule bool) error {
	s.mu.Lock()
	if e.status.Running {
		s.mu.Unlock()
		log.WithField("job", name).Warn("⚠️  [SCHEDULER] Job still running, skipping")
		return fmt.Errorf("job %s is already running", name)
	}
	if reschedule && !s.running {
		s.mu.Unlock()
		return nil
	}
	e.status.Running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	started := time.Now()
	err := e.job.Run(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.status.Running = false
	e.status.LastRun = started
	e.status.Runs++
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
		log.WithError(err).WithField("job", name).Error("❌ [SCHEDULER] Job failed")
	} else {
		e.status.LastError = ""
		log.WithFields(map[string]interface{}{
			"job":      name,
			"duration": time.Since(started).String(),
		}).Info("✅ [SCHEDULER] Job completed")
	}

	if reschedule && s.running && s.entries[name] == e {
		s.schedule(name, e)
	}
	return err
}

// Stop disarms every timer and waits for running jobs to return
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	log.Info("🛑 [SCHEDULER] Stopping job scheduler...")
	s.running = false
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Info("✅ [SCHEDULER] Job scheduler stopped")
}

// RunNow runs a job out of schedule and returns its error
func (s *JobScheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(name, e, false)
}

// GetStatus returns the run history of every job
func (s *JobScheduler) GetStatus() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]JobStatus, len(s.entries))
	for name, e := range s.entries {
		status[name] = e.status
	}
	return status
}
