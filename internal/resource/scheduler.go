package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type scheduler struct {
	mu    sync.Mutex
	cron  gocron.Scheduler
	extra []periodicJob
}

type periodicJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// Every registers an extra periodic job (preloader, metrics flush) on the
// manager's scheduler. Jobs added after Start are scheduled immediately.
func (m *Manager) Every(name string, interval time.Duration, run func(ctx context.Context)) error {
	if m.scheduler == nil {
		m.scheduler = &scheduler{}
	}
	s := m.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()

	job := periodicJob{name: name, interval: interval, run: run}
	if s.cron != nil {
		return s.add(context.Background(), job)
	}
	s.extra = append(s.extra, job)
	return nil
}

func (s *scheduler) add(ctx context.Context, job periodicJob) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(job.interval),
		gocron.NewTask(func() { job.run(ctx) }),
		gocron.WithName(job.name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.name, err)
	}
	return nil
}

// Start schedules the cleanup and monitor sweeps plus any extra jobs
func (m *Manager) Start(ctx context.Context) error {
	if m.scheduler == nil {
		m.scheduler = &scheduler{}
	}
	s := m.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.cron = cron

	jobs := append([]periodicJob{
		{name: "resource_cleanup", interval: m.limits.CleanupInterval, run: func(ctx context.Context) { m.CleanupSweep(ctx) }},
		{name: "resource_monitor", interval: m.limits.MonitorInterval, run: func(ctx context.Context) { m.MonitorSweep(ctx) }},
	}, s.extra...)
	for _, job := range jobs {
		if err := s.add(ctx, job); err != nil {
			return err
		}
	}

	cron.Start()
	log.WithFields(map[string]interface{}{
		"cleanup": m.limits.CleanupInterval.String(),
		"monitor": m.limits.MonitorInterval.String(),
		"jobs":    len(jobs),
	}).Info("✅ [RESOURCE] Resource manager started")
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs
func (m *Manager) Stop() error {
	if m.scheduler == nil {
		return nil
	}
	s := m.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	err := s.cron.Shutdown()
	s.cron = nil
	log.Info("⏹️  [RESOURCE] Resource manager stopped")
	return err
}
