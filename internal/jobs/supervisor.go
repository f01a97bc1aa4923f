// Package jobs runs the engine's long-lived jobs: periodic ticks (fast-claim,
// flywheel, balance refresh) and continuous loops (reactive). Operators can
// start, stop, and restart jobs at runtime; shutdown gives every job a 10s
// grace window.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	shutdownGrace   = 10 * time.Second
	continuousRetry = 5 * time.Second
)

// Spec describes one job. Interval 0 means continuous: Run is expected to
// block until its context is cancelled.
type Spec struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Status is one job's observable state.
type Status struct {
	Name      string        `json:"name"`
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	LastRunAt time.Time     `json:"lastRunAt"`
	LastError string        `json:"lastError,omitempty"`
	Runs      int64         `json:"runs"`
}

// Notifier publishes job lifecycle events.
type Notifier interface {
	Publish(channel string, data interface{})
}

type job struct {
	spec Spec

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastRunAt time.Time
	lastError string
	runs      int64
}

// Supervisor owns job lifecycles.
type Supervisor struct {
	notify Notifier

	mu   sync.Mutex
	jobs map[string]*job
	base context.Context
	stop context.CancelFunc
}

// NewSupervisor creates a supervisor. Jobs run under a context cancelled by
// StopAll.
func NewSupervisor(notify Notifier) *Supervisor {
	base, stop := context.WithCancel(context.Background())
	return &Supervisor{
		notify: notify,
		jobs:   make(map[string]*job),
		base:   base,
		stop:   stop,
	}
}

// Register adds a job without starting it.
func (s *Supervisor) Register(spec Spec) {
	s.mu.Lock()
	s.jobs[spec.Name] = &job{spec: spec}
	s.mu.Unlock()
}

// Start launches a registered job. Starting a running job is a no-op.
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	base := s.base
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	ctx, cancel := context.WithCancel(base)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.running = true

	go s.run(ctx, j)

	log.Info().Str("job", name).Dur("interval", j.spec.Interval).Msg("job started")
	s.publish(name, "started")
	return nil
}

// Stop cancels a job and waits out the grace window.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}

	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	cancel, done := j.cancel, j.done
	j.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn().Str("job", name).Msg("job did not stop within grace window")
	}

	log.Info().Str("job", name).Msg("job stopped")
	s.publish(name, "stopped")
	return nil
}

// Restart stops and starts a job, optionally with a new interval (0 keeps the
// current one).
func (s *Supervisor) Restart(name string, newInterval time.Duration) error {
	if err := s.Stop(name); err != nil {
		return err
	}

	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	if newInterval > 0 {
		j.mu.Lock()
		j.spec.Interval = newInterval
		j.mu.Unlock()
	}
	return s.Start(name)
}

// StatusAll reports every registered job.
func (s *Supervisor) StatusAll() []Status {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		out = append(out, Status{
			Name:      j.spec.Name,
			Running:   j.running,
			Interval:  j.spec.Interval,
			LastRunAt: j.lastRunAt,
			LastError: j.lastError,
			Runs:      j.runs,
		})
		j.mu.Unlock()
	}
	return out
}

// StopAll cancels every job and waits up to the grace window for all of them.
func (s *Supervisor) StopAll() {
	s.stop()

	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	deadline := time.After(shutdownGrace)
	for _, j := range jobs {
		j.mu.Lock()
		done := j.done
		running := j.running
		j.mu.Unlock()
		if !running || done == nil {
			continue
		}
		select {
		case <-done:
		case <-deadline:
			log.Warn().Str("job", j.spec.Name).Msg("job outlived shutdown grace")
			return
		}
	}
}

func (s *Supervisor) run(ctx context.Context, j *job) {
	defer func() {
		j.mu.Lock()
		j.running = false
		close(j.done)
		j.mu.Unlock()
	}()

	if j.spec.Interval <= 0 {
		s.runContinuous(ctx, j)
		return
	}

	s.tickOnce(ctx, j)
	for {
		j.mu.Lock()
		interval := j.spec.Interval
		j.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			s.tickOnce(ctx, j)
		}
	}
}

func (s *Supervisor) tickOnce(ctx context.Context, j *job) {
	err := j.spec.Run(ctx)

	j.mu.Lock()
	j.lastRunAt = time.Now()
	j.runs++
	if err != nil {
		j.lastError = err.Error()
	} else {
		j.lastError = ""
	}
	j.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("job", j.spec.Name).Msg("job tick failed")
		s.publish(j.spec.Name, "tick_failed")
	}
}

// runContinuous keeps a blocking job alive, restarting it after failures.
func (s *Supervisor) runContinuous(ctx context.Context, j *job) {
	for {
		j.mu.Lock()
		j.lastRunAt = time.Now()
		j.runs++
		j.mu.Unlock()

		err := j.spec.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		j.mu.Lock()
		if err != nil {
			j.lastError = err.Error()
		}
		j.mu.Unlock()

		log.Warn().Err(err).Str("job", j.spec.Name).Dur("retryIn", continuousRetry).Msg("continuous job exited, restarting")
		s.publish(j.spec.Name, "restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(continuousRetry):
		}
	}
}

func (s *Supervisor) publish(name, state string) {
	if s.notify != nil {
		s.notify.Publish("job_status", map[string]interface{}{"job": name, "state": state})
	}
}
