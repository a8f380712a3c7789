// Package scheduler drives the recurring jobs of the daemon. Each job
// owns a cadence and a mutual-exclusion lock, so a slow run is never
// overlapped by the next scheduled start or by a manual trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/store"
)

var (
	// ErrJobRunning reports a trigger attempt while the previous
	// invocation of the same job has not finished.
	ErrJobRunning = eris.New("scheduler: job already running")

	// ErrUnknownJob reports a trigger for a name that was never registered.
	ErrUnknownJob = eris.New("scheduler: unknown job")
)

// JobState is the lifecycle phase of a single job.
type JobState string

const (
	StateIdle     JobState = "idle"
	StateRunning  JobState = "running"
	StateCooldown JobState = "cooldown"
)

// JobFunc is the work a job performs. A non-nil error puts the job into
// cooldown and is recorded as a health event.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	trigger Trigger
	fn      JobFunc

	mu            sync.Mutex
	state         JobState
	nextRun       time.Time
	lastStarted   time.Time
	lastFinished  time.Time
	lastErr       string
	cooldownUntil time.Time
	runs          int
	failures      int
}

// JobStatus is a point-in-time snapshot of one job.
type JobStatus struct {
	Name         string     `json:"name"`
	State        JobState   `json:"state"`
	Schedule     string     `json:"schedule"`
	NextRun      time.Time  `json:"next_run"`
	LastStarted  *time.Time `json:"last_started,omitempty"`
	LastFinished *time.Time `json:"last_finished,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Runs         int        `json:"runs"`
	Failures     int        `json:"failures"`
}

// Scheduler runs registered jobs on their triggers until its context is
// cancelled. Jobs must be registered before Run is called.
type Scheduler struct {
	store    store.Store
	cooldown time.Duration
	tick     time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	jobs    map[string]*job
	order   []string
	wg      sync.WaitGroup
}

// New builds a scheduler. The store receives a health event for every
// failed job run and may be nil when events are not wanted. A
// non-positive cooldown falls back to ten minutes.
func New(st store.Store, cooldown time.Duration) *Scheduler {
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	return &Scheduler{
		store:    st,
		cooldown: cooldown,
		tick:     time.Second,
		baseCtx:  context.Background(),
		jobs:     make(map[string]*job),
	}
}

// Register adds a job under a unique name. Registering a name twice
// replaces the earlier job.
func (s *Scheduler) Register(name string, trigger Trigger, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		s.order = append(s.order, name)
	}
	s.jobs[name] = &job{name: name, trigger: trigger, fn: fn, state: StateIdle}
}

// Run drives the registered jobs until ctx is cancelled, then waits for
// in-flight runs to finish and returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	now := time.Now()
	jobs := s.snapshot()
	for _, j := range jobs {
		j.mu.Lock()
		j.nextRun = j.trigger.Next(now)
		next := j.nextRun
		j.mu.Unlock()
		zap.L().Info("scheduler: job registered",
			zap.String("job", j.name),
			zap.String("schedule", j.trigger.Describe()),
			zap.Time("next_run", next))
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("scheduler: stopping, waiting for running jobs")
			s.wg.Wait()
			return nil
		case now := <-ticker.C:
			for _, j := range jobs {
				s.maybeStart(ctx, j, now)
			}
		}
	}
}

// TryRun starts a job immediately, bypassing its schedule. It refuses
// with ErrJobRunning while a previous invocation is still in flight and
// clears any cooldown. The job runs on the scheduler's lifetime context,
// not the caller's, so an API request that triggers a job can complete
// while the job keeps running.
func (s *Scheduler) TryRun(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.baseCtx
	s.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}

	j.mu.Lock()
	if j.state == StateRunning {
		j.mu.Unlock()
		return ErrJobRunning
	}
	j.state = StateRunning
	j.cooldownUntil = time.Time{}
	j.lastStarted = time.Now()
	j.mu.Unlock()

	zap.L().Info("scheduler: job triggered manually", zap.String("job", name))
	s.start(ctx, j)
	return nil
}

// Jobs reports a snapshot of every job in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	statuses := make([]JobStatus, 0, len(s.order))
	for _, j := range s.snapshot() {
		j.mu.Lock()
		st := JobStatus{
			Name:      j.name,
			State:     j.state,
			Schedule:  j.trigger.Describe(),
			NextRun:   j.nextRun,
			LastError: j.lastErr,
			Runs:      j.runs,
			Failures:  j.failures,
		}
		if !j.lastStarted.IsZero() {
			t := j.lastStarted
			st.LastStarted = &t
		}
		if !j.lastFinished.IsZero() {
			t := j.lastFinished
			st.LastFinished = &t
		}
		j.mu.Unlock()
		statuses = append(statuses, st)
	}
	return statuses
}

func (s *Scheduler) snapshot() []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*job, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	return jobs
}

func (s *Scheduler) maybeStart(ctx context.Context, j *job, now time.Time) {
	j.mu.Lock()
	if j.state == StateCooldown && !now.Before(j.cooldownUntil) {
		j.state = StateIdle
	}
	if j.state != StateIdle || now.Before(j.nextRun) {
		j.mu.Unlock()
		return
	}
	j.state = StateRunning
	j.lastStarted = now
	j.nextRun = j.trigger.Next(now)
	j.mu.Unlock()

	s.start(ctx, j)
}

func (s *Scheduler) start(ctx context.Context, j *job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, j)
	}()
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	log := zap.L().With(zap.String("job", j.name))
	log.Info("scheduler: job starting")
	started := time.Now()

	err := runSafely(ctx, j)
	elapsed := time.Since(started)

	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Shutdown interrupted the run; not a job failure.
		j.mu.Lock()
		j.state = StateIdle
		j.lastFinished = time.Now()
		j.mu.Unlock()
		log.Info("scheduler: job cancelled during shutdown", zap.Duration("elapsed", elapsed))
		return
	}

	j.mu.Lock()
	j.lastFinished = time.Now()
	j.runs++
	if err != nil {
		j.failures++
		j.lastErr = err.Error()
		j.state = StateCooldown
		j.cooldownUntil = time.Now().Add(s.cooldown)
	} else {
		j.lastErr = ""
		j.state = StateIdle
	}
	j.mu.Unlock()

	if err != nil {
		log.Error("scheduler: job failed",
			zap.Duration("elapsed", elapsed),
			zap.Duration("cooldown", s.cooldown),
			zap.Error(err))
		s.recordFailure(ctx, j.name, err)
		return
	}
	log.Info("scheduler: job finished", zap.Duration("elapsed", elapsed))
}

func runSafely(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("scheduler: job %s panicked: %v", j.name, r)
		}
	}()
	return j.fn(ctx)
}

func (s *Scheduler) recordFailure(ctx context.Context, name string, jobErr error) {
	if s.store == nil {
		return
	}
	event := model.HealthEvent{
		Component: "scheduler",
		Status:    model.HealthCritical,
		Message:   fmt.Sprintf("job %s failed: %s", name, jobErr.Error()),
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertHealthEvent(ctx, event); err != nil {
		zap.L().Warn("scheduler: record health event", zap.Error(err))
	}
}
