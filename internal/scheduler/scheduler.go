// Package scheduler triggers pipeline runs on a fixed cadence and on demand,
// never letting two runs overlap.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// Triggers recorded on runs.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
)

// ErrRunInProgress is returned by RunNow while another run is executing.
var ErrRunInProgress = errors.New("scheduler: run in progress")

// RunFunc executes one run.
type RunFunc func(ctx context.Context, trigger string) (*model.Run, error)

// Config controls the cadence.
type Config struct {
	Interval   time.Duration
	RunTimeout time.Duration
	RunOnStart bool
}

// FromConfig reads the scheduler and pipeline sections.
func FromConfig(c *config.Config) Config {
	return Config{
		Interval:   time.Duration(c.Scheduler.IntervalMinutes) * time.Minute,
		RunTimeout: time.Duration(c.Pipeline.RunTimeoutSecs) * time.Second,
		RunOnStart: c.Scheduler.RunOnStart,
	}
}

// State is a point-in-time view of the scheduler.
type State struct {
	Running        bool            `json:"running"`
	Interval       string          `json:"interval"`
	Started        int64           `json:"started"`
	Skipped        int64           `json:"skipped"`
	LastRunID      string          `json:"last_run_id,omitempty"`
	LastTrigger    string          `json:"last_trigger,omitempty"`
	LastStatus     model.RunStatus `json:"last_status,omitempty"`
	LastStartedAt  time.Time       `json:"last_started_at,omitzero"`
	LastFinishedAt time.Time       `json:"last_finished_at,omitzero"`
	LastError      string          `json:"last_error,omitempty"`
	NextRunAt      time.Time       `json:"next_run_at,omitzero"`
}

// Scheduler fires runs. A trigger that arrives while a run is executing is
// skipped and counted, never queued.
type Scheduler struct {
	cfg     Config
	run     RunFunc
	nowFunc func() time.Time

	running atomic.Bool
	started atomic.Int64
	skipped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.Mutex
	state  State
	closed bool
}

// New creates a Scheduler.
func New(cfg Config, run RunFunc) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		run:     run,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Start fires a run at once when RunOnStart is set, then every Interval.
// It blocks until ctx is cancelled and does not wait for an in-flight run;
// use Wait for that.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 12 * time.Hour
	}

	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler: started",
		zap.Duration("interval", interval),
		zap.Bool("run_on_start", s.cfg.RunOnStart),
	)

	if s.cfg.RunOnStart {
		s.Trigger(ctx, TriggerStartup)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.setNext(s.nowFunc().Add(interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler: stopped")
			return
		case <-ticker.C:
			s.setNext(s.nowFunc().Add(interval))
			s.Trigger(ctx, TriggerSchedule)
		}
	}
}

// Trigger starts a run in the background and reports whether it started.
// The run inherits ctx's values and cancellation, bounded by RunTimeout.
func (s *Scheduler) Trigger(ctx context.Context, trigger string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		zap.L().Debug("scheduler: shutting down, trigger refused", zap.String("trigger", trigger))
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if !s.acquire(trigger) {
		s.wg.Done()
		return false
	}
	go func() {
		defer s.wg.Done()
		_, _ = s.execute(ctx, trigger)
	}()
	return true
}

// RunNow executes a run synchronously. It returns ErrRunInProgress when a
// run is already executing.
func (s *Scheduler) RunNow(ctx context.Context, trigger string) (*model.Run, error) {
	if !s.acquire(trigger) {
		return nil, ErrRunInProgress
	}
	return s.execute(ctx, trigger)
}

// Wait blocks until background runs have finished. Callers must not
// Trigger concurrently with Wait; use Shutdown for that.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Shutdown refuses further triggers, then waits for the in-flight
// background run to finish.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// State returns a snapshot of the scheduler's counters and last run.
func (s *Scheduler) State() State {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	st.Running = s.running.Load()
	st.Started = s.started.Load()
	st.Skipped = s.skipped.Load()
	st.Interval = s.cfg.Interval.String()
	return st
}

func (s *Scheduler) acquire(trigger string) bool {
	if !s.running.CompareAndSwap(false, true) {
		n := s.skipped.Add(1)
		zap.L().Warn("scheduler: run already in progress, trigger skipped",
			zap.String("trigger", trigger),
			zap.Int64("skipped", n),
		)
		return false
	}
	s.started.Add(1)
	return true
}

func (s *Scheduler) execute(ctx context.Context, trigger string) (*model.Run, error) {
	defer s.running.Store(false)

	s.mu.Lock()
	s.state.LastTrigger = trigger
	s.state.LastStartedAt = s.nowFunc()
	s.mu.Unlock()

	runCtx := ctx
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	run, err := s.run(runCtx, trigger)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastFinishedAt = s.nowFunc()
	s.state.LastError = ""
	if err != nil {
		s.state.LastError = err.Error()
		zap.L().Error("scheduler: run failed", zap.String("trigger", trigger), zap.Error(err))
	}
	if run != nil {
		s.state.LastRunID = run.ID
		s.state.LastStatus = run.Status
	}
	return run, err
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.state.NextRunAt = t
	s.mu.Unlock()
}
