// Package tasks runs named background actions outside the request path.
//
// Actions are registered once at startup and scheduled by name. Each launch
// runs in its own goroutine behind an error boundary: a failing or panicking
// action is logged and recorded as failed, never surfaced to the caller that
// scheduled it. At most Options.MaxConcurrent actions run at once; tasks
// launched beyond that stay scheduled and start as running ones finish.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a scheduled task.
type Status string

// Task lifecycle states.
const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// ErrUnknownAction is returned when scheduling an action nobody registered.
var ErrUnknownAction = errors.New("no function associated with the action")

// Task is a snapshot of a scheduled task.
type Task struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Status     Status         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	ResourceID string         `json:"resource_id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Outcome is what an action reports when it finishes.
type Outcome struct {
	Status Status
	Result map[string]any
	Error  string
}

// ActionFunc executes a task. firstLaunch is false when a task that was
// already active is resumed. A returned error marks the task failed.
type ActionFunc func(ctx context.Context, task Task, firstLaunch bool) (Outcome, error)

// Options configures a Scheduler.
type Options struct {
	// ScheduleInterval is how often delayed tasks are checked for launch.
	ScheduleInterval time.Duration
	// CleanInterval is how often finished tasks are pruned.
	CleanInterval time.Duration
	// KeepFor is how long complete or failed tasks are retained.
	KeepFor time.Duration
	// RunBackgroundTasks disables launching when false, so a process can
	// accept schedules it will never execute itself.
	RunBackgroundTasks bool
	// MaxConcurrent caps the number of actions running at once.
	MaxConcurrent int
}

// DefaultOptions returns the scheduler defaults.
func DefaultOptions() Options {
	return Options{
		ScheduleInterval:   5 * time.Minute,
		CleanInterval:      time.Hour,
		KeepFor:            7 * 24 * time.Hour,
		RunBackgroundTasks: true,
		MaxConcurrent:      5,
	}
}

// Scheduler keeps registered actions and the tasks launched for them.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	actions map[string]ActionFunc
	tasks   map[string]*Task
	running map[string]struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	loop    sync.WaitGroup
}

// NewScheduler creates a Scheduler. Zero option fields take defaults.
func NewScheduler(opts Options, logger *slog.Logger) *Scheduler {
	def := DefaultOptions()
	if opts.ScheduleInterval <= 0 {
		opts.ScheduleInterval = def.ScheduleInterval
	}
	if opts.CleanInterval <= 0 {
		opts.CleanInterval = def.CleanInterval
	}
	if opts.KeepFor <= 0 {
		opts.KeepFor = def.KeepFor
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		actions: make(map[string]ActionFunc),
		tasks:   make(map[string]*Task),
		running: make(map[string]struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// RegisterAction associates fn with name. Register actions before anything
// schedules them, usually at construction of the owning component.
func (s *Scheduler) RegisterAction(name string, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[name] = fn
}

// ScheduleOption customises a scheduled task.
type ScheduleOption func(*Task)

// WithResourceID associates the task with a resource.
func WithResourceID(id string) ScheduleOption {
	return func(t *Task) { t.ResourceID = id }
}

// WithParams attaches parameters readable by the action.
func WithParams(params map[string]any) ScheduleOption {
	return func(t *Task) { t.Params = params }
}

// At delays the launch until ts. Timestamps in the past launch immediately.
func At(ts time.Time) ScheduleOption {
	return func(t *Task) { t.Timestamp = ts }
}

// Schedule records a task for action and launches it now unless delayed.
// The returned id identifies the task for Get. ctx is only used for the
// scheduling itself; the task runs on the scheduler's own context.
func (s *Scheduler) Schedule(ctx context.Context, action string, opts ...ScheduleOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, ok := s.actions[action]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w %s", ErrUnknownAction, action)
	}

	now := s.now()
	task := &Task{
		ID:     uuid.NewString(),
		Action: action,
		Status: StatusScheduled,
	}
	for _, opt := range opts {
		opt(task)
	}

	launchNow := false
	if task.Timestamp.IsZero() || !task.Timestamp.After(now) {
		task.Timestamp = now
		launchNow = true
	}
	s.tasks[task.ID] = task
	s.mu.Unlock()

	if launchNow && s.opts.RunBackgroundTasks {
		s.launch(task.ID, true)
	}
	return task.ID, nil
}

// Get returns a snapshot of the task with id.
func (s *Scheduler) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Filter selects tasks in List. Empty fields match everything.
type Filter struct {
	Actions     []string
	ResourceIDs []string
	Statuses    []Status
}

// List returns snapshots of the tasks matching f ordered by timestamp.
func (s *Scheduler) List(f Filter) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !contains(f.Actions, t.Action) || !contains(f.ResourceIDs, t.ResourceID) || !contains(f.Statuses, t.Status) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func contains[T comparable](set []T, v T) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Start runs the launch and clean loops until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.opts.RunBackgroundTasks {
		return
	}
	s.loop.Add(1)
	go func() {
		defer s.loop.Done()
		scheduleTicker := time.NewTicker(s.opts.ScheduleInterval)
		defer scheduleTicker.Stop()
		cleanTicker := time.NewTicker(s.opts.CleanInterval)
		defer cleanTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.baseCtx.Done():
				return
			case <-scheduleTicker.C:
				s.RunScheduled()
			case <-cleanTicker.C:
				s.Clean()
			}
		}
	}()
}

// Stop cancels running actions and waits for every goroutine to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.loop.Wait()
	s.wg.Wait()
}

// Wait blocks until all launched actions have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunScheduled launches due scheduled tasks and resumes active tasks that
// are not currently running, up to the concurrency cap.
func (s *Scheduler) RunScheduled() {
	now := s.now()

	type launch struct {
		id    string
		first bool
	}
	var due []launch

	s.mu.RLock()
	for id, t := range s.tasks {
		if _, running := s.running[id]; running {
			continue
		}
		switch {
		case t.Status == StatusScheduled && !t.Timestamp.After(now):
			due = append(due, launch{id: id, first: true})
		case t.Status == StatusActive:
			due = append(due, launch{id: id, first: false})
		}
	}
	s.mu.RUnlock()

	for _, l := range due {
		s.launch(l.id, l.first)
	}
}

// Clean removes complete and failed tasks older than the retention window.
func (s *Scheduler) Clean() {
	cutoff := s.now().Add(-s.opts.KeepFor)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if _, running := s.running[id]; running {
			continue
		}
		if (t.Status == StatusComplete || t.Status == StatusFailed) && t.Timestamp.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}

func (s *Scheduler) launch(id string, firstLaunch bool) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, running := s.running[id]; running {
		s.mu.Unlock()
		return
	}
	if len(s.running) >= s.opts.MaxConcurrent {
		action := task.Action
		s.mu.Unlock()
		s.logger.Debug("concurrency cap reached, task left for later", "task_id", id, "action", action)
		return
	}
	fn := s.actions[task.Action]
	task.Status = StatusActive
	task.Timestamp = s.now()
	s.running[id] = struct{}{}
	snapshot := *task
	s.mu.Unlock()

	logger := s.logger.With("task_id", id, "action", snapshot.Action)
	if snapshot.ResourceID != "" {
		logger = logger.With("resource_id", snapshot.ResourceID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		outcome, err := s.run(fn, snapshot, firstLaunch)
		if err != nil {
			logger.Error("scheduled task failed", "error", err)
			outcome = Outcome{Status: StatusFailed, Error: err.Error()}
		}
		if outcome.Status == "" {
			outcome.Status = StatusComplete
		}

		s.mu.Lock()
		if t, ok := s.tasks[id]; ok {
			t.Status = outcome.Status
			t.Result = outcome.Result
			t.Error = outcome.Error
			t.Timestamp = s.now()
		}
		delete(s.running, id)
		s.mu.Unlock()

		if s.baseCtx.Err() == nil {
			s.RunScheduled()
		}
	}()
}

func (s *Scheduler) run(fn ActionFunc, task Task, firstLaunch bool) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.baseCtx, task, firstLaunch)
}
