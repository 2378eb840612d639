package fieldbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"
)

const (
	DefaultTaskDurationBuffer = 50 * time.Millisecond
	DefaultCycleTime          = time.Second
)

// IdleCheck decides when the bus counts as idle. An idle bus skips the Wait
// entry instead of sleeping.
type IdleCheck int

const (
	// IdleUnlessBothKinds treats the bus as busy only when both read and write
	// tasks are registered. A read-only fleet never waits, so its deferred
	// reads follow the writes directly.
	IdleUnlessBothKinds IdleCheck = iota
	// IdleUnlessAnyKind treats the bus as busy when any task is registered.
	IdleUnlessAnyKind
)

func ParseIdleCheck(s string) (IdleCheck, error) {
	switch strings.ToLower(s) {
	case "", "both", "and":
		return IdleUnlessBothKinds, nil
	case "any", "or":
		return IdleUnlessAnyKind, nil
	}
	return IdleUnlessBothKinds, fmt.Errorf("unknown idle check %q", s)
}

type Options struct {
	TaskDurationBuffer time.Duration
	IdleCheck          IdleCheck
	Logger             *zap.Logger
	// OnPlan receives every plan built by Prepare.
	OnPlan func(plan *Plan)
	// OnExecuted receives the outcome of every executed task.
	OnExecuted func(task Task, duration time.Duration, err error)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Plan is the outcome of one planning pass.
type Plan struct {
	CycleTime         time.Duration `json:"cycle_time"`
	MeasuredGap       time.Duration `json:"measured_gap"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	BudgetedDuration  time.Duration `json:"budgeted_duration"`
	RequiredCycles    int           `json:"required_cycles"`
	CycleTimeTooShort bool          `json:"cycle_time_too_short"`
	Wait              time.Duration `json:"wait"`
	ReadTasks         []Task        `json:"-"`
	WriteTasks        []Task        `json:"-"`
	Sequence          []string      `json:"sequence"`

	entries []queueEntry
}

type Status struct {
	QueueLength   int           `json:"queue_length"`
	Owners        []string      `json:"owners"`
	ReadTasks     int           `json:"read_tasks"`
	WriteTasks    int           `json:"write_tasks"`
	PendingOnce   int           `json:"pending_once"`
	MeasuredGap   time.Duration `json:"measured_gap"`
	FailedOwners  []string      `json:"failed_owners"`
	ExecutedTasks uint64        `json:"executed_tasks"`
	FailedTasks   uint64        `json:"failed_tasks"`
	LastPlan      *Plan         `json:"last_plan,omitempty"`
}

// cycleTiming holds the prepare timestamp and the measured prepare to write
// barrier gap of the previous cycle.
type cycleTiming struct {
	preparedAt  time.Time
	running     bool
	measuredGap time.Duration
}

// Scheduler multiplexes the tasks of many devices onto one transport.
//
// Prepare and OnWriteBarrier are called by the cyclic driver. Run drains the
// execution queue on its own goroutine.
type Scheduler struct {
	transport Transport
	reads     *Registry
	writes    *Registry
	health    *DeviceHealth
	queue     *executionQueue
	opts      Options
	logger    *zap.Logger

	mu       sync.Mutex
	timing   cycleTiming
	lastPlan *Plan

	started  atomic.Bool
	executed atomic.Uint64
	failed   atomic.Uint64
}

func NewScheduler(transport Transport, health *DeviceHealth, opts Options) *Scheduler {
	if opts.TaskDurationBuffer <= 0 {
		opts.TaskDurationBuffer = DefaultTaskDurationBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if health == nil {
		health = NewDeviceHealth()
	}
	return &Scheduler{
		transport: transport,
		reads:     NewRegistry(),
		writes:    NewRegistry(),
		health:    health,
		queue:     newExecutionQueue(),
		opts:      opts,
		logger:    opts.Logger,
	}
}

func (s *Scheduler) Health() *DeviceHealth {
	return s.health
}

func (s *Scheduler) AddProtocol(owner string, protocol *Protocol) error {
	if protocol == nil {
		return fmt.Errorf("%w: nil protocol for %s", ErrInvalidProtocol, owner)
	}
	if protocol.Owner() != owner {
		return fmt.Errorf("%w: protocol of %s registered as %s", ErrInvalidProtocol, protocol.Owner(), owner)
	}
	s.reads.Add(owner, protocol.ReadTasks())
	s.writes.Add(owner, protocol.WriteTasks())
	s.logger.Info("protocol added",
		zap.String("owner", owner),
		zap.Int("read_tasks", len(protocol.ReadTasks())),
		zap.Int("write_tasks", len(protocol.WriteTasks())))
	return nil
}

// RemoveProtocol stops future selection of the owner's tasks. A task of the
// owner that is already queued is skipped by the drain loop.
func (s *Scheduler) RemoveProtocol(owner string) error {
	if !s.reads.HasOwner(owner) && !s.writes.HasOwner(owner) {
		return fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	s.reads.Remove(owner)
	s.writes.Remove(owner)
	s.health.Forget(owner)
	s.logger.Info("protocol removed", zap.String("owner", owner))
	return nil
}

// Prepare plans the next execution queue. It returns nil when the previous
// queue is still draining.
func (s *Scheduler) Prepare(cycleTime time.Duration) *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timing.preparedAt = s.opts.Now()
	s.timing.running = true

	if !s.queue.empty() {
		return nil
	}

	if cycleTime <= 0 {
		s.logger.Warn("invalid cycle time, using default",
			zap.Duration("cycle_time", cycleTime),
			zap.Duration("default", DefaultCycleTime))
		cycleTime = DefaultCycleTime
	}

	writeTasks, readTasks := s.selectTasks()

	plan := &Plan{
		CycleTime:   cycleTime,
		MeasuredGap: s.timing.measuredGap,
		ReadTasks:   readTasks,
		WriteTasks:  writeTasks,
	}
	plan.EstimatedDuration = sumDurations(readTasks) + sumDurations(writeTasks)
	plan.BudgetedDuration = plan.EstimatedDuration + s.opts.TaskDurationBuffer
	plan.RequiredCycles = int(ceilDiv(int64(plan.BudgetedDuration), int64(cycleTime)))
	plan.CycleTimeTooShort = plan.RequiredCycles > 1
	plan.Wait = time.Duration(plan.RequiredCycles)*cycleTime - plan.BudgetedDuration
	plan.entries = s.order(writeTasks, readTasks, plan.Wait)
	plan.Sequence = slice.Map(plan.entries, func(_ int, e queueEntry) string { return e.String() })

	if err := s.queue.fill(plan.entries); err != nil {
		s.logger.Warn("unable to fill execution queue", zap.Error(err))
		return nil
	}
	s.lastPlan = plan

	if s.opts.OnPlan != nil {
		s.opts.OnPlan(plan)
	}
	return plan
}

// selectTasks collects the writes and reads of the next pass. A failed owner
// contributes a single task: its first write with pending values, or else
// one of its reads.
func (s *Scheduler) selectTasks() ([]Task, []Task) {
	failed := s.health.Snapshot()
	writesByOwner := s.writes.AllTasksByOwner(PriorityHigh)

	// owners that already got their single task in this pass
	served := make(map[string]bool)
	for owner, tasks := range writesByOwner {
		if !failed[owner] {
			continue
		}
		pending := slice.Filter(tasks, func(_ int, t Task) bool { return hasPendingWrite(t) })
		if len(pending) == 0 {
			// a write without values never reaches the wire
			delete(writesByOwner, owner)
			continue
		}
		writesByOwner[owner] = pending[:1]
		served[owner] = true
	}
	eligible := func(t Task) bool { return !served[t.Owner()] }

	var readTasks []Task
	rotating, ok := s.reads.OneTaskWhere(PriorityOnce, eligible)
	if !ok {
		rotating, ok = s.reads.OneTaskWhere(PriorityLow, eligible)
	}
	if ok {
		readTasks = append(readTasks, rotating)
		if failed[rotating.Owner()] {
			served[rotating.Owner()] = true
		}
	}

	highByOwner := s.reads.AllTasksByOwner(PriorityHigh)
	for owner := range served {
		delete(highByOwner, owner)
	}
	readTasks = append(readTasks, flatten(throttle(highByOwner, failed))...)

	return flatten(writesByOwner), readTasks
}

// order lays out one pass: all writes first, then the reads that are
// expected to finish within the measured prepare to write barrier gap, then
// the Wait, and the remaining reads at the end of the window.
func (s *Scheduler) order(writeTasks, readTasks []Task, wait time.Duration) []queueEntry {
	entries := make([]queueEntry, 0, len(writeTasks)+len(readTasks)+1)
	for _, t := range writeTasks {
		entries = append(entries, queueEntry{task: t})
	}

	elapsed := sumDurations(writeTasks)
	var deferred []queueEntry
	for _, t := range readTasks {
		elapsed += t.EstimatedDuration()
		if len(deferred) == 0 && elapsed <= s.timing.measuredGap {
			entries = append(entries, queueEntry{task: t})
		} else {
			deferred = append(deferred, queueEntry{task: t})
		}
	}

	entries = append(entries, queueEntry{wait: &WaitTask{Duration: wait}})
	return append(entries, deferred...)
}

// OnWriteBarrier records the time elapsed since the last Prepare.
func (s *Scheduler) OnWriteBarrier() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timing.running {
		s.timing.measuredGap = s.opts.Now().Sub(s.timing.preparedAt)
	} else {
		s.timing.measuredGap = 0
	}
}

// MeasuredGap is the prepare to write barrier gap used by the next pass.
func (s *Scheduler) MeasuredGap() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing.measuredGap
}

// Run drains the execution queue until ctx is cancelled. It may only be
// called once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	go func() {
		<-ctx.Done()
		s.queue.close()
	}()

	for {
		entry, err := s.queue.take()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if entry.wait != nil {
			s.wait(ctx, entry.wait.Duration)
			continue
		}
		s.execute(ctx, entry.task)
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) {
	if s.idle() || d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Scheduler) idle() bool {
	if s.opts.IdleCheck == IdleUnlessAnyKind {
		return !s.reads.HasTasks() && !s.writes.HasTasks()
	}
	return !(s.reads.HasTasks() && s.writes.HasTasks())
}

func (s *Scheduler) execute(ctx context.Context, task Task) {
	owner := task.Owner()
	if !s.reads.HasOwner(owner) && !s.writes.HasOwner(owner) {
		s.logger.Debug("skipping task of removed owner", zap.String("owner", owner), zap.Stringer("task", task))
		return
	}

	start := time.Now()
	executed, err := safeExecute(ctx, task, s.transport)
	duration := time.Since(start)

	if s.opts.OnExecuted != nil {
		s.opts.OnExecuted(task, duration, err)
	}

	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("task execution failed",
			zap.String("owner", owner),
			zap.Stringer("task", task),
			zap.Error(err))
		s.health.MarkFailed(owner)
		for _, e := range task.Elements() {
			e.Invalidate()
		}
		if task.Kind() == KindRead && task.Priority() == PriorityOnce {
			s.reads.requeueOnce(task)
		}
		return
	}

	s.executed.Add(1)
	if executed > 0 {
		s.health.MarkHealthy(owner)
	}
}

func safeExecute(ctx context.Context, task Task, transport Transport) (executed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task, r)
		}
	}()
	return task.Execute(ctx, transport)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	lastPlan := s.lastPlan
	gap := s.timing.measuredGap
	s.mu.Unlock()

	return Status{
		QueueLength:   s.queue.len(),
		Owners:        s.reads.Owners(),
		ReadTasks:     s.reads.Count(),
		WriteTasks:    s.writes.Count(),
		PendingOnce:   s.reads.PendingOnce(),
		MeasuredGap:   gap,
		FailedOwners:  s.health.FailedOwners(),
		ExecutedTasks: s.executed.Load(),
		FailedTasks:   s.failed.Load(),
		LastPlan:      lastPlan,
	}
}

func ceilDiv(x, y int64) int64 {
	q := x / y
	if x%y != 0 && (x < 0) == (y < 0) {
		q++
	}
	return q
}
