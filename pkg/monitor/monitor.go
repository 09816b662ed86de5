// Package monitor supervises long-running goroutines such as swap drivers.
// Each task is keyed by name, at most one task per name runs at a time, and
// tasks that stop sending heartbeats are reported as stalled.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type TaskState string

const (
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
	TaskStatePanicked  TaskState = "panicked"
)

type TaskStatus struct {
	Name             string    `json:"name"`
	State            TaskState `json:"state"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time,omitempty"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	Error            string    `json:"error,omitempty"`
	Panic            string    `json:"panic,omitempty"`
	HeartbeatStalled bool      `json:"heartbeat_stalled"`
}

type MonitorStatus struct {
	StartedAt time.Time    `json:"started_at"`
	Tasks     []TaskStatus `json:"tasks"`
}

type TaskFunc func(ctx context.Context, hb Heartbeat) error

// Heartbeat lets a task tell the monitor it is still making progress.
type Heartbeat interface {
	Tick()
}

// ErrTaskRunning is returned by Go when a task with the same name is still
// running.
var ErrTaskRunning = errors.New("task already running")

type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	tasks map[string]*taskRecord
	wg    sync.WaitGroup

	stallThreshold time.Duration
	checkInterval  time.Duration
	logger         log.FieldLogger
	startedAt      time.Time
}

type Option func(*Monitor)

func WithStallThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		m.stallThreshold = d
	}
}

func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.checkInterval = d
	}
}

func WithLogger(l log.FieldLogger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		ctx:            ctx,
		cancel:         cancel,
		tasks:          make(map[string]*taskRecord),
		stallThreshold: 10 * time.Minute,
		checkInterval:  30 * time.Second,
		logger:         log.StandardLogger(),
		startedAt:      time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.checkInterval > 0 && m.stallThreshold > 0 {
		go m.watchdog()
	}
	return m
}

// TaskHandle gives control over a single supervised task.
type TaskHandle struct {
	Name   string
	cancel context.CancelFunc
	done   chan struct{}
	mon    *Monitor
}

func (h TaskHandle) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Done is closed when the task returns.
func (h TaskHandle) Done() <-chan struct{} {
	return h.done
}

func (h TaskHandle) Status() TaskStatus {
	return h.mon.Status(h.Name)
}

// Go runs fn under name. A finished task with the same name is replaced, a
// running one makes Go fail with ErrTaskRunning.
func (m *Monitor) Go(name string, fn TaskFunc) (TaskHandle, error) {
	if name == "" {
		return TaskHandle{}, fmt.Errorf("missing task name")
	}
	if m.ctx.Err() != nil {
		return TaskHandle{}, fmt.Errorf("monitor stopped")
	}

	m.mu.Lock()
	if existing, ok := m.tasks[name]; ok && existing.running() {
		m.mu.Unlock()
		return TaskHandle{}, fmt.Errorf("%w: %s", ErrTaskRunning, name)
	}
	taskCtx, cancel := context.WithCancel(m.ctx)
	record := newTaskRecord(name, cancel)
	m.tasks[name] = record
	m.wg.Add(1)
	m.mu.Unlock()

	logger := m.logger.WithField("task", name)
	hb := &heartbeat{task: record}

	go func() {
		defer m.wg.Done()
		defer close(record.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				record.finish(TaskStatePanicked, nil, fmt.Sprint(r))
				logger.Errorf("task panicked: %v", r)
			}
		}()

		err := fn(taskCtx, hb)
		switch {
		case err == nil && taskCtx.Err() == nil:
			record.finish(TaskStateCompleted, nil, "")
			logger.Debug("task completed")
		case err == nil:
			record.finish(TaskStateCanceled, taskCtx.Err(), "")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			record.finish(TaskStateCanceled, err, "")
			logger.Debugf("task canceled: %s", err)
		default:
			record.finish(TaskStateFailed, err, "")
			logger.WithError(err).Warn("task failed")
		}
	}()

	return TaskHandle{Name: name, cancel: cancel, done: record.done, mon: m}, nil
}

// Running reports whether the task called name is still running.
func (m *Monitor) Running(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[name]
	return ok && task.running()
}

// Cancel stops the task called name if it is running.
func (m *Monitor) Cancel(name string) bool {
	m.mu.RLock()
	task, ok := m.tasks[name]
	m.mu.RUnlock()
	if !ok || !task.running() {
		return false
	}
	task.cancel()
	return true
}

// Snapshot returns every task, sorted by name.
func (m *Monitor) Snapshot() MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := MonitorStatus{
		StartedAt: m.startedAt,
		Tasks:     make([]TaskStatus, 0, len(m.tasks)),
	}
	for _, task := range m.tasks {
		status.Tasks = append(status.Tasks, task.status())
	}
	sort.Slice(status.Tasks, func(i, j int) bool {
		return status.Tasks[i].Name < status.Tasks[j].Name
	})
	return status
}

func (m *Monitor) Status(name string) TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[name]; ok {
		return task.status()
	}
	return TaskStatus{Name: name}
}

// Stop cancels every task and waits for them to return.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) watchdog() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.inspectTasks(time.Now())
		}
	}
}

func (m *Monitor) inspectTasks(now time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, task := range m.tasks {
		stalled, changed, since := task.checkStall(now, m.stallThreshold)
		if !changed {
			continue
		}
		logger := m.logger.WithField("task", task.name)
		if stalled {
			logger.Warnf("task stalled, no heartbeat for %s", since.Truncate(time.Second))
		} else {
			logger.Info("task recovered after stall")
		}
	}
}

type heartbeat struct {
	task *taskRecord
}

func (h *heartbeat) Tick() {
	h.task.touch()
}

type taskRecord struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu               sync.RWMutex
	start            time.Time
	end              time.Time
	lastHeartbeat    time.Time
	state            TaskState
	errMsg           string
	panicMsg         string
	heartbeatStalled bool
}

func newTaskRecord(name string, cancel context.CancelFunc) *taskRecord {
	now := time.Now()
	return &taskRecord{
		name:          name,
		cancel:        cancel,
		done:          make(chan struct{}),
		start:         now,
		lastHeartbeat: now,
		state:         TaskStateRunning,
	}
}

func (t *taskRecord) touch() {
	t.mu.Lock()
	t.lastHeartbeat = time.Now()
	t.mu.Unlock()
}

func (t *taskRecord) running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == TaskStateRunning
}

// finish records the final state, keeping a panic over any later outcome.
func (t *taskRecord) finish(state TaskState, err error, panicMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskStateRunning {
		return
	}
	t.state = state
	t.end = time.Now()
	t.heartbeatStalled = false
	if err != nil {
		t.errMsg = err.Error()
	}
	t.panicMsg = panicMsg
}

func (t *taskRecord) checkStall(
	now time.Time, threshold time.Duration,
) (stalled, changed bool, since time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskStateRunning {
		return false, false, 0
	}
	since = now.Sub(t.lastHeartbeat)
	stalled = threshold > 0 && since > threshold
	changed = stalled != t.heartbeatStalled
	t.heartbeatStalled = stalled
	return stalled, changed, since
}

func (t *taskRecord) status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskStatus{
		Name:             t.name,
		State:            t.state,
		StartTime:        t.start,
		EndTime:          t.end,
		LastHeartbeat:    t.lastHeartbeat,
		Error:            t.errMsg,
		Panic:            t.panicMsg,
		HeartbeatStalled: t.heartbeatStalled,
	}
}
