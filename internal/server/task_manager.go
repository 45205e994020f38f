package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus defines the possible states of a task.
type TaskStatus string

const (
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is a background save or AOF rewrite started over HTTP.
type Task struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	mu         sync.RWMutex
}

// TaskManager tracks asynchronous tasks. At most one task per kind runs at
// a time.
type TaskManager struct {
	tasks   map[string]*Task
	running map[string]*Task
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewTaskManager creates a new task manager.
func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks:   make(map[string]*Task),
		running: make(map[string]*Task),
	}
}

// Start runs fn in the background as a task of the given kind. If a task of
// that kind is already running it is returned instead and started is false.
func (tm *TaskManager) Start(kind string, fn func() error) (task *Task, started bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if t, ok := tm.running[kind]; ok {
		return t, false
	}
	task = &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    TaskStatusStarted,
		StartedAt: time.Now().UTC(),
	}
	tm.tasks[task.ID] = task
	tm.running[kind] = task

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		task.SetStatus(TaskStatusRunning)
		if err := fn(); err != nil {
			task.SetError(err)
		} else {
			task.SetStatus(TaskStatusCompleted)
		}

		tm.mu.Lock()
		delete(tm.running, kind)
		tm.mu.Unlock()
	}()
	return task, true
}

// GetTask safely retrieves a task by its ID.
func (tm *TaskManager) GetTask(id string) (*Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, found := tm.tasks[id]
	return task, found
}

// Wait blocks until every started task has finished.
func (tm *TaskManager) Wait() { tm.wg.Wait() }

// --- Methods for updating a Task ---

// SetStatus updates the status of the task.
func (t *Task) SetStatus(status TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
	t.finishLocked()
}

// SetError marks the task as failed and records the error message.
func (t *Task) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusFailed
	t.Error = err.Error()
	t.finishLocked()
}

func (t *Task) finishLocked() {
	if t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed {
		now := time.Now().UTC()
		t.FinishedAt = &now
	}
}

// TaskView is a copy of a task safe to encode.
type TaskView struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// View returns the current state of the task.
func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskView{
		ID:         t.ID,
		Kind:       t.Kind,
		Status:     t.Status,
		Error:      t.Error,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
}
