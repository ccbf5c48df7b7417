// Package sessiontask defines the SessionSink and TaskSink external
// collaborators: the UI/session layer that consumes delivered messages, and
// the task bookkeeping layer that tracks long-lived transfers. Both are out
// of scope per spec.md §1 beyond the interfaces the core calls into; the
// in-memory implementations here exist only so the core is runnable and
// testable standalone.
package sessiontask

import (
	"fmt"
	"sync"
	"time"
)

// MessageInfo is a delivered application message handed to SessionSink.
type MessageInfo struct {
	Source    string
	Dest      string
	Kind      string // "text" | "picture" | "file"
	Body      string
	GroupID   string
	CreatedAt time.Time
}

// SessionSink receives application messages for local delivery/UI rendering.
type SessionSink interface {
	CreateMessage(msg MessageInfo, isLocalOrigin bool)
}

// TaskState mirrors spec.md §3's Task.state.
type TaskState int

const (
	TaskNew TaskState = iota
	TaskRunning
	TaskPaused
	TaskFinished
	TaskErrored
)

func (s TaskState) String() string {
	switch s {
	case TaskNew:
		return "New"
	case TaskRunning:
		return "Running"
	case TaskPaused:
		return "Paused"
	case TaskFinished:
		return "Finished"
	case TaskErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// TaskKind distinguishes transfer kinds for bookkeeping.
type TaskKind int

const (
	KindPicture TaskKind = iota
	KindFileTransfer
	KindGroupFileUpload
)

// TaskMode mirrors Single vs fan-out transfers.
type TaskMode int

const (
	ModeSingle TaskMode = iota
	ModeGroup
)

// Task is the bookkeeping record spec.md §3 describes.
type Task struct {
	TaskID  string
	Kind    TaskKind
	Mode    TaskMode
	Payload string
	State   TaskState
	Percent int
}

// TaskSink creates and updates Task bookkeeping records. The core never
// blocks on a TaskSink call; all operations here are cheap in-memory map
// operations appropriate for running directly from reactor-goroutine
// handlers.
type TaskSink interface {
	CreateTask(taskID string, kind TaskKind, mode TaskMode, payload string) error
	PauseTask(taskID string) error
	RestoreTask(taskID string) error
	Progress(taskID string, percent int) error
	FinishTask(taskID string) error
	ErrorTask(taskID string, cause error) error
}

// MemorySessionSink stores every delivered message for inspection, useful in
// tests and small deployments.
type MemorySessionSink struct {
	mu       sync.Mutex
	Messages []MessageInfo
}

func NewMemorySessionSink() *MemorySessionSink { return &MemorySessionSink{} }

func (s *MemorySessionSink) CreateMessage(msg MessageInfo, isLocalOrigin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msg)
}

// MemoryTaskSink is a simple in-memory TaskSink.
type MemoryTaskSink struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewMemoryTaskSink() *MemoryTaskSink {
	return &MemoryTaskSink{tasks: make(map[string]*Task)}
}

func (s *MemoryTaskSink) CreateTask(taskID string, kind TaskKind, mode TaskMode, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = &Task{TaskID: taskID, Kind: kind, Mode: mode, Payload: payload, State: TaskNew}
	return nil
}

func (s *MemoryTaskSink) PauseTask(taskID string) error {
	return s.transition(taskID, TaskPaused)
}

func (s *MemoryTaskSink) RestoreTask(taskID string) error {
	return s.transition(taskID, TaskRunning)
}

func (s *MemoryTaskSink) FinishTask(taskID string) error {
	return s.transition(taskID, TaskFinished)
}

func (s *MemoryTaskSink) ErrorTask(taskID string, cause error) error {
	return s.transition(taskID, TaskErrored)
}

func (s *MemoryTaskSink) Progress(taskID string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("sessiontask: unknown task %s", taskID)
	}
	t.Percent = percent
	return nil
}

func (s *MemoryTaskSink) transition(taskID string, state TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("sessiontask: unknown task %s", taskID)
	}
	t.State = state
	return nil
}

// Snapshot returns a copy of a task's current bookkeeping state, for tests.
func (s *MemoryTaskSink) Snapshot(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}
