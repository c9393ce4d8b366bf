// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package store holds every conversation task in memory.
//
// The index (task id -> task, context id -> task id) is guarded by one
// short-lived lock that is never held across I/O. Each task additionally
// owns two locks of its own:
//
//   - a turn lock, held by the orchestrator for a whole turn including any
//     detached follow-up, so turns on one context run strictly in arrival
//     order while turns on different contexts never wait on each other;
//   - a data lock, held only while a mutation or a snapshot copy runs, so
//     readers see a consistent (possibly stale) copy without waiting for a
//     slow render to finish.
//
// State is volatile: it lives only as long as the process.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"docagent/src/model"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrContextNotFound = errors.New("context not found")
	ErrContextExists   = errors.New("context already has a task")
	ErrLeaseReleased   = errors.New("turn lease already released")
)

type entry struct {
	turn chan struct{} // capacity 1; a token in the channel means a turn is running
	mu   sync.RWMutex
	task *model.Task
}

// TaskStore maps contexts to tasks. The zero value is not usable; call New.
type TaskStore struct {
	mu       sync.RWMutex
	tasks    map[string]*entry
	contexts map[string]string
	order    []string // insertion order for stable iteration

	now   func() time.Time
	newID func() string
}

type Option func(*TaskStore)

// WithClock overrides the time source used for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *TaskStore) { s.now = now }
}

// WithIDGenerator overrides the generator for task and context ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *TaskStore) { s.newID = gen }
}

func New(opts ...Option) *TaskStore {
	s := &TaskStore{
		tasks:    make(map[string]*entry),
		contexts: make(map[string]string),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's notion of the current time.
func (s *TaskStore) Now() time.Time { return s.now() }

// Create registers a new task for contextID. An empty contextID gets a
// freshly generated one.
func (s *TaskStore) Create(contextID string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(contextID)
}

func (s *TaskStore) createLocked(contextID string) (model.Task, error) {
	if contextID == "" {
		contextID = s.newID()
	}
	if _, ok := s.contexts[contextID]; ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrContextExists, contextID)
	}
	task := model.NewTask(s.newID(), contextID, s.now())
	s.tasks[task.ID] = &entry{turn: make(chan struct{}, 1), task: task}
	s.contexts[contextID] = task.ID
	s.order = append(s.order, task.ID)
	return task.Clone(), nil
}

// Resolve finds the task for contextID, creating one when contextID is
// empty. An unknown contextID is an ErrContextNotFound unless adopt is set,
// in which case a task is created under the caller's id. The lookup and the
// creation happen under one lock so two first turns cannot both create.
func (s *TaskStore) Resolve(contextID string, adopt bool) (task model.Task, created bool, err error) {
	if contextID != "" {
		if t, ok := s.GetByContext(contextID); ok {
			return t, false, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if contextID != "" {
		if id, ok := s.contexts[contextID]; ok {
			return s.snapshotLocked(id), false, nil
		}
		if !adopt {
			return model.Task{}, false, fmt.Errorf("%w: %s", ErrContextNotFound, contextID)
		}
	}
	task, err = s.createLocked(contextID)
	return task, err == nil, err
}

// GetByContext returns a snapshot of the task bound to contextID.
func (s *TaskStore) GetByContext(contextID string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.contexts[contextID]
	if !ok {
		return model.Task{}, false
	}
	return s.snapshotLocked(id), true
}

// Get returns a snapshot of a task by id.
func (s *TaskStore) Get(taskID string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return model.Task{}, false
	}
	return s.snapshotLocked(taskID), true
}

func (s *TaskStore) snapshotLocked(taskID string) model.Task {
	e := s.tasks[taskID]
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.task.Clone()
}

// Len returns the number of tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Acquire takes the turn lock of a task, blocking while another turn (or
// its follow-up) holds it. Waiters are admitted in arrival order. The
// returned lease is the only way to mutate the task.
func (s *TaskStore) Acquire(ctx context.Context, taskID string) (*Lease, error) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	select {
	case e.turn <- struct{}{}:
		return &Lease{store: s, entry: e, taskID: taskID}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for turn on task %s: %w", taskID, ctx.Err())
	}
}

// Lease is exclusive ownership of one task for the duration of a turn. It
// may be handed from the request goroutine to a detached follow-up; it must
// be released exactly once.
type Lease struct {
	store  *TaskStore
	entry  *entry
	taskID string

	mu       sync.Mutex
	released bool
}

func (l *Lease) TaskID() string { return l.taskID }

// Task returns a snapshot of the leased task.
func (l *Lease) Task() model.Task {
	l.entry.mu.RLock()
	defer l.entry.mu.RUnlock()
	return l.entry.task.Clone()
}

// Mutate applies fn to the task under its data lock. If fn returns an error
// the task is left as fn left it; callers are expected to validate before
// writing.
func (l *Lease) Mutate(fn func(t *model.Task, now time.Time) error) error {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return ErrLeaseReleased
	}

	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	return fn(l.entry.task, l.store.now())
}

// Release gives the turn back. Calling it more than once is a no-op.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	<-l.entry.turn
}
