// Package service exposes capture-session operations to the API layer:
// task lifecycle, answers, and recorded step access.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgnsrekt/webtrace/internal/capture"
	"github.com/dgnsrekt/webtrace/internal/relay"
	"github.com/dgnsrekt/webtrace/internal/store"
)

// StartSession boots a capture session for a freshly created task: launch
// or attach the browser, wire the recorder, and return the session
// manager. Nil when the process was started with a preconfigured task.
type StartSession func(ctx context.Context, task *store.Task) (*capture.Manager, error)

// Service coordinates the store, the relay stream, and at most one active
// capture session.
type Service struct {
	store *store.Store
	pub   *relay.Publisher
	start StartSession

	mu      sync.Mutex
	task    *store.Task
	manager *capture.Manager
}

func New(st *store.Store, pub *relay.Publisher, start StartSession) *Service {
	return &Service{store: st, pub: pub, start: start}
}

// AttachSession binds an already-running capture session, for processes
// that create their task at boot instead of over the API.
func (s *Service) AttachSession(task *store.Task, m *capture.Manager) {
	s.mu.Lock()
	s.task = task
	s.manager = m
	s.mu.Unlock()
	s.pub.PublishTask("created", task)
}

// CreateTask creates a task row and starts a capture session for it. Only
// one session may run at a time.
func (s *Service) CreateTask(ctx context.Context, description, taskType, source, website string) (*store.Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, validationErr("description is required")
	}
	if taskType == "" {
		taskType = "browsing"
	}
	if source == "" {
		source = "api"
	}

	s.mu.Lock()
	busy := s.manager != nil && !s.manager.Finalized()
	s.mu.Unlock()
	if busy {
		return nil, &CodedError{Code: CodeSessionBusy, Message: "a capture session is already running"}
	}

	id, err := s.store.CreateTask(description, taskType, source, website)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}

	if s.start != nil {
		manager, err := s.start(ctx, task)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.task = task
		s.manager = manager
		s.mu.Unlock()
	}

	s.pub.PublishTask("created", task)
	slog.Info("task created", "task_id", task.ID, "description", task.Description)
	return task, nil
}

// EndTask finalizes the session when id names the active task, then closes
// the task row. Ending an already-ended task is a no-op.
func (s *Service) EndTask(ctx context.Context, id int64) (*store.Task, error) {
	s.mu.Lock()
	manager := s.manager
	active := s.task != nil && s.task.ID == id
	s.mu.Unlock()

	if active && manager != nil {
		if err := manager.Finalize(ctx); err != nil {
			slog.Error("session finalization reported an error", "task_id", id, "error", err)
		}
	}

	if err := s.store.EndTask(id); err != nil {
		return nil, mapStoreErr(err)
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.pub.PublishTask("ended", task)
	return task, nil
}

// OnSessionFinalized closes the active task row after the session manager
// finalized on its own (last page closed, process shutdown). Wire it into
// the manager's hooks.
func (s *Service) OnSessionFinalized() {
	s.mu.Lock()
	task := s.task
	s.mu.Unlock()
	if task == nil {
		return
	}

	if err := s.store.EndTask(task.ID); err != nil {
		slog.Error("failed to close task after finalization", "task_id", task.ID, "error", err)
		return
	}
	if updated, err := s.store.GetTask(task.ID); err == nil {
		s.pub.PublishTask("ended", updated)
	}
}

// SaveAnswer records the task's answer text.
func (s *Service) SaveAnswer(ctx context.Context, id int64, answer string) (*store.Task, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, validationErr("answer is required")
	}
	if err := s.store.SaveTaskAnswer(id, answer); err != nil {
		return nil, mapStoreErr(err)
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return task, nil
}

// GetTask loads one task.
func (s *Service) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return task, nil
}

// ListSteps returns a task's recorded steps in insertion order.
func (s *Service) ListSteps(ctx context.Context, id int64) ([]*store.Step, error) {
	if _, err := s.store.GetTask(id); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.store.StepsByTask(id)
}

// SessionStatus describes the current capture session.
type SessionStatus struct {
	Active    bool   `json:"active"`
	Finalized bool   `json:"finalized"`
	TaskID    *int64 `json:"task_id,omitempty"`
}

// Status reports whether a session is running and for which task.
func (s *Service) Status(ctx context.Context) SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStatus{}
	if s.task != nil {
		id := s.task.ID
		st.TaskID = &id
	}
	if s.manager != nil {
		st.Finalized = s.manager.Finalized()
		st.Active = !st.Finalized
	}
	return st
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrTaskNotFound) {
		return &CodedError{Code: CodeTaskNotFound, Message: err.Error()}
	}
	return err
}
