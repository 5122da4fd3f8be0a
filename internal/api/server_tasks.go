package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/webtrace/internal/service"
	"github.com/dgnsrekt/webtrace/internal/store"
)

// taskBody is the task representation on the wire.
type taskBody struct {
	ID              int64    `json:"id"`
	Description     string   `json:"description"`
	TaskType        string   `json:"task_type"`
	Source          string   `json:"source"`
	Website         string   `json:"website,omitempty"`
	Answer          *string  `json:"answer,omitempty"`
	CreatedAt       string   `json:"created_at"`
	EndedAt         *string  `json:"ended_at,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

func taskToBody(t *store.Task) taskBody {
	b := taskBody{
		ID:              t.ID,
		Description:     t.Description,
		TaskType:        t.TaskType,
		Source:          t.Source,
		Website:         t.Website,
		Answer:          t.Answer,
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339Nano),
		DurationSeconds: t.DurationSeconds,
	}
	if t.EndedAt != nil {
		s := t.EndedAt.UTC().Format(time.RFC3339Nano)
		b.EndedAt = &s
	}
	return b
}

type taskIDInput struct {
	TaskID int64 `path:"task_id"`
}

type taskOutput struct {
	Body taskBody
}

func registerTaskHandlers(api huma.API, svc Service) {
	type createTaskInput struct {
		Body struct {
			Description string `json:"description" doc:"What the operator is asked to do"`
			TaskType    string `json:"task_type,omitempty" doc:"Task category, defaults to browsing"`
			Source      string `json:"source,omitempty" doc:"Where the task came from"`
			Website     string `json:"website,omitempty" doc:"Start URL for the session"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "create-task", Method: http.MethodPost, Path: "/api/v1/tasks", Summary: "Create a task and start capturing", Tags: []string{"Tasks"}},
		func(ctx context.Context, input *createTaskInput) (*taskOutput, error) {
			task, err := svc.CreateTask(ctx, input.Body.Description, input.Body.TaskType, input.Body.Source, input.Body.Website)
			if err != nil {
				return nil, mapErr(err)
			}
			return &taskOutput{Body: taskToBody(task)}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-task", Method: http.MethodGet, Path: "/api/v1/tasks/{task_id}", Summary: "Get a task", Tags: []string{"Tasks"}},
		func(ctx context.Context, input *taskIDInput) (*taskOutput, error) {
			task, err := svc.GetTask(ctx, input.TaskID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &taskOutput{Body: taskToBody(task)}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "end-task", Method: http.MethodPost, Path: "/api/v1/tasks/{task_id}/end", Summary: "Finalize the capture session and end the task", Tags: []string{"Tasks"}},
		func(ctx context.Context, input *taskIDInput) (*taskOutput, error) {
			task, err := svc.EndTask(ctx, input.TaskID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &taskOutput{Body: taskToBody(task)}, nil
		})

	type answerInput struct {
		TaskID int64 `path:"task_id"`
		Body   struct {
			Answer string `json:"answer" doc:"Final answer text for the task"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "save-task-answer", Method: http.MethodPost, Path: "/api/v1/tasks/{task_id}/answer", Summary: "Save the task answer", Tags: []string{"Tasks"}},
		func(ctx context.Context, input *answerInput) (*taskOutput, error) {
			task, err := svc.SaveAnswer(ctx, input.TaskID, input.Body.Answer)
			if err != nil {
				return nil, mapErr(err)
			}
			return &taskOutput{Body: taskToBody(task)}, nil
		})
}

func registerHealthHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type sessionOutput struct {
		Body service.SessionStatus
	}
	huma.Register(api, huma.Operation{OperationID: "get-session", Method: http.MethodGet, Path: "/api/v1/session", Summary: "Current capture session status", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*sessionOutput, error) {
			out := &sessionOutput{}
			out.Body = svc.Status(ctx)
			return out, nil
		})
}
