package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/webtrace/internal/store"
)

type stepBody struct {
	ID               int64           `json:"id"`
	TaskID           int64           `json:"task_id"`
	Timestamp        string          `json:"timestamp"`
	EventType        string          `json:"event_type"`
	EventData        json.RawMessage `json:"event_data,omitempty"`
	Snapshot         string          `json:"snapshot,omitempty"`
	SnapshotMetadata json.RawMessage `json:"snapshot_metadata,omitempty"`
	ScreenshotPath   string          `json:"screenshot_path,omitempty"`
}

func stepToBody(s *store.Step, includeSnapshots bool) stepBody {
	b := stepBody{
		ID:             s.ID,
		TaskID:         s.TaskID,
		Timestamp:      s.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:      s.EventType,
		ScreenshotPath: s.ScreenshotPath,
	}
	if json.Valid([]byte(s.EventData)) {
		b.EventData = json.RawMessage(s.EventData)
	}
	if includeSnapshots {
		b.Snapshot = s.Snapshot
		if json.Valid([]byte(s.SnapshotMetadata)) {
			b.SnapshotMetadata = json.RawMessage(s.SnapshotMetadata)
		}
	}
	return b
}

func registerStepHandlers(api huma.API, svc Service) {
	type listStepsInput struct {
		TaskID           int64 `path:"task_id"`
		IncludeSnapshots bool  `query:"include_snapshots" doc:"Include rendered snapshots and their metadata (large)"`
	}
	type listStepsOutput struct {
		Body struct {
			Steps []stepBody `json:"steps"`
			Count int        `json:"count"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-task-steps", Method: http.MethodGet, Path: "/api/v1/tasks/{task_id}/steps", Summary: "List a task's recorded steps", Tags: []string{"Steps"}},
		func(ctx context.Context, input *listStepsInput) (*listStepsOutput, error) {
			steps, err := svc.ListSteps(ctx, input.TaskID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listStepsOutput{}
			out.Body.Steps = make([]stepBody, 0, len(steps))
			for _, s := range steps {
				out.Body.Steps = append(out.Body.Steps, stepToBody(s, input.IncludeSnapshots))
			}
			out.Body.Count = len(out.Body.Steps)
			return out, nil
		})
}
