package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/webtrace/internal/relay"
	"github.com/dgnsrekt/webtrace/internal/service"
	"github.com/dgnsrekt/webtrace/internal/store"
)

// fakeService backs the handlers with in-memory state.
type fakeService struct {
	tasks map[int64]*store.Task
	steps map[int64][]*store.Step
	next  int64
}

func newFakeService() *fakeService {
	return &fakeService{
		tasks: make(map[int64]*store.Task),
		steps: make(map[int64][]*store.Step),
		next:  1,
	}
}

func (f *fakeService) CreateTask(ctx context.Context, description, taskType, source, website string) (*store.Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, &service.CodedError{Code: service.CodeValidation, Message: "description is required"}
	}
	t := &store.Task{ID: f.next, Description: description, TaskType: taskType, Source: source, Website: website, CreatedAt: time.Now()}
	f.tasks[t.ID] = t
	f.next++
	return t, nil
}

func (f *fakeService) EndTask(ctx context.Context, id int64) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, &service.CodedError{Code: service.CodeTaskNotFound, Message: "no such task"}
	}
	now := time.Now()
	t.EndedAt = &now
	return t, nil
}

func (f *fakeService) SaveAnswer(ctx context.Context, id int64, answer string) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, &service.CodedError{Code: service.CodeTaskNotFound, Message: "no such task"}
	}
	t.Answer = &answer
	return t, nil
}

func (f *fakeService) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, &service.CodedError{Code: service.CodeTaskNotFound, Message: "no such task"}
	}
	return t, nil
}

func (f *fakeService) ListSteps(ctx context.Context, id int64) ([]*store.Step, error) {
	if _, ok := f.tasks[id]; !ok {
		return nil, &service.CodedError{Code: service.CodeTaskNotFound, Message: "no such task"}
	}
	return f.steps[id], nil
}

func (f *fakeService) Status(ctx context.Context) service.SessionStatus {
	return service.SessionStatus{Active: len(f.tasks) > 0}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeService) {
	t.Helper()
	svc := newFakeService()
	srv := httptest.NewServer(NewServer(svc, relay.NewBroker()))
	t.Cleanup(srv.Close)
	return srv, svc
}

func TestCreateTaskEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json",
		strings.NewReader(`{"description":"buy socks","website":"https://shop.example"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ID          int64  `json:"id"`
		Description string `json:"description"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(1), body.ID)
	assert.Equal(t, "buy socks", body.Description)
}

func TestCreateTaskValidationMapsTo400(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json",
		strings.NewReader(`{"description":"   "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTaskNotFoundMapsTo404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/42")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEndTaskAndAnswer(t *testing.T) {
	srv, svc := newTestServer(t)
	_, err := svc.CreateTask(context.Background(), "task", "browsing", "api", "")
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/v1/tasks/1/end", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/tasks/1/answer", "application/json",
		strings.NewReader(`{"answer":"done"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Answer *string `json:"answer"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Answer)
	assert.Equal(t, "done", *body.Answer)
}

func TestListStepsEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)
	task, err := svc.CreateTask(context.Background(), "task", "browsing", "api", "")
	require.NoError(t, err)
	svc.steps[task.ID] = []*store.Step{
		{ID: 1, TaskID: task.ID, Timestamp: time.Now(), EventType: "action:user:click", EventData: `{"url":"https://x"}`, Snapshot: "elements:"},
	}

	resp, err := http.Get(srv.URL + "/api/v1/tasks/1/steps")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Steps []map[string]any `json:"steps"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "action:user:click", body.Steps[0]["event_type"])
	// Snapshots only ship when asked for.
	assert.NotContains(t, body.Steps[0], "snapshot")
}

func TestHealthAndSession(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStreamDeliversSteps(t *testing.T) {
	svc := newFakeService()
	broker := relay.NewBroker()
	srv := httptest.NewServer(NewServer(svc, broker))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the subscriber loop a moment to register before publishing.
	time.Sleep(100 * time.Millisecond)
	relay.NewPublisher(broker).PublishStep(&store.Step{ID: 1, TaskID: 1, Timestamp: time.Now(), EventType: "action:user:click"})

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	payload := string(buf[:n])
	assert.Contains(t, payload, "event: steps")
	assert.Contains(t, payload, "action:user:click")
}
