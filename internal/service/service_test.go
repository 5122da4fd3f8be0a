package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/webtrace/internal/capture"
	"github.com/dgnsrekt/webtrace/internal/relay"
	"github.com/dgnsrekt/webtrace/internal/store"
)

func newTestService(t *testing.T, start StartSession) *Service {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st, relay.NewPublisher(relay.NewBroker()), start)
}

func managerStarter(t *testing.T) StartSession {
	t.Helper()
	dir := t.TempDir()
	return func(ctx context.Context, task *store.Task) (*capture.Manager, error) {
		return capture.NewManager(dir, task, capture.Hooks{})
	}
}

func TestCreateTaskRequiresDescription(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.CreateTask(context.Background(), "  ", "", "", "")
	var coded *CodedError
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, CodeValidation, coded.Code)
}

func TestCreateAndEndTaskLifecycle(t *testing.T) {
	svc := newTestService(t, managerStarter(t))

	task, err := svc.CreateTask(context.Background(), "order a pizza", "", "", "https://pizza.example")
	require.NoError(t, err)
	assert.Equal(t, "browsing", task.TaskType)

	status := svc.Status(context.Background())
	assert.True(t, status.Active)
	require.NotNil(t, status.TaskID)
	assert.Equal(t, task.ID, *status.TaskID)

	ended, err := svc.EndTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.NotNil(t, ended.EndedAt)

	status = svc.Status(context.Background())
	assert.False(t, status.Active)
	assert.True(t, status.Finalized)
}

func TestCreateTaskRejectedWhileSessionRuns(t *testing.T) {
	svc := newTestService(t, managerStarter(t))

	_, err := svc.CreateTask(context.Background(), "first", "", "", "")
	require.NoError(t, err)

	_, err = svc.CreateTask(context.Background(), "second", "", "", "")
	var coded *CodedError
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, CodeSessionBusy, coded.Code)
}

func TestSaveAnswerUnknownTask(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.SaveAnswer(context.Background(), 404, "the answer")
	var coded *CodedError
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, CodeTaskNotFound, coded.Code)
}

func TestOnSessionFinalizedClosesTask(t *testing.T) {
	svc := newTestService(t, managerStarter(t))

	task, err := svc.CreateTask(context.Background(), "read the news", "", "", "")
	require.NoError(t, err)

	svc.OnSessionFinalized()

	loaded, err := svc.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.NotNil(t, loaded.EndedAt)
}
