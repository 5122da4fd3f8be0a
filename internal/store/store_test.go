package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask("buy socks", "browsing", "operator", "example.com")
	require.NoError(t, err)
	require.NotZero(t, id)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, "buy socks", task.Description)
	assert.Equal(t, "example.com", task.Website)
	assert.Nil(t, task.EndedAt)
	assert.Nil(t, task.Answer)
	assert.False(t, task.CreatedAt.IsZero())

	require.NoError(t, s.SaveTaskAnswer(id, "blue pair, $7"))
	require.NoError(t, s.EndTask(id))

	task, err = s.GetTask(id)
	require.NoError(t, err)
	require.NotNil(t, task.Answer)
	assert.Equal(t, "blue pair, $7", *task.Answer)
	require.NotNil(t, task.EndedAt)
	require.NotNil(t, task.DurationSeconds)
	assert.GreaterOrEqual(t, *task.DurationSeconds, 0.0)
}

func TestEndTaskIdempotent(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask("t", "browsing", "operator", "")
	require.NoError(t, err)

	require.NoError(t, s.EndTask(id))
	first, err := s.GetTask(id)
	require.NoError(t, err)

	require.NoError(t, s.EndTask(id))
	second, err := s.GetTask(id)
	require.NoError(t, err)

	assert.Equal(t, first.EndedAt, second.EndedAt)
	assert.Equal(t, first.DurationSeconds, second.DurationSeconds)
}

func TestSaveTaskAnswerUnknownTask(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveTaskAnswer(9999, "answer")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStepsAndRequests(t *testing.T) {
	s := newTestStore(t)

	taskID, err := s.CreateTask("t", "browsing", "operator", "")
	require.NoError(t, err)

	stepID, err := s.InsertStep(&Step{
		TaskID:    taskID,
		EventType: "action:user:click",
		EventData: `{"url":"https://example.com"}`,
	})
	require.NoError(t, err)

	reqID, err := s.InsertRequest(&Request{
		TaskID:           taskID,
		StepID:           &stepID,
		RequestUID:       "net-1",
		URL:              "https://example.com/api",
		Method:           "POST",
		PostData:         "iVBORw==",
		PostDataEncoding: "base64",
		Timestamp:        time.Now(),
	})
	require.NoError(t, err)

	_, err = s.InsertResponse(&Response{
		TaskID:    taskID,
		RequestID: &reqID,
		Status:    200,
		Headers:   `{"content-type":"application/json"}`,
		Body:      []byte(`{"ok":true}`),
	})
	require.NoError(t, err)

	steps, err := s.StepsByTask(taskID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "action:user:click", steps[0].EventType)

	reqs, err := s.RequestsByTask(taskID)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].StepID)
	assert.Equal(t, stepID, *reqs[0].StepID)
	assert.Equal(t, "iVBORw==", reqs[0].PostData)
	assert.Equal(t, "base64", reqs[0].PostDataEncoding)

	resp, err := s.ResponseByRequest(reqID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte(`{"ok":true}`), resp.Body)
}

func TestFindRequestByUID(t *testing.T) {
	s := newTestStore(t)

	taskID, err := s.CreateTask("t", "browsing", "operator", "")
	require.NoError(t, err)

	id, err := s.InsertRequest(&Request{TaskID: taskID, RequestUID: "abc"})
	require.NoError(t, err)

	got, err := s.FindRequestByUID(taskID, "abc")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	missing, err := s.FindRequestByUID(taskID, "nope")
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestResponseByRequestMissing(t *testing.T) {
	s := newTestStore(t)

	resp, err := s.ResponseByRequest(12345)
	require.NoError(t, err)
	assert.Nil(t, resp)
}
