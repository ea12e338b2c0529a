package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnios-bhyve/taskengine/internal/search"
	"github.com/omnios-bhyve/taskengine/internal/task"
)

type fakeStore struct {
	tasks      map[string]task.Task
	lastFilter task.ListFilter
	counts     task.StatusCounts
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]task.Task)}
}

func (f *fakeStore) Get(ctx context.Context, id string) (task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return task.Task{}, context.Canceled
	}
	return t, nil
}

func (f *fakeStore) List(ctx context.Context, filter task.ListFilter) ([]task.Task, int, error) {
	f.lastFilter = filter
	var out []task.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, len(out), nil
}

func (f *fakeStore) CountByStatus(ctx context.Context) (task.StatusCounts, error) {
	return f.counts, nil
}

func (f *fakeStore) CancelPending(ctx context.Context, id string) (task.Status, error) {
	t, ok := f.tasks[id]
	if !ok {
		return "", context.Canceled
	}
	if t.Status != task.StatusPending {
		return t.Status, nil
	}
	t.Status = task.StatusCancelled
	f.tasks[id] = t
	return task.StatusCancelled, nil
}

func TestHandleGetTaskFound(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = task.Task{ID: "t1", Operation: "zone_start", Status: task.StatusRunning}

	srv := NewServer(Config{Store: store})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/t1", nil)
	srv.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestHandleGetTaskNotFound(t *testing.T) {
	srv := NewServer(Config{Store: newFakeStore()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/missing", nil)
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleCancelNonPendingReturnsCurrentStatus(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = task.Task{ID: "t1", Status: task.StatusRunning}

	srv := NewServer(Config{Store: store})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/tasks/t1", nil)
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}

func TestHandleCancelPendingSucceeds(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = task.Task{ID: "t1", Status: task.StatusPending}

	srv := NewServer(Config{Store: store})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/tasks/t1", nil)
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, task.StatusCancelled, store.tasks["t1"].Status)
}

func TestHandleListSinceRequiresRFC3339(t *testing.T) {
	srv := NewServer(Config{Store: newFakeStore()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks?since=not-a-time", nil)
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleListUsesSearchIndexWhenQueryGiven(t *testing.T) {
	idx, err := search.New()
	require.NoError(t, err)
	require.NoError(t, idx.Put(task.Task{ID: "match", Operation: "zone_start", ErrorMessage: "bhyve boot failure"}))
	require.NoError(t, idx.Put(task.Task{ID: "nomatch", Operation: "zone_stop"}))

	store := newFakeStore()
	store.tasks["match"] = task.Task{ID: "match", Operation: "zone_start"}
	store.tasks["nomatch"] = task.Task{ID: "nomatch", Operation: "zone_stop"}

	srv := NewServer(Config{Store: store, Search: idx})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks?q=boot", nil)
	srv.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	tasks := data["tasks"].([]interface{})
	require.Len(t, tasks, 1)
}

func TestHandleStatsReportsProcessorAndRunning(t *testing.T) {
	store := newFakeStore()
	store.counts = task.StatusCounts{Pending: 2, Completed: 5}

	srv := NewServer(Config{Store: store, MaxConcurrent: 5, ProcessorRunning: func() bool { return true }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/stats", nil)
	srv.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["pending"])
	assert.Equal(t, float64(5), data["completed"])
	assert.Equal(t, true, data["processor_running"])
}
