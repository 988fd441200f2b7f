package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridschedgo/internal/core"
	"github.com/vk/gridschedgo/internal/protocol"
)

func newTestServer(t *testing.T) (*core.Core, chan protocol.ToSchedulerMessage, *httptest.Server) {
	t.Helper()
	c := core.New()
	events := make(chan protocol.ToSchedulerMessage, 16)
	ts := httptest.NewServer(NewServer(c, events).Router())
	t.Cleanup(ts.Close)
	return c, events, ts
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListWorkers(t *testing.T) {
	c, _, ts := newTestServer(t)
	w := core.NewWorker(c.NewWorkerID(), 4, "10.0.0.1:9000")
	require.NoError(t, c.RegisterWorker(w))

	resp, err := http.Get(ts.URL + "/v1/workers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var workers []core.WorkerInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&workers))
	require.Len(t, workers, 1)
	assert.Equal(t, w.ID, workers[0].ID)
	assert.Equal(t, 4, workers[0].Capacity)
}

func TestSubmitTasks(t *testing.T) {
	t.Run("accepts a graph and announces each task", func(t *testing.T) {
		c, events, ts := newTestServer(t)
		body := `{"tasks":[{"key":"t1"},{"key":"t2","deps":["t1"]}]}`

		resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		var sr submitResp
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sr))
		assert.Equal(t, 2, sr.Accepted)
		assert.Len(t, c.Tasks(), 2)

		require.Len(t, events, 2)
		ev := <-events
		assert.Equal(t, protocol.BridgeNewTask, ev.Type)
		assert.Equal(t, "t1", ev.NewTask.Key)
	})

	t.Run("rejects invalid bodies", func(t *testing.T) {
		_, _, ts := newTestServer(t)
		for _, body := range []string{"{broken", `{"tasks":[]}`, `{"tasks":[{"key":""}]}`} {
			resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body: %s", body)
		}
	})

	t.Run("duplicate key conflicts", func(t *testing.T) {
		c, _, ts := newTestServer(t)
		require.NoError(t, c.AddTask("t1", nil))

		resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(`{"tasks":[{"key":"t1"}]}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestListTasks(t *testing.T) {
	c, _, ts := newTestServer(t)
	require.NoError(t, c.AddTask("t1", nil))

	resp, err := http.Get(ts.URL + "/v1/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks []core.TaskInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].Key)
	assert.Equal(t, "waiting", tasks[0].State)
}
