package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"autotrader/internal/models"
	"autotrader/internal/modules/health/service"
	"autotrader/internal/notify"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControl struct {
	mu     sync.Mutex
	st     models.EngineStatus
	starts int
	stops  int
}

func (f *fakeControl) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.st.Running = true
	return nil
}

func (f *fakeControl) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.st.Running = false
	return nil
}

func (f *fakeControl) Status() models.EngineStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeControl) set(st models.EngineStatus) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

func (f *fakeControl) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func serve(t *testing.T, state *service.State, ctl Control) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewMux(state, ctl, notify.NewHub()))
	t.Cleanup(srv.Close)
	return srv
}

func TestReadiness(t *testing.T) {
	state := service.NewState(time.Minute)
	ctl := &fakeControl{}
	srv := serve(t, state, ctl)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	state.SetReady(true)
	ctl.set(models.EngineStatus{Running: true, LastCycle: time.Now()})
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// цикл не отрабатывал дольше трёх интервалов
	ctl.set(models.EngineStatus{Running: true, LastCycle: time.Now().Add(-10 * time.Minute)})
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthzJSON(t *testing.T) {
	state := service.NewState(time.Minute)
	state.SetReady(true)
	last := time.Now().Truncate(time.Second)
	ctl := &fakeControl{st: models.EngineStatus{Running: true, LastCycle: last, Cycle: 7, ActivePositions: 2, Monitors: 2}}
	srv := serve(t, state, ctl)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Ready           bool  `json:"ready"`
		Running         bool  `json:"running"`
		Cycle           int64 `json:"cycle"`
		ActivePositions int   `json:"activePositions"`
		LastCycleUnix   int64 `json:"lastCycleUnix"`
	}
	require.NoError(t, sonic.ConfigStd.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Ready)
	assert.True(t, body.Running)
	assert.Equal(t, int64(7), body.Cycle)
	assert.Equal(t, 2, body.ActivePositions)
	assert.Equal(t, last.Unix(), body.LastCycleUnix)
}

func TestHealthzStalled(t *testing.T) {
	state := service.NewState(time.Minute)
	state.SetReady(true)
	last := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	srv := serve(t, state, &fakeControl{st: models.EngineStatus{Running: true, LastCycle: last}})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Ready            bool   `json:"ready"`
		State            string `json:"state"`
		StalledSinceUnix int64  `json:"stalledSinceUnix"`
	}
	require.NoError(t, sonic.ConfigStd.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Ready)
	assert.Equal(t, service.StateStalled, body.State)
	assert.Equal(t, last.Unix(), body.StalledSinceUnix)
}

func TestControlEndpoints(t *testing.T) {
	ctl := &fakeControl{}
	srv := serve(t, service.NewState(time.Minute), ctl)

	resp, err := http.Get(srv.URL + "/control/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/control/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	starts, _ := ctl.counts()
	assert.Equal(t, 1, starts)

	resp, err = http.Post(srv.URL+"/control/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, stops := ctl.counts()
	assert.Equal(t, 1, stops)
	assert.False(t, ctl.Status().Running)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := serve(t, service.NewState(time.Minute), &fakeControl{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
