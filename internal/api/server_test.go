package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"timeflow/internal/dispatch"
	"timeflow/internal/domain"
	"timeflow/internal/notify"
	"timeflow/internal/queue"
	"timeflow/internal/scheduler"
	"timeflow/internal/timer"
)

type okRemote struct{}

func (okRemote) Deliver(ctx context.Context, task domain.Task) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))

	store := queue.NewSQLiteStore(db)
	bus := timer.NewBus()
	machine, err := timer.NewMachine(context.Background(), store, bus, nil)
	require.NoError(t, err)
	sched := scheduler.NewService(store)
	dispatcher := dispatch.New(store, sched, okRemote{}, notify.LogNotifier{}, time.Second)

	srv := httptest.NewServer(NewServer(store, sched, dispatcher, machine, bus, 25))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestTimerEndpoints(t *testing.T) {
	srv := newTestServer(t)

	t.Run("start requires a project", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/timer/start", map[string]string{})
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("pause from stopped is rejected", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/timer/pause", nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("start pause resume stop", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/timer/start", map[string]string{"project_id": "proj-1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap := decode[domain.TimerSnapshot](t, resp)
		require.Equal(t, domain.TimerRunning, snap.State)

		resp = postJSON(t, srv.URL+"/api/timer/pause", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap = decode[domain.TimerSnapshot](t, resp)
		require.Equal(t, domain.TimerPaused, snap.State)

		resp = postJSON(t, srv.URL+"/api/timer/resume", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap = decode[domain.TimerSnapshot](t, resp)
		require.Equal(t, domain.TimerRunning, snap.State)

		got, err := http.Get(srv.URL + "/api/timer")
		require.NoError(t, err)
		polled := decode[domain.TimerSnapshot](t, got)
		require.Equal(t, snap.Revision, polled.Revision)

		resp = postJSON(t, srv.URL+"/api/timer/stop", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap = decode[domain.TimerSnapshot](t, resp)
		require.Equal(t, domain.TimerStopped, snap.State)
	})
}

func TestSyncEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/timer/start", map[string]string{"project_id": "proj-1"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("stats count pending by type", func(t *testing.T) {
		got, err := http.Get(srv.URL + "/api/sync/stats")
		require.NoError(t, err)
		stats := decode[domain.QueueStats](t, got)
		require.Equal(t, 1, stats.PendingCount)
		require.Equal(t, 1, stats.PendingByType[domain.EntityTimeEntryStart])
	})

	t.Run("failed is an empty list", func(t *testing.T) {
		got, err := http.Get(srv.URL + "/api/sync/failed?limit=50")
		require.NoError(t, err)
		tasks := decode[[]domain.Task](t, got)
		require.Empty(t, tasks)
	})

	t.Run("retry with nothing failed returns zero", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/sync/retry", map[string]int{"limit": 50})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string]int](t, resp)
		require.Equal(t, 0, body["count"])
	})

	t.Run("sync now drains the queue", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/sync/now", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decode[dispatch.Result](t, resp)
		require.Equal(t, 1, res.Sent)

		got, err := http.Get(srv.URL + "/api/sync/status")
		require.NoError(t, err)
		status := decode[domain.SyncStatus](t, got)
		require.True(t, status.IsOnline)
		require.NotNil(t, status.LastSyncAt)
		require.Zero(t, status.PendingCount)
	})
}

func TestSleepGapSettings(t *testing.T) {
	srv := newTestServer(t)

	got, err := http.Get(srv.URL + "/api/settings/sleep-gap")
	require.NoError(t, err)
	current := decode[map[string]int](t, got)
	require.Equal(t, timer.DefaultSleepGapMinutes, current["minutes"])

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/settings/sleep-gap", bytes.NewReader([]byte(`{"minutes":15}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	updated := decode[map[string]int](t, resp)
	require.Equal(t, 15, updated["minutes"])

	req, err = http.NewRequest(http.MethodPut, srv.URL+"/api/settings/sleep-gap", bytes.NewReader([]byte(`{"minutes":500}`)))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIdleRequest(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/idle/request", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func readSSE(t *testing.T, r *bufio.Reader) timer.IdleEvent {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev timer.IdleEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		return ev
	}
}

func TestIdleEventsStream(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/idle/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// The stream opens with a loading placeholder, then the authoritative
	// state clears it.
	first := readSSE(t, reader)
	require.True(t, first.IsLoading)
	require.Nil(t, first.IdlePauseStart)

	second := readSSE(t, reader)
	require.False(t, second.IsLoading)
	require.Nil(t, second.IdlePauseStart)
}
