package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riptideq/riptide/riptide"
	"github.com/riptideq/riptide/riptide/config"
	"github.com/riptideq/riptide/riptide/driver"
	"github.com/riptideq/riptide/riptide/job"
	"github.com/riptideq/riptide/riptide/server"
)

func newTestServer(t *testing.T) (*riptide.Queue, http.Handler) {
	t.Helper()

	q, err := riptide.New(context.Background(), &config.Config{
		Driver:       driver.DriverMemory,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return q, server.New(q, 0).Handler()
}

func doRequest(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestGetJobEndpoint(t *testing.T) {
	q, h := newTestServer(t)

	id, err := q.CreateJob(context.Background(), "scrape",
		map[string]string{"url": "https://example.com"},
		riptide.WithPriority(job.PriorityHigh),
		riptide.WithUser("u-1"),
	)
	require.NoError(t, err)

	w := doRequest(h, http.MethodGet, "/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, id, got.ID)
	require.Equal(t, "scrape", got.Type)
	require.Equal(t, job.StatusPending, got.Status)
	require.Equal(t, job.PriorityHigh, got.Priority)
}

func TestGetJobNotFound(t *testing.T) {
	_, h := newTestServer(t)

	w := doRequest(h, http.MethodGet, "/api/jobs/no-such-id", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body["error"], "not found")
}

func TestCancelJobEndpoint(t *testing.T) {
	q, h := newTestServer(t)

	id, err := q.CreateJob(context.Background(), "scrape", nil, riptide.WithUser("u-1"))
	require.NoError(t, err)

	w := doRequest(h, http.MethodPost, "/api/jobs/"+id+"/cancel", `{"user_id":"u-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body["cancelled"])

	// Second cancel is a no-op, not an error.
	w = doRequest(h, http.MethodPost, "/api/jobs/"+id+"/cancel", `{"user_id":"u-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.False(t, body["cancelled"])
}

func TestCancelJobForbiddenForOtherUser(t *testing.T) {
	q, h := newTestServer(t)

	id, err := q.CreateJob(context.Background(), "scrape", nil, riptide.WithUser("owner"))
	require.NoError(t, err)

	w := doRequest(h, http.MethodPost, "/api/jobs/"+id+"/cancel", `{"user_id":"intruder"}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	j, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, j.Status)
}

func TestUserJobsEndpoint(t *testing.T) {
	q, h := newTestServer(t)

	for i := 0; i < 3; i++ {
		_, err := q.CreateJob(context.Background(), "scrape", nil, riptide.WithUser("u-1"))
		require.NoError(t, err)
	}

	w := doRequest(h, http.MethodGet, "/api/users/u-1/jobs?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		UserID string     `json:"user_id"`
		Jobs   []*job.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "u-1", body.UserID)
	require.Len(t, body.Jobs, 2)
}

func TestUserJobsEmptyList(t *testing.T) {
	_, h := newTestServer(t)

	w := doRequest(h, http.MethodGet, "/api/users/nobody/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"jobs":[]`)
}

func TestUserJobsInvalidLimit(t *testing.T) {
	_, h := newTestServer(t)

	for _, limit := range []string{"abc", "0", "-5"} {
		w := doRequest(h, http.MethodGet, "/api/users/u-1/jobs?limit="+limit, "")
		require.Equalf(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
}

func TestStatsEndpoint(t *testing.T) {
	q, h := newTestServer(t)

	_, err := q.CreateJob(context.Background(), "scrape", nil, riptide.WithPriority(job.PriorityUrgent))
	require.NoError(t, err)

	w := doRequest(h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		Lanes map[string]int64 `json:"lanes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.EqualValues(t, 1, stats.Lanes["10"])
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestServer(t)

	w := doRequest(h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}
