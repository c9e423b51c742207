package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/tick"
	logx "storyloom/pkg/logx"
)

type fakeTicker struct {
	calls atomic.Int32
	sum   tick.Summary
}

func (f *fakeTicker) Run(context.Context) tick.Summary {
	f.calls.Add(1)
	return f.sum
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newServer(t *testing.T, ticker *fakeTicker, pinger Pinger) *httptest.Server {
	t.Helper()
	s := NewServer(ticker, pinger, func() string { return "s3cret" }, logx.Nop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestTickRequiresBearerToken(t *testing.T) {
	ticker := &fakeTicker{}
	srv := newServer(t, ticker, nil)

	for _, tok := range []string{"", "wrong", "s3cret2"} {
		resp, _ := call(t, http.MethodPost, srv.URL+"/api/cron/tick", tok)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "token %q", tok)
	}
	assert.Zero(t, ticker.calls.Load())
}

func TestTickReturnsSummary(t *testing.T) {
	ticker := &fakeTicker{sum: tick.Summary{
		TickID: "t-1", Succeeded: 3, Failed: 1,
		Claimed: tick.TierCounts{Resume: 3, ColdStart: 1},
		Results: []tick.ProjectResult{{ProjectID: "p1", Status: tick.StatusWritten, Sequence: 9}},
	}}
	srv := newServer(t, ticker, nil)

	for _, m := range []string{http.MethodPost, http.MethodGet} {
		resp, body := call(t, m, srv.URL+"/api/cron/tick", "s3cret")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Equal(t, "t-1", body["tick_id"])
		assert.EqualValues(t, 3, body["succeeded"])
		assert.EqualValues(t, 1, body["claimed"].(map[string]any)["cold_start"])
		assert.Len(t, body["results"], 1)
	}
	assert.EqualValues(t, 2, ticker.calls.Load())
}

func TestAbortedTickIs500WithPartialSummary(t *testing.T) {
	ticker := &fakeTicker{sum: tick.Summary{TickID: "t-2", Error: "list active projects: disk I/O error"}}
	srv := newServer(t, ticker, nil)

	resp, body := call(t, http.MethodPost, srv.URL+"/api/cron/tick", "s3cret")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "t-2", body["tick_id"])
	assert.Contains(t, body["error"], "disk I/O error")
}

func TestEmptyConfiguredTokenRejects(t *testing.T) {
	s := NewServer(&fakeTicker{}, nil, func() string { return "" }, logx.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cron/tick", nil)
	req.Header.Set("Authorization", "Bearer ")
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	srv := newServer(t, &fakeTicker{}, fakePinger{})
	resp, body := call(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	down := newServer(t, &fakeTicker{}, fakePinger{err: errors.New("database is closed")})
	resp, body = call(t, http.MethodGet, down.URL+"/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "database is closed", body["error"])
}

func TestProfilerIsOptInAndAuthenticated(t *testing.T) {
	get := func(s *Server, token string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		s.Router().ServeHTTP(rec, req)
		return rec.Code
	}

	off := NewServer(&fakeTicker{}, nil, func() string { return "s3cret" }, logx.Nop())
	assert.Equal(t, http.StatusNotFound, get(off, "s3cret"))

	on := NewServer(&fakeTicker{}, nil, func() string { return "s3cret" }, logx.Nop())
	on.EnableProfiler()
	assert.Equal(t, http.StatusUnauthorized, get(on, ""))
	assert.Equal(t, http.StatusOK, get(on, "s3cret"))
}
