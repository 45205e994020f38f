package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/kektorkv/pkg/core"
	"github.com/sanonone/kektorkv/pkg/engine"
)

const testToken = "test-secret-token"

func newTestServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	opts := engine.DefaultOptions(t.TempDir())
	opts.MaintenanceInterval = time.Hour
	eng, err := engine.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	s := NewServer(eng, "", token)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// call sends body as JSON and decodes the JSON reply into a generic map.
func call(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestHealthzAndAuth(t *testing.T) {
	ts := newTestServer(t, testToken)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/kv/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, _ := call(t, ts, http.MethodGet, "/kv/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, "")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/kv/a", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(ts.URL + "/kv/a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
}

func TestKVStringCommands(t *testing.T) {
	ts := newTestServer(t, testToken)

	status, out := call(t, ts, http.MethodPut, "/kv/greeting", KVSetRequest{Value: "Hello"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["applied"])

	status, out = call(t, ts, http.MethodPost, "/kv/greeting/append", KVValueRequest{Value: " World"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(11), out["length"])

	status, out = call(t, ts, http.MethodGet, "/kv/greeting/range?start=-5&end=-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "World", out["value"])

	status, out = call(t, ts, http.MethodPost, "/kv/greeting/setrange", KVSetRangeRequest{Offset: 6, Value: "Gophr"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(11), out["length"])

	status, out = call(t, ts, http.MethodGet, "/kv/greeting", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hello Gophr", out["value"])

	status, out = call(t, ts, http.MethodGet, "/kv/greeting/strlen", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(11), out["length"])

	status, out = call(t, ts, http.MethodPut, "/kv/greeting", KVSetRequest{Value: "new", Get: true, NX: true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["applied"])
	assert.Equal(t, "Hello Gophr", out["old"])

	status, _ = call(t, ts, http.MethodPost, "/kv/greeting/setrange", KVSetRangeRequest{Offset: -1, Value: "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, ts, http.MethodPost, "/kv/greeting/setrange", KVSetRangeRequest{Offset: core.MaxStringLength, Value: "x"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	status, _ = call(t, ts, http.MethodGet, "/kv/greeting/range?start=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = call(t, ts, http.MethodDelete, "/kv/greeting", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), out["deleted"])

	status, _ = call(t, ts, http.MethodGet, "/kv/greeting", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestKVCounters(t *testing.T) {
	ts := newTestServer(t, testToken)

	status, out := call(t, ts, http.MethodPost, "/kv/n/incr", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), out["value"])

	by := int64(-11)
	status, out = call(t, ts, http.MethodPost, "/kv/n/incr", KVIncrRequest{By: &by})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(-10), out["value"])

	status, out = call(t, ts, http.MethodPost, "/kv/n/incrbyfloat", KVIncrByFloatRequest{By: "10.25"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0.25", out["value"])

	status, _ = call(t, ts, http.MethodPost, "/kv/n/incr", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, ts, http.MethodPost, "/kv/n/incrbyfloat", KVIncrByFloatRequest{By: "nan"})
	assert.Equal(t, http.StatusBadRequest, status)

	maxInt := int64(1<<63 - 1)
	status, _ = call(t, ts, http.MethodPut, "/kv/big", KVSetRequest{Value: "1"})
	require.Equal(t, http.StatusOK, status)
	status, _ = call(t, ts, http.MethodPost, "/kv/big/incr", KVIncrRequest{By: &maxInt})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestKVTTL(t *testing.T) {
	ts := newTestServer(t, testToken)

	status, _ := call(t, ts, http.MethodGet, "/kv/k/ttl", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, ts, http.MethodPut, "/kv/k", KVSetRequest{Value: "v", ExMs: 60_000})
	require.Equal(t, http.StatusOK, status)

	status, out := call(t, ts, http.MethodGet, "/kv/k/ttl", nil)
	require.Equal(t, http.StatusOK, status)
	ttl := out["ttl_ms"].(float64)
	assert.True(t, ttl > 50_000 && ttl <= 60_000, "ttl %v", ttl)

	status, out = call(t, ts, http.MethodPost, "/kv/k/persist", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["persisted"])

	status, out = call(t, ts, http.MethodGet, "/kv/k/ttl", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(-1), out["ttl_ms"])

	status, _ = call(t, ts, http.MethodPost, "/kv/k/expire", KVExpireRequest{TTLMs: 1000, AtMs: 1})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = call(t, ts, http.MethodPost, "/kv/k/expire", KVExpireRequest{TTLMs: 1000})
	assert.Equal(t, http.StatusOK, status)
	status, _ = call(t, ts, http.MethodPost, "/kv/nope/expire", KVExpireRequest{TTLMs: 1000})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, ts, http.MethodPut, "/kv/k", KVSetRequest{Value: "v", ExMs: 1000, KeepTTL: true})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestKVMultiKey(t *testing.T) {
	ts := newTestServer(t, testToken)

	status, out := call(t, ts, http.MethodPost, "/kv/_mset", KVMSetRequest{
		Pairs: []KVPair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["applied"])

	status, out = call(t, ts, http.MethodPost, "/kv/_mset", KVMSetRequest{
		Pairs: []KVPair{{Key: "b", Value: "x"}, {Key: "c", Value: "3"}},
		NX:    true,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["applied"])

	status, out = call(t, ts, http.MethodPost, "/kv/_mget", KVMGetRequest{Keys: []string{"a", "c", "b"}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"1", nil, "2"}, out["values"])

	status, _ = call(t, ts, http.MethodPost, "/kv/_mset", KVMSetRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, ts, http.MethodPost, "/kv/_mget", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSystemEndpoints(t *testing.T) {
	ts := newTestServer(t, testToken)

	status, _ := call(t, ts, http.MethodPut, "/kv/a", KVSetRequest{Value: "1"})
	require.Equal(t, http.StatusOK, status)

	status, _ = call(t, ts, http.MethodPost, "/system/aof-rewrite", nil)
	assert.Equal(t, http.StatusOK, status)

	status, out := call(t, ts, http.MethodPost, "/system/save?async=true", nil)
	require.Contains(t, []int{http.StatusAccepted, http.StatusConflict}, status)
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		status, out := call(t, ts, http.MethodGet, "/system/tasks/"+id, nil)
		return status == http.StatusOK && out["status"] == string(TaskStatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	status, _ = call(t, ts, http.MethodGet, "/system/tasks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, out = call(t, ts, http.MethodGet, "/system/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), out["keys"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{core.ErrTypeMismatch, http.StatusConflict},
		{&core.Error{Kind: core.KindTooLarge, Required: core.MaxStringLength + 1}, http.StatusRequestEntityTooLarge},
		{core.ErrNotAnInteger, http.StatusBadRequest},
		{core.ErrNotAFloat, http.StatusBadRequest},
		{core.ErrInvalidOffset, http.StatusBadRequest},
		{core.ErrOverflow, http.StatusUnprocessableEntity},
		{core.ErrFloatOverflow, http.StatusUnprocessableEntity},
		{engine.ErrSyntax, http.StatusBadRequest},
		{errors.Wrap(engine.ErrInvalidExpire, "set"), http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), "%v", tc.err)
	}
}

func TestTaskManagerSingleFlight(t *testing.T) {
	tm := NewTaskManager()
	release := make(chan struct{})

	first, started := tm.Start("save", func() error { <-release; return nil })
	require.True(t, started)
	second, started := tm.Start("save", func() error { return nil })
	assert.False(t, started)
	assert.Equal(t, first.ID, second.ID)

	failed, started := tm.Start("aof-rewrite", func() error { return errors.New("boom") })
	require.True(t, started)

	close(release)
	tm.Wait()

	assert.Equal(t, TaskStatusCompleted, first.View().Status)
	v := failed.View()
	assert.Equal(t, TaskStatusFailed, v.Status)
	assert.Equal(t, "boom", v.Error)
	assert.NotNil(t, v.FinishedAt)
}
