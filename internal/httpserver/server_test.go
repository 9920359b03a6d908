package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/jobs"
	"dispatchd/pkg/types"
)

func testConfig(t *testing.T) types.Config {
	t.Helper()
	return types.Config{
		BindAddr:          "127.0.0.1:0",
		WorkersPerCommand: 2,
		MaxInFlight:       8,
		RetryAfterMS:      250,
		TaskTimeoutMS:     5000,
		DataDir:           t.TempDir(),
	}
}

func startServer(t *testing.T, cfg types.Config) (*Server, string) {
	t.Helper()
	srv, err := New(cfg, nil, nil)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(srv.Shutdown)
	return srv, ln.Addr().String()
}

type httpResp struct {
	status  int
	headers map[string]string
	body    string
}

func (r httpResp) json(t *testing.T) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.body), &doc), "body: %q", r.body)
	return doc
}

func rawRequest(t *testing.T, addr, raw string) httpResp {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)

	text := string(data)
	headEnd := strings.Index(text, "\r\n\r\n")
	require.GreaterOrEqual(t, headEnd, 0, "no header terminator in %q", text)
	head, body := text[:headEnd], text[headEnd+4:]

	lines := strings.Split(head, "\r\n")
	parts := strings.SplitN(lines[0], " ", 3)
	require.GreaterOrEqual(t, len(parts), 2, "status line %q", lines[0])
	status, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	headers := make(map[string]string)
	for _, line := range lines[1:] {
		if idx := strings.Index(line, ":"); idx > 0 {
			headers[strings.ToLower(strings.TrimSpace(line[:idx]))] = strings.TrimSpace(line[idx+1:])
		}
	}
	return httpResp{status: status, headers: headers, body: body}
}

func get(t *testing.T, addr, target string) httpResp {
	return rawRequest(t, addr, "GET "+target+" HTTP/1.0\r\n\r\n")
}

func TestStatusOnFreshServer(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	resp := get(t, addr, "/status")
	require.Equal(t, 200, resp.status)

	doc := resp.json(t)
	assert.GreaterOrEqual(t, doc["uptime_seconds"].(float64), float64(0))
	assert.GreaterOrEqual(t, doc["total_connections"].(float64), float64(1))
	assert.Greater(t, doc["pid"].(float64), float64(0))

	workers := doc["workers"].(map[string]any)
	require.NotEmpty(t, workers)
	for cmd, slots := range workers {
		for _, slot := range slots.([]any) {
			assert.False(t, slot.(map[string]any)["busy"].(bool), "command %s", cmd)
		}
	}
}

func TestReverseEnvelope(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	resp := get(t, addr, "/reverse?text=hola")
	require.Equal(t, 200, resp.status)
	assert.Equal(t, "application/json; charset=utf-8", resp.headers["content-type"])
	assert.Equal(t, "close", resp.headers["connection"])
	assert.NotEmpty(t, resp.headers["x-request-id"])
	assert.Contains(t, resp.headers["x-worker-pid"], ":")

	doc := resp.json(t)
	assert.Equal(t, true, doc["ok"])
	assert.Equal(t, "reverse", doc["command"])
	assert.NotNil(t, doc["elapsed_ms"])
	result := doc["result"].(map[string]any)
	assert.Equal(t, "aloh", result["reversed"])
}

func TestInboundRequestIDHonored(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	resp := rawRequest(t, addr, "GET /timestamp HTTP/1.0\r\nX-Request-Id: trace-42\r\n\r\n")
	require.Equal(t, 200, resp.status)
	assert.Equal(t, "trace-42", resp.headers["x-request-id"])
	assert.Equal(t, "trace-42", resp.json(t)["request_id"])

	// malformed inbound ids get replaced
	resp = rawRequest(t, addr, "GET /timestamp HTTP/1.0\r\nX-Request-Id: bad id!\r\n\r\n")
	require.Equal(t, 200, resp.status)
	assert.NotEqual(t, "bad id!", resp.headers["x-request-id"])
	assert.NotEmpty(t, resp.headers["x-request-id"])
}

func TestFibonacciMissingParam(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	resp := get(t, addr, "/fibonacci")
	require.Equal(t, 400, resp.status)
	doc := resp.json(t)
	assert.Equal(t, false, doc["ok"])
	errObj := doc["error"].(map[string]any)
	assert.Equal(t, "bad_request", errObj["kind"])
	assert.Contains(t, errObj["message"], "num")
}

func TestUnknownPath(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	resp := get(t, addr, "/noexiste")
	require.Equal(t, 404, resp.status)
	assert.Equal(t, "not_found", resp.json(t)["error"].(map[string]any)["kind"])
}

func TestMethodNotAllowed(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	resp := rawRequest(t, addr, "PUT /reverse?text=hi HTTP/1.0\r\n\r\n")
	require.Equal(t, 405, resp.status)
	assert.Equal(t, "GET, HEAD", resp.headers["allow"])
	assert.Equal(t, "method_not_allowed", resp.json(t)["error"].(map[string]any)["kind"])
}

func TestOversizedRequest(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	huge := "GET /reverse?text=" + strings.Repeat("a", 9000) + " HTTP/1.0\r\n\r\n"
	resp := rawRequest(t, addr, huge)
	require.Equal(t, 413, resp.status)
	assert.Equal(t, "payload_too_large", resp.json(t)["error"].(map[string]any)["kind"])
}

func TestHeadMatchesGet(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	getResp := rawRequest(t, addr, "GET /help HTTP/1.0\r\n\r\n")
	headResp := rawRequest(t, addr, "HEAD /help HTTP/1.0\r\n\r\n")

	require.Equal(t, getResp.status, headResp.status)
	assert.Empty(t, headResp.body)
	assert.Equal(t, getResp.headers["content-type"], headResp.headers["content-type"])
	// HEAD advertises the length the GET body would have
	assert.Equal(t, strconv.Itoa(len(getResp.body)), headResp.headers["content-length"])
}

func TestTimestampRejectsParams(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	require.Equal(t, 200, get(t, addr, "/timestamp").status)
	require.Equal(t, 400, get(t, addr, "/timestamp?foo=bar").status)
}

func TestBackpressure503WithRetryAfter(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkersPerCommand = 1
	cfg.MaxInFlight = 1
	_, addr := startServer(t, cfg)

	first := make(chan httpResp, 1)
	go func() {
		first <- get(t, addr, "/sleep?seconds=2")
	}()

	// wait for the slot to be taken, then the second request is refused
	var rejected httpResp
	require.Eventually(t, func() bool {
		rejected = get(t, addr, "/sleep?seconds=0")
		return rejected.status == 503
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "250", rejected.headers["retry-after"])
	assert.Equal(t, "backpressure", rejected.json(t)["error"].(map[string]any)["kind"])

	out := <-first
	assert.Equal(t, 200, out.status)
}

func TestDeadlineReturns504AndReleasesSlot(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkersPerCommand = 1
	cfg.MaxInFlight = 1
	cfg.TaskTimeoutMS = 100
	_, addr := startServer(t, cfg)

	start := time.Now()
	resp := get(t, addr, "/sleep?seconds=5")
	elapsed := time.Since(start)
	require.Equal(t, 504, resp.status)
	assert.Equal(t, "timeout", resp.json(t)["error"].(map[string]any)["kind"])
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	// the worker notices the raised token and frees the slot
	require.Eventually(t, func() bool {
		return get(t, addr, "/reverse?text=ok").status == 200
	}, 2*time.Second, 20*time.Millisecond)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	_, addr := startServer(t, testConfig(t))

	resp := get(t, addr, "/jobs/submit?task=sleep&seconds=1")
	require.Equal(t, 200, resp.status)
	result := resp.json(t)["result"].(map[string]any)
	jobID := result["job_id"].(string)
	require.NotEmpty(t, jobID)

	// before terminal state, /jobs/result conflicts
	early := get(t, addr, "/jobs/result?id="+jobID)
	if early.status != 200 {
		assert.Equal(t, 409, early.status)
	}

	require.Eventually(t, func() bool {
		st := get(t, addr, "/jobs/status?id="+jobID)
		if st.status != 200 {
			return false
		}
		return st.json(t)["result"].(map[string]any)["status"] == "done"
	}, 10*time.Second, 50*time.Millisecond)

	final := get(t, addr, "/jobs/result?id="+jobID)
	require.Equal(t, 200, final.status)
	assert.Equal(t, float64(1), final.json(t)["result"].(map[string]any)["slept_seconds"])
}

func TestJobSubmitValidation(t *testing.T) {
	_, addr := startServer(t, testConfig(t))

	require.Equal(t, 400, get(t, addr, "/jobs/submit").status)
	require.Equal(t, 404, get(t, addr, "/jobs/submit?task=nope").status)
	// bad params fail fast, no job is created
	resp := get(t, addr, "/jobs/submit?task=fibonacci&num=abc")
	require.Equal(t, 400, resp.status)
	resp = get(t, addr, "/jobs/status?id=whatever")
	require.Equal(t, 404, resp.status)
}

func TestJobCancelPending(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkersPerCommand = 1
	cfg.MaxInFlight = 2
	srv, addr := startServer(t, cfg)

	// occupy the single worker so the job stays queued
	blocker := make(chan httpResp, 1)
	go func() { blocker <- get(t, addr, "/sleep?seconds=1") }()
	time.Sleep(50 * time.Millisecond)

	resp := get(t, addr, "/jobs/submit?task=sleep&seconds=30")
	require.Equal(t, 200, resp.status)
	jobID := resp.json(t)["result"].(map[string]any)["job_id"].(string)

	cancel := get(t, addr, "/jobs/cancel?id="+jobID)
	require.Equal(t, 200, cancel.status)
	assert.Equal(t, "cancelled", cancel.json(t)["result"].(map[string]any)["status"])

	<-blocker
	// the worker eventually dequeues the cancelled job and must skip it
	require.Eventually(t, func() bool {
		job, ok := srv.Jobs().Get(jobID)
		return ok && job.Status == types.StatusCancelled
	}, 5*time.Second, 50*time.Millisecond)

	// result of a cancelled job conflicts
	require.Equal(t, 409, get(t, addr, "/jobs/result?id="+jobID).status)
	// cancel of an unknown job is 404
	require.Equal(t, 404, get(t, addr, "/jobs/cancel?id=missing").status)
}

func TestCrashRecoveryPolicy(t *testing.T) {
	dataDir := t.TempDir()
	journal := jobs.NewJournal(dataDir)
	started := time.Now().UnixMilli()
	require.NoError(t, journal.Write([]*types.Job{
		{ID: "job-det", Command: "reverse", Params: map[string]string{"text": "abc"},
			Status: types.StatusRunning, SubmittedAt: started, StartedAt: &started},
		{ID: "job-rand", Command: "random", Params: map[string]string{"count": "1"},
			Status: types.StatusRunning, SubmittedAt: started, StartedAt: &started},
	}))

	cfg := testConfig(t)
	cfg.DataDir = dataDir
	_, addr := startServer(t, cfg)

	// nondeterministic running job is lost
	resp := get(t, addr, "/jobs/status?id=job-rand")
	require.Equal(t, 200, resp.status)
	assert.Equal(t, "error", resp.json(t)["result"].(map[string]any)["status"])
	errResp := get(t, addr, "/jobs/result?id=job-rand")
	require.Equal(t, 500, errResp.status)
	assert.Contains(t, errResp.json(t)["error"].(map[string]any)["message"], "lost")

	// deterministic running job was re-queued and re-runs to completion
	require.Eventually(t, func() bool {
		st := get(t, addr, "/jobs/status?id=job-det")
		return st.status == 200 && st.json(t)["result"].(map[string]any)["status"] == "done"
	}, 5*time.Second, 50*time.Millisecond)
	final := get(t, addr, "/jobs/result?id=job-det")
	require.Equal(t, 200, final.status)
	assert.Equal(t, "cba", final.json(t)["result"].(map[string]any)["reversed"])

	// the resume is surfaced in /metrics
	metricsDoc := get(t, addr, "/metrics").json(t)
	jobsDoc := metricsDoc["jobs"].(map[string]any)
	assert.Equal(t, float64(1), jobsDoc["resumed_count"])
}

func TestMetricsDocument(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	require.Equal(t, 200, get(t, addr, "/reverse?text=x").status)

	doc := get(t, addr, "/metrics").json(t)
	cfgDoc := doc["config"].(map[string]any)
	assert.Equal(t, float64(2), cfgDoc["workers_per_command"])
	assert.Equal(t, float64(8), cfgDoc["max_in_flight"])
	assert.Equal(t, float64(250), cfgDoc["retry_after_ms"])
	assert.Equal(t, float64(5000), cfgDoc["task_timeout_ms"])

	lat := doc["latency_ms"].(map[string]any)["reverse"].(map[string]any)
	assert.Equal(t, float64(1), lat["count"])
	require.Contains(t, lat, "p99")

	jobsDoc := doc["jobs"].(map[string]any)
	byStatus := jobsDoc["by_status"].(map[string]any)
	for _, st := range []string{"pending", "running", "done", "cancelled", "error"} {
		require.Contains(t, byStatus, st)
	}
}

func TestHelpListsCommands(t *testing.T) {
	_, addr := startServer(t, testConfig(t))
	resp := get(t, addr, "/help")
	require.Equal(t, 200, resp.status)
	assert.Contains(t, resp.body, "/reverse")
	assert.Contains(t, resp.body, "/jobs/submit")
	assert.Contains(t, resp.body, "fibonacci")
}

func TestRoundTripCreateThenWordcount(t *testing.T) {
	cfg := testConfig(t)
	_, addr := startServer(t, cfg)
	name := cfg.DataDir + "/rt.txt"

	resp := get(t, addr, fmt.Sprintf("/createfile?name=%s&content=uno+dos&repeat=4", name))
	require.Equal(t, 200, resp.status)

	resp = get(t, addr, "/wordcount?name="+name)
	require.Equal(t, 200, resp.status)
	wc := resp.json(t)["result"].(map[string]any)
	assert.Equal(t, float64(4), wc["lines"])
	assert.Equal(t, float64(8), wc["words"])
}
