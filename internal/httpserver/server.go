// Package httpserver is the HTTP/1.0 front of the dispatcher: it owns
// the accept loop, parses one request per connection, performs admission,
// hands tasks to the per-command worker pools, and writes the uniform
// JSON envelope with trace headers.
package httpserver

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/handlers"
	"dispatchd/internal/jobs"
	"dispatchd/internal/latency"
	"dispatchd/internal/metrics"
	"dispatchd/internal/registry"
	"dispatchd/pkg/types"
)

// replyGrace is added to the task timeout when the front end waits for a
// worker reply; past it the client gets 504 and the worker finishes into
// a discarded sink.
const replyGrace = 250 * time.Millisecond

// Server is the root value owning every component: registry, command
// set, job registry, metrics. It is created once and passed by reference
// into the accept loop; there are no process-wide singletons.
type Server struct {
	cfg       types.Config
	log       *slog.Logger
	registry  *registry.Registry
	commands  *dispatch.CommandSet
	jobs      *jobs.Registry
	collector *metrics.Collector

	startedAt  time.Time
	pid        int
	totalConns atomic.Uint64
	taskIDs    atomic.Uint64
	reqIDs     atomic.Uint64

	ln     net.Listener
	closed atomic.Bool
}

// New wires the server: builds the command catalogue and worker pools,
// loads the job journal, and re-dispatches jobs resumed by the crash
// recovery policy.
func New(cfg types.Config, logger *slog.Logger, collector *metrics.Collector) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	reg := handlers.Catalogue()

	s := &Server{
		cfg:       cfg,
		log:       logger,
		registry:  reg,
		collector: collector,
		startedAt: time.Now(),
		pid:       os.Getpid(),
	}
	s.commands = dispatch.NewCommandSet(reg, dispatch.Config{
		Workers:     cfg.WorkersPerCommand,
		MaxInFlight: cfg.MaxInFlight,
		DataDir:     cfg.DataDir,
		Logger:      logger,
		Observe:     collector.TaskDone,
	})
	s.jobs = jobs.NewRegistry(jobs.NewJournal(cfg.DataDir), logger, collector.JobTransition)

	pending, err := s.jobs.Load(func(command string) bool {
		h := reg.Resolve("/" + command)
		return h != nil && h.Deterministic
	})
	if err != nil {
		return nil, fmt.Errorf("load job journal: %w", err)
	}
	if n := s.jobs.ResumedCount(); n > 0 {
		collector.JobsResumed(n)
		logger.Info("resumed running jobs as pending", slog.Int("count", n))
	}
	for _, job := range pending {
		if err := s.enqueueJob(job); err != nil {
			logger.Warn("could not re-dispatch pending job",
				slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	return s, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	s.log.Info("listening", slog.String("addr", ln.Addr().String()), slog.Int("pid", s.pid))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			s.log.Error("accept failed", slog.Any("error", err))
			continue
		}
		go s.handleConn(conn)
	}
}

// Shutdown closes the listener and drains the worker pools.
func (s *Server) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.commands.Stop()
}

// Jobs exposes the job registry (used by tests).
func (s *Server) Jobs() *jobs.Registry {
	return s.jobs
}

func (s *Server) nextRequestID() string {
	return "req-" + strconv.FormatUint(s.reqIDs.Add(1), 10)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	s.totalConns.Add(1)
	s.collector.Connection()

	meta := &respMeta{worker: "front", pid: s.pid}

	req, err := readRequest(conn)
	if err != nil {
		meta.requestID = s.nextRequestID()
		switch err {
		case errRequestTooLarge:
			writeJSON(conn, 413, errEnvelope("", meta.requestID, "payload_too_large", "request exceeds 8 KiB"), meta)
			// drain the unread rest of the request: closing with bytes
			// still queued makes the kernel send a reset that can drop
			// the 413 before the client reads it
			if tcp, ok := conn.(*net.TCPConn); ok {
				tcp.CloseWrite()
			}
			conn.SetReadDeadline(time.Now().Add(time.Second))
			io.Copy(io.Discard, conn)
		default:
			writeJSON(conn, 400, errEnvelope("", meta.requestID, "bad_request", "malformed request"), meta)
		}
		return
	}

	if id := req.Header("X-Request-Id"); validRequestID(id) {
		meta.requestID = id
	} else {
		meta.requestID = s.nextRequestID()
	}

	command := strings.TrimPrefix(req.Path, "/")
	if req.Method != "GET" && req.Method != "HEAD" {
		meta.withHeader("Allow", "GET, HEAD")
		writeJSON(conn, 405, errEnvelope(command, meta.requestID, "method_not_allowed",
			"method "+req.Method+" not allowed"), meta)
		return
	}
	meta.suppressBody = req.Method == "HEAD"

	switch req.Path {
	case "/status":
		writeJSON(conn, 200, mustJSON(s.statusDoc()), meta)
	case "/metrics":
		writeJSON(conn, 200, mustJSON(s.metricsDoc()), meta)
	case "/help":
		writeJSON(conn, 200, mustJSON(s.helpDoc()), meta)
	case "/jobs/submit":
		s.handleJobSubmit(conn, req, meta)
	case "/jobs/status":
		s.handleJobStatus(conn, req, meta)
	case "/jobs/result":
		s.handleJobResult(conn, req, meta)
	case "/jobs/cancel":
		s.handleJobCancel(conn, req, meta)
	default:
		s.handleCommand(conn, req, meta)
	}
}

// handleCommand runs the admission -> dispatch -> reply-wait path for one
// synchronous command request.
func (s *Server) handleCommand(conn net.Conn, req *request, meta *respMeta) {
	command := strings.TrimPrefix(req.Path, "/")
	h := s.registry.Resolve(req.Path)
	if h == nil {
		writeJSON(conn, 404, errEnvelope(command, meta.requestID, "not_found",
			"no such command: "+req.Path), meta)
		return
	}

	query, err := registry.ParseQuery(req.RawQuery)
	if err != nil {
		writeJSON(conn, 400, errEnvelope(command, meta.requestID, "bad_request",
			"unparseable query string"), meta)
		return
	}
	params, perr := registry.Parse(h, query)
	if perr != nil {
		writeJSON(conn, 400, errEnvelope(command, meta.requestID, "bad_request", perr.Message), meta)
		return
	}

	cmd := s.commands.Get(req.Path)
	if !cmd.Gate.TryAdmit() {
		s.collector.RequestRejected(command)
		meta.withHeader("Retry-After", strconv.Itoa(s.cfg.RetryAfterMS))
		writeJSON(conn, 503, errEnvelope(command, meta.requestID, "backpressure",
			"all admission slots busy, retry later"), meta)
		return
	}
	s.collector.RequestAdmitted(command)

	task := dispatch.Task{
		ID:        s.taskIDs.Add(1),
		Params:    params,
		Deadline:  time.Now().Add(s.cfg.TaskTimeout()),
		Cancel:    registry.NewCancelToken(),
		Reply:     make(chan dispatch.Outcome, 1),
		RequestID: meta.requestID,
	}
	if err := cmd.Dispatch(task); err != nil {
		cmd.Gate.Release()
		writeJSON(conn, 503, errEnvelope(command, meta.requestID, "internal",
			"no workers available"), meta)
		return
	}

	select {
	case out := <-task.Reply:
		meta.worker = strconv.Itoa(out.WorkerID)
		if out.Err != nil {
			status, kind := wireStatus(out.Err)
			writeJSON(conn, status, errEnvelope(command, meta.requestID, kind, out.Err.Message), meta)
			return
		}
		writeJSON(conn, 200, okEnvelope(command, meta.requestID, out.ElapsedMS, out.Value), meta)
	case <-time.After(s.cfg.TaskTimeout() + replyGrace):
		// the worker will finish into the (buffered) discarded sink
		writeJSON(conn, 504, errEnvelope(command, meta.requestID, "timeout",
			"request exceeded maximum execution time"), meta)
	}
}

// wireStatus maps an executor error onto the wire-visible taxonomy.
func wireStatus(herr *registry.HandlerError) (int, string) {
	switch herr.Kind {
	case registry.KindBadParam, registry.KindOverflow:
		return 400, "bad_request"
	case registry.KindNotFound:
		return 404, "not_found"
	case registry.KindCancelled:
		return 504, "timeout"
	default:
		return 500, "internal"
	}
}

func (s *Server) handleJobSubmit(conn net.Conn, req *request, meta *respMeta) {
	const command = "jobs/submit"
	query, err := registry.ParseQuery(req.RawQuery)
	if err != nil {
		writeJSON(conn, 400, errEnvelope(command, meta.requestID, "bad_request",
			"unparseable query string"), meta)
		return
	}
	target := strings.TrimSpace(query["task"])
	if target == "" {
		writeJSON(conn, 400, errEnvelope(command, meta.requestID, "bad_request",
			"missing \"task\" parameter"), meta)
		return
	}
	target = strings.TrimPrefix(target, "/")

	h := s.registry.Resolve("/" + target)
	if h == nil {
		writeJSON(conn, 404, errEnvelope(command, meta.requestID, "not_found",
			"no such command: "+target), meta)
		return
	}

	jobParams := make(map[string]string, len(query))
	for k, v := range query {
		if k != "task" {
			jobParams[k] = v
		}
	}
	if _, perr := registry.Parse(h, jobParams); perr != nil {
		writeJSON(conn, 400, errEnvelope(command, meta.requestID, "bad_request", perr.Message), meta)
		return
	}

	job := s.jobs.Submit(target, jobParams)
	if err := s.enqueueJob(job); err != nil {
		s.jobs.Finish(job.ID, nil, registry.Internal("could not dispatch job"))
		writeJSON(conn, 500, errEnvelope(command, meta.requestID, "internal",
			"could not dispatch job"), meta)
		return
	}
	writeJSON(conn, 200, okEnvelope(command, meta.requestID, 0, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	}), meta)
}

// enqueueJob admits and dispatches a pending job into its command pool.
// The worker publishes progress through the registry hooks; the reply
// channel is a discarded sink since no socket waits for it.
func (s *Server) enqueueJob(job types.Job) error {
	path := "/" + job.Command
	h := s.registry.Resolve(path)
	cmd := s.commands.Get(path)
	if h == nil || cmd == nil {
		return fmt.Errorf("unknown command %q", job.Command)
	}
	params, perr := registry.Parse(h, job.Params)
	if perr != nil {
		return fmt.Errorf("job params: %w", perr)
	}
	token := s.jobs.Token(job.ID)
	if token == nil {
		return fmt.Errorf("job %s has no cancel token", job.ID)
	}
	if !cmd.Gate.TryAdmit() {
		return fmt.Errorf("no admission slot for %q", job.Command)
	}
	id := job.ID
	task := dispatch.Task{
		ID:        s.taskIDs.Add(1),
		Params:    params,
		Deadline:  time.Now().Add(s.cfg.TaskTimeout()),
		Cancel:    token,
		Reply:     make(chan dispatch.Outcome, 1),
		OnStart:   func() bool { return s.jobs.MarkRunning(id) },
		OnFinish:  func(out dispatch.Outcome) { s.jobs.Finish(id, out.Value, out.Err) },
		RequestID: "job-" + id,
	}
	if err := cmd.Dispatch(task); err != nil {
		cmd.Gate.Release()
		return err
	}
	return nil
}

func (s *Server) handleJobStatus(conn net.Conn, req *request, meta *respMeta) {
	const command = "jobs/status"
	job, ok := s.lookupJob(conn, req, meta, command)
	if !ok {
		return
	}
	doc := map[string]any{
		"job_id":       job.ID,
		"command":      job.Command,
		"status":       job.Status,
		"submitted_at": job.SubmittedAt,
	}
	if job.StartedAt != nil {
		doc["started_at"] = *job.StartedAt
	}
	if job.FinishedAt != nil {
		doc["finished_at"] = *job.FinishedAt
	}
	writeJSON(conn, 200, okEnvelope(command, meta.requestID, 0, doc), meta)
}

func (s *Server) handleJobResult(conn net.Conn, req *request, meta *respMeta) {
	const command = "jobs/result"
	job, ok := s.lookupJob(conn, req, meta, command)
	if !ok {
		return
	}
	switch job.Status {
	case types.StatusDone:
		writeJSON(conn, 200, okEnvelope(command, meta.requestID, 0, job.Result), meta)
	case types.StatusError:
		writeJSON(conn, 500, errEnvelope(command, meta.requestID, "internal",
			fmt.Sprintf("job %s failed: %s", job.ID, job.Error)), meta)
	default:
		writeJSON(conn, 409, errEnvelope(command, meta.requestID, "conflict",
			jobs.ErrNotFinished.Error()), meta)
	}
}

func (s *Server) handleJobCancel(conn net.Conn, req *request, meta *respMeta) {
	const command = "jobs/cancel"
	query, err := registry.ParseQuery(req.RawQuery)
	if err != nil || strings.TrimSpace(query["id"]) == "" {
		writeJSON(conn, 400, errEnvelope(command, meta.requestID, "bad_request",
			"missing \"id\" parameter"), meta)
		return
	}
	job, cerr := s.jobs.Cancel(strings.TrimSpace(query["id"]))
	switch cerr {
	case nil:
		writeJSON(conn, 200, okEnvelope(command, meta.requestID, 0, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		}), meta)
	case jobs.ErrJobNotFound:
		writeJSON(conn, 404, errEnvelope(command, meta.requestID, "not_found", "job not found"), meta)
	default:
		writeJSON(conn, 409, errEnvelope(command, meta.requestID, "conflict", cerr.Error()), meta)
	}
}

func (s *Server) lookupJob(conn net.Conn, req *request, meta *respMeta, command string) (types.Job, bool) {
	query, err := registry.ParseQuery(req.RawQuery)
	if err != nil || strings.TrimSpace(query["id"]) == "" {
		writeJSON(conn, 400, errEnvelope(command, meta.requestID, "bad_request",
			"missing \"id\" parameter"), meta)
		return types.Job{}, false
	}
	job, ok := s.jobs.Get(strings.TrimSpace(query["id"]))
	if !ok {
		writeJSON(conn, 404, errEnvelope(command, meta.requestID, "not_found", "job not found"), meta)
		return types.Job{}, false
	}
	return job, true
}

type workerDoc struct {
	WorkerID      int     `json:"worker_id"`
	Busy          bool    `json:"busy"`
	CurrentTaskID *uint64 `json:"current_task_id,omitempty"`
}

func (s *Server) workersDoc() map[string][]workerDoc {
	out := make(map[string][]workerDoc, len(s.commands.All()))
	for _, cmd := range s.commands.All() {
		slots := cmd.Slots()
		docs := make([]workerDoc, len(slots))
		for i, slot := range slots {
			docs[i] = workerDoc{WorkerID: slot.ID, Busy: slot.Busy()}
			if id, ok := slot.CurrentTask(); ok {
				docs[i].CurrentTaskID = &id
			}
		}
		out[cmd.Handler.Name()] = docs
	}
	return out
}

func (s *Server) statusDoc() map[string]any {
	queues := make(map[string]int64, len(s.commands.All()))
	lat := make(map[string]map[string]any, len(s.commands.All()))
	for _, cmd := range s.commands.All() {
		name := cmd.Handler.Name()
		queues[name] = cmd.Gate.InFlight()
		snap := cmd.Ring.Percentiles()
		lat[name] = map[string]any{"count": snap.Count, "p50": snap.P50, "p95": snap.P95}
	}
	return map[string]any{
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
		"total_connections": s.totalConns.Load(),
		"pid":               s.pid,
		"queues":            queues,
		"workers":           s.workersDoc(),
		"latency_ms":        lat,
	}
}

func (s *Server) metricsDoc() map[string]any {
	queues := make(map[string]int64, len(s.commands.All()))
	lat := make(map[string]latency.Snapshot, len(s.commands.All()))
	for _, cmd := range s.commands.All() {
		name := cmd.Handler.Name()
		queues[name] = cmd.Gate.InFlight()
		lat[name] = cmd.Ring.Percentiles()
	}
	byStatus := make(map[string]int, 5)
	for _, st := range []types.JobStatus{
		types.StatusPending, types.StatusRunning, types.StatusDone,
		types.StatusCancelled, types.StatusError,
	} {
		byStatus[string(st)] = 0
	}
	for st, n := range s.jobs.CountsByStatus() {
		byStatus[string(st)] = n
	}
	return map[string]any{
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
		"total_connections": s.totalConns.Load(),
		"pid":               s.pid,
		"queues":            queues,
		"workers":           s.workersDoc(),
		"latency_ms":        lat,
		"config": map[string]any{
			"workers_per_command": s.cfg.WorkersPerCommand,
			"max_in_flight":       s.cfg.MaxInFlight,
			"retry_after_ms":      s.cfg.RetryAfterMS,
			"task_timeout_ms":     s.cfg.TaskTimeoutMS,
		},
		"jobs": map[string]any{
			"total":         s.jobs.Total(),
			"by_status":     byStatus,
			"resumed_count": s.jobs.ResumedCount(),
		},
	}
}

func (s *Server) helpDoc() map[string]any {
	commands := make([]map[string]any, 0, s.registry.Len()+4)
	for _, h := range s.registry.All() {
		params := make([]map[string]any, 0, len(h.Params))
		for _, p := range h.Params {
			params = append(params, map[string]any{
				"name":     p.Name,
				"required": p.Required,
			})
		}
		commands = append(commands, map[string]any{
			"command":       h.Name(),
			"usage":         h.Summary,
			"nature":        h.Nature,
			"deterministic": h.Deterministic,
			"params":        params,
		})
	}
	for _, extra := range []string{
		"GET /status", "GET /metrics", "GET /help",
		"GET /jobs/submit?task=..&..", "GET /jobs/status?id=..",
		"GET /jobs/result?id=..", "GET /jobs/cancel?id=..",
	} {
		commands = append(commands, map[string]any{"usage": extra})
	}
	return map[string]any{"commands": commands}
}
