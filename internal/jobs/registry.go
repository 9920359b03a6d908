// Package jobs tracks long-lived tasks submitted through /jobs/submit:
// their state machine, the cancel tokens shared with running workers, and
// the crash-recoverable journal.
package jobs

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/registry"
	"dispatchd/pkg/types"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrNotCancellable = errors.New("job already finished")
	ErrNotFinished    = errors.New("job not finished")
)

// TransitionFunc receives every durable status transition for metrics.
type TransitionFunc func(status types.JobStatus)

// Registry owns every job from submission until deletion. Workers never
// own a job; they publish progress through MarkRunning/Finish using the
// job id.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*types.Job
	order  []string // submission order, for stable journal output
	tokens map[string]*registry.CancelToken

	// journal writes serialize on their own lock so status reads never
	// wait behind disk I/O
	journalMu sync.Mutex
	journal   *Journal

	log          *slog.Logger
	onTransition TransitionFunc
	resumed      int
}

func NewRegistry(journal *Journal, logger *slog.Logger, onTransition TransitionFunc) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		jobs:         make(map[string]*types.Job),
		tokens:       make(map[string]*registry.CancelToken),
		journal:      journal,
		log:          logger,
		onTransition: onTransition,
	}
}

// Load restores the journal and applies the crash-resume policy: a job
// found in running state is re-flagged to pending when its command is
// deterministic (it will be re-run, at-least-once), else to error with
// reason "lost". The post-recovery state is persisted before returning.
// The returned jobs are the pending ones awaiting (re-)dispatch.
func (r *Registry) Load(isDeterministic func(command string) bool) ([]types.Job, error) {
	loaded, err := r.journal.Load()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	var pending []types.Job
	for _, job := range loaded {
		if job.Status == types.StatusRunning {
			if isDeterministic(job.Command) {
				job.Status = types.StatusPending
				job.StartedAt = nil
				r.resumed++
			} else {
				job.Status = types.StatusError
				job.Error = "lost"
				now := time.Now().UnixMilli()
				job.FinishedAt = &now
			}
		}
		r.jobs[job.ID] = job
		r.order = append(r.order, job.ID)
		if job.Status == types.StatusPending {
			r.tokens[job.ID] = registry.NewCancelToken()
			pending = append(pending, *job)
		}
	}
	r.mu.Unlock()

	if len(loaded) > 0 {
		r.persist()
	}
	return pending, nil
}

// ResumedCount reports how many running jobs were re-queued at startup.
func (r *Registry) ResumedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resumed
}

// Submit creates a pending job and persists it before returning, so the
// id handed to the caller survives a crash.
func (r *Registry) Submit(command string, params map[string]string) types.Job {
	job := &types.Job{
		ID:          uuid.NewString(),
		Command:     command,
		Params:      params,
		Status:      types.StatusPending,
		SubmittedAt: time.Now().UnixMilli(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.tokens[job.ID] = registry.NewCancelToken()
	snapshot := *job
	r.mu.Unlock()

	r.transition(types.StatusPending)
	r.persist()
	return snapshot
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (types.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// Token returns the cancel token shared with the job's worker.
func (r *Registry) Token(id string) *registry.CancelToken {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokens[id]
}

// MarkRunning transitions pending -> running. It returns false when the
// job was cancelled while queued (or is otherwise not pending), telling
// the worker to skip execution.
func (r *Registry) MarkRunning(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok || job.Status != types.StatusPending || job.CancelRequested {
		r.mu.Unlock()
		return false
	}
	now := time.Now().UnixMilli()
	job.Status = types.StatusRunning
	job.StartedAt = &now
	r.mu.Unlock()

	r.transition(types.StatusRunning)
	r.persist()
	return true
}

// Finish applies the worker's terminal outcome: done with a result,
// error with a message, or cancelled. Terminal states are frozen; a
// second finish is ignored.
func (r *Registry) Finish(id string, value any, herr *registry.HandlerError) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now().UnixMilli()
	job.FinishedAt = &now
	var status types.JobStatus
	switch {
	case herr == nil:
		status = types.StatusDone
		job.Result = value
	case herr.Kind == registry.KindCancelled:
		status = types.StatusCancelled
		job.Error = herr.Message
	default:
		status = types.StatusError
		job.Error = herr.Message
	}
	job.Status = status
	delete(r.tokens, id)
	r.mu.Unlock()

	r.transition(status)
	r.persist()
}

// Cancel requests cancellation. A pending job transitions to cancelled
// without ever dispatching; a running job has its cooperative token
// raised and finishes as cancelled when the worker observes it. A
// terminal job (other than cancelled, which is idempotent) returns
// ErrNotCancellable.
func (r *Registry) Cancel(id string) (types.Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return types.Job{}, ErrJobNotFound
	}
	switch job.Status {
	case types.StatusCancelled:
		snapshot := *job
		r.mu.Unlock()
		return snapshot, nil
	case types.StatusDone, types.StatusError:
		r.mu.Unlock()
		return types.Job{}, ErrNotCancellable
	}

	job.CancelRequested = true
	var transitioned bool
	if job.Status == types.StatusPending {
		now := time.Now().UnixMilli()
		job.Status = types.StatusCancelled
		job.Error = "job cancelled"
		job.FinishedAt = &now
		delete(r.tokens, id)
		transitioned = true
	} else if token := r.tokens[id]; token != nil {
		token.Raise()
	}
	snapshot := *job
	r.mu.Unlock()

	if transitioned {
		r.transition(types.StatusCancelled)
	}
	r.persist()
	return snapshot, nil
}

// CountsByStatus returns job totals grouped by status.
func (r *Registry) CountsByStatus() map[types.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[types.JobStatus]int, 5)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts
}

// Total returns the number of known jobs.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) transition(status types.JobStatus) {
	if r.onTransition != nil {
		r.onTransition(status)
	}
}

// persist rewrites the journal with the current job set. The snapshot is
// taken under journalMu so concurrent transitions cannot write an older
// state over a newer one. A write failure is logged and the in-memory
// state stays authoritative; the next transition retries.
func (r *Registry) persist() {
	r.journalMu.Lock()
	defer r.journalMu.Unlock()

	r.mu.RLock()
	jobs := make([]*types.Job, 0, len(r.order))
	for _, id := range r.order {
		dup := *r.jobs[id]
		jobs = append(jobs, &dup)
	}
	r.mu.RUnlock()

	if err := r.journal.Write(jobs); err != nil {
		r.log.Error("journal write failed", slog.String("path", r.journal.Path()), slog.Any("error", err))
	}
}
