package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/registry"
	"dispatchd/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewJournal(t.TempDir()), nil, nil)
}

func readJournal(t *testing.T, j *Journal) []*types.Job {
	t.Helper()
	data, err := os.ReadFile(j.Path())
	require.NoError(t, err)
	var doc struct {
		Jobs []*types.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc.Jobs
}

func TestSubmitPersistsBeforeReturning(t *testing.T) {
	r := newTestRegistry(t)
	job := r.Submit("sleep", map[string]string{"seconds": "3"})

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.StatusPending, job.Status)

	onDisk := readJournal(t, r.journal)
	require.Len(t, onDisk, 1)
	assert.Equal(t, job.ID, onDisk[0].ID)
	assert.Equal(t, types.StatusPending, onDisk[0].Status)
	assert.Equal(t, "3", onDisk[0].Params["seconds"])
}

func TestLifecyclePendingRunningDone(t *testing.T) {
	r := newTestRegistry(t)
	job := r.Submit("reverse", map[string]string{"text": "hi"})

	require.True(t, r.MarkRunning(job.ID))
	got, ok := r.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	r.Finish(job.ID, map[string]any{"reversed": "ih"}, nil)
	got, _ = r.Get(job.ID)
	assert.Equal(t, types.StatusDone, got.Status)
	require.NotNil(t, got.FinishedAt)

	onDisk := readJournal(t, r.journal)
	assert.Equal(t, types.StatusDone, onDisk[0].Status)
}

func TestFinishWithErrorStoresMessage(t *testing.T) {
	r := newTestRegistry(t)
	job := r.Submit("wordcount", map[string]string{"name": "missing.txt"})
	require.True(t, r.MarkRunning(job.ID))

	r.Finish(job.ID, nil, registry.IOError("unable to open missing.txt"))
	got, _ := r.Get(job.ID)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Contains(t, got.Error, "unable to open")
}

func TestTerminalStatesAreFrozen(t *testing.T) {
	r := newTestRegistry(t)
	job := r.Submit("reverse", map[string]string{"text": "x"})
	require.True(t, r.MarkRunning(job.ID))
	r.Finish(job.ID, "done", nil)

	// second finish must not overwrite
	r.Finish(job.ID, nil, registry.Internal("late failure"))
	got, _ := r.Get(job.ID)
	assert.Equal(t, types.StatusDone, got.Status)
	assert.Empty(t, got.Error)

	// done jobs cannot be cancelled
	_, err := r.Cancel(job.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelPendingSkipsDispatch(t *testing.T) {
	r := newTestRegistry(t)
	job := r.Submit("sleep", map[string]string{"seconds": "60"})

	got, err := r.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)

	// the worker that eventually dequeues the task must skip it
	assert.False(t, r.MarkRunning(job.ID))

	// cancelling again is idempotent
	again, err := r.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, again.Status)
}

func TestCancelRunningRaisesToken(t *testing.T) {
	r := newTestRegistry(t)
	job := r.Submit("simulate", map[string]string{"seconds": "60"})
	require.True(t, r.MarkRunning(job.ID))

	token := r.Token(job.ID)
	require.NotNil(t, token)
	assert.False(t, token.Raised())

	got, err := r.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.True(t, got.CancelRequested)
	assert.True(t, token.Raised())

	// worker observes the token and reports cancellation
	r.Finish(job.ID, nil, registry.Cancelled("execution cancelled"))
	got, _ = r.Get(job.ID)
	assert.Equal(t, types.StatusCancelled, got.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Cancel("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestLoadResumesDeterministicRunningJobs(t *testing.T) {
	dir := t.TempDir()
	journal := NewJournal(dir)
	started := int64(1000)
	require.NoError(t, journal.Write([]*types.Job{
		{ID: "a", Command: "reverse", Status: types.StatusRunning, StartedAt: &started},
		{ID: "b", Command: "random", Status: types.StatusRunning, StartedAt: &started},
		{ID: "c", Command: "reverse", Status: types.StatusDone},
		{ID: "d", Command: "sleep", Status: types.StatusPending},
	}))

	r := NewRegistry(journal, nil, nil)
	pending, err := r.Load(func(cmd string) bool { return cmd != "random" })
	require.NoError(t, err)

	// deterministic running job resumed as pending, plus the already
	// pending one
	ids := make([]string, 0, len(pending))
	for _, j := range pending {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"a", "d"}, ids)
	assert.Equal(t, 1, r.ResumedCount())

	a, _ := r.Get("a")
	assert.Equal(t, types.StatusPending, a.Status)
	assert.Nil(t, a.StartedAt)

	b, _ := r.Get("b")
	assert.Equal(t, types.StatusError, b.Status)
	assert.Equal(t, "lost", b.Error)

	c, _ := r.Get("c")
	assert.Equal(t, types.StatusDone, c.Status)

	// recovery state was persisted
	onDisk := readJournal(t, journal)
	byID := make(map[string]types.JobStatus)
	for _, j := range onDisk {
		byID[j.ID] = j.Status
	}
	assert.Equal(t, types.StatusPending, byID["a"])
	assert.Equal(t, types.StatusError, byID["b"])
}

func TestLoadAbsentJournal(t *testing.T) {
	r := NewRegistry(NewJournal(t.TempDir()), nil, nil)
	pending, err := r.Load(func(string) bool { return true })
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, r.Total())
}

func TestJournalAtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	journal := NewJournal(dir)
	require.NoError(t, journal.Write([]*types.Job{{ID: "x", Command: "hash", Status: types.StatusPending}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, JournalFile, entries[0].Name())

	_, err = os.Stat(filepath.Join(dir, JournalFile+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestCountsByStatus(t *testing.T) {
	r := newTestRegistry(t)
	a := r.Submit("reverse", nil)
	b := r.Submit("reverse", nil)
	r.Submit("reverse", nil)

	require.True(t, r.MarkRunning(a.ID))
	r.Finish(a.ID, "v", nil)
	require.True(t, r.MarkRunning(b.ID))

	counts := r.CountsByStatus()
	assert.Equal(t, 1, counts[types.StatusDone])
	assert.Equal(t, 1, counts[types.StatusRunning])
	assert.Equal(t, 1, counts[types.StatusPending])
	assert.Equal(t, 3, r.Total())
}
