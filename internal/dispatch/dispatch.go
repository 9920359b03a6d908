// Package dispatch owns the per-command worker pools: bounded inboxes, a
// round-robin dispatcher, deadline watchdogs, and worker slots whose busy
// state is readable without taking any pool lock.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dispatchd/internal/admission"
	"dispatchd/internal/latency"
	"dispatchd/internal/registry"
)

// ErrNoWorkers is returned when every inbox of a command is unavailable.
var ErrNoWorkers = errors.New("dispatch: no workers available")

// Outcome is the terminal result of one task, delivered to the reply sink
// and to the optional finish hook.
type Outcome struct {
	Value     any
	Err       *registry.HandlerError
	ElapsedMS int64
	WorkerID  int
}

// Task is one in-flight execution of a command. The reply channel must be
// buffered (capacity 1) so the worker's send never blocks even when the
// front end has given up waiting.
type Task struct {
	ID       uint64
	Params   registry.Params
	Deadline time.Time
	Cancel   *registry.CancelToken
	Reply    chan Outcome

	// OnStart, when set, runs on the worker just before execution; a
	// false return skips the executor (the task was cancelled while
	// queued). OnFinish runs with the outcome on every terminal path.
	OnStart  func() bool
	OnFinish func(Outcome)

	RequestID string
}

// WorkerSlot is the externally visible state of one worker goroutine.
// The worker itself flips the fields; observers read them lock-free.
type WorkerSlot struct {
	ID      int
	busy    atomic.Bool
	current atomic.Uint64 // task id, 0 = idle
}

func (s *WorkerSlot) Busy() bool { return s.busy.Load() }

// CurrentTask returns the running task id, if any.
func (s *WorkerSlot) CurrentTask() (uint64, bool) {
	id := s.current.Load()
	return id, id != 0
}

func (s *WorkerSlot) setRunning(taskID uint64) {
	s.current.Store(taskID)
	s.busy.Store(true)
}

func (s *WorkerSlot) setIdle() {
	s.busy.Store(false)
	s.current.Store(0)
}

// ObserveFunc receives every terminal task outcome for metrics.
type ObserveFunc func(command string, elapsedMS int64, errKind string)

// Config sizes the pools. Inbox capacity per worker is
// ceil(MaxInFlight/Workers), so admission guarantees a dispatch always
// finds room in some inbox.
type Config struct {
	Workers     int
	MaxInFlight int
	DataDir     string
	Logger      *slog.Logger
	Observe     ObserveFunc
}

// Command is one named compute endpoint: its handler, admission gate,
// latency ring and worker pool.
type Command struct {
	Handler *registry.Handler
	Gate    *admission.Gate
	Ring    *latency.Ring

	inboxes []chan Task
	slots   []*WorkerSlot
	mu      sync.Mutex // guards cursor
	cursor  int
	wg      sync.WaitGroup

	dataDir string
	log     *slog.Logger
	observe ObserveFunc
}

// Slots returns the worker slots for status reporting.
func (c *Command) Slots() []*WorkerSlot {
	return c.slots
}

// Dispatch places the task in a worker inbox, starting at the round-robin
// cursor and advancing past workers whose inbox is unavailable. Admission
// must have been granted before calling; on error the caller releases the
// slot itself.
func (c *Command) Dispatch(task Task) error {
	c.mu.Lock()
	start := c.cursor
	c.cursor = (c.cursor + 1) % len(c.inboxes)
	c.mu.Unlock()

	for i := 0; i < len(c.inboxes); i++ {
		inbox := c.inboxes[(start+i)%len(c.inboxes)]
		if trySend(inbox, task) {
			return nil
		}
	}
	return ErrNoWorkers
}

// trySend recovers from the send-on-closed panic of a dead worker's inbox
// so the dispatcher can move on to the next one.
func trySend(inbox chan Task, task Task) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case inbox <- task:
		return true
	default:
		return false
	}
}

func (c *Command) workerLoop(id int) {
	defer c.wg.Done()
	slot := c.slots[id]
	for task := range c.inboxes[id] {
		c.runTask(id, slot, task)
	}
}

// runTask drives one task to its single terminal outcome: completed,
// failed, or cancelled by deadline. A panicking executor is converted to
// an internal error and the loop above picks up the next task, so the
// pool self-heals.
func (c *Command) runTask(workerID int, slot *WorkerSlot, task Task) {
	slot.setRunning(task.ID)
	defer slot.setIdle()

	started := time.Now()
	finalized := false
	finish := func(out Outcome) {
		if finalized {
			return
		}
		finalized = true
		elapsedMS := time.Since(started).Milliseconds()
		out.ElapsedMS = elapsedMS
		out.WorkerID = workerID
		c.Ring.Observe(elapsedMS)
		c.Gate.Release()
		if c.observe != nil {
			kind := ""
			if out.Err != nil {
				kind = string(out.Err.Kind)
			}
			c.observe(c.Handler.Name(), elapsedMS, kind)
		}
		if task.OnFinish != nil {
			task.OnFinish(out)
		}
		select {
		case task.Reply <- out:
		default:
		}
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("executor panic",
				slog.String("command", c.Handler.Name()),
				slog.Uint64("task_id", task.ID),
				slog.Any("panic", r))
			finish(Outcome{Err: registry.Internal("handler panic")})
		}
	}()

	if task.OnStart != nil && !task.OnStart() {
		finish(Outcome{Err: registry.Cancelled("cancelled before start")})
		return
	}

	watchdog := time.AfterFunc(time.Until(task.Deadline), task.Cancel.Raise)
	ctx := &registry.Ctx{
		Deadline:  task.Deadline,
		Cancel:    task.Cancel,
		DataDir:   c.dataDir,
		RequestID: task.RequestID,
	}
	value, herr := c.Handler.Run(task.Params, ctx)
	watchdog.Stop()

	// Deadline wins the race: a value produced after the watchdog fired
	// is discarded.
	if task.Cancel.Raised() {
		if herr == nil || herr.Kind != registry.KindCancelled {
			herr = registry.Cancelled("deadline exceeded")
		}
		finish(Outcome{Err: herr})
		return
	}
	if herr != nil {
		finish(Outcome{Err: herr})
		return
	}
	finish(Outcome{Value: value})
}

// CommandSet holds every Command, built once at startup from the
// registry. Ownership is tree-shaped: the set owns the commands, each
// command owns its workers, ring and gate.
type CommandSet struct {
	commands map[string]*Command
	order    []*Command
}

// NewCommandSet builds one Command per registered handler and starts its
// workers.
func NewCommandSet(reg *registry.Registry, cfg Config) *CommandSet {
	if cfg.Workers < 1 {
		panic(fmt.Sprintf("dispatch: workers must be >= 1, got %d", cfg.Workers))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perWorker := (cfg.MaxInFlight + cfg.Workers - 1) / cfg.Workers

	set := &CommandSet{commands: make(map[string]*Command, reg.Len())}
	for _, h := range reg.All() {
		cmd := &Command{
			Handler: h,
			Gate:    admission.NewGate(cfg.MaxInFlight),
			Ring:    latency.NewRing(latency.MaxSamples),
			inboxes: make([]chan Task, cfg.Workers),
			slots:   make([]*WorkerSlot, cfg.Workers),
			dataDir: cfg.DataDir,
			log:     logger,
			observe: cfg.Observe,
		}
		for i := 0; i < cfg.Workers; i++ {
			cmd.inboxes[i] = make(chan Task, perWorker)
			cmd.slots[i] = &WorkerSlot{ID: i}
			cmd.wg.Add(1)
			go cmd.workerLoop(i)
		}
		set.commands[h.Path] = cmd
		set.order = append(set.order, cmd)
	}
	return set
}

// Get returns the command for a request path, or nil.
func (s *CommandSet) Get(path string) *Command {
	return s.commands[path]
}

// All returns the commands in registration order.
func (s *CommandSet) All() []*Command {
	return s.order
}

// Stop closes every inbox and waits for in-flight tasks to finish.
func (s *CommandSet) Stop() {
	for _, cmd := range s.order {
		for _, inbox := range cmd.inboxes {
			close(inbox)
		}
	}
	for _, cmd := range s.order {
		cmd.wg.Wait()
	}
}
