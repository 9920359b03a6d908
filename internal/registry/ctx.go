package registry

import (
	"sync/atomic"
	"time"
)

// CancelToken is a shared flag raised by the deadline watchdog or by a
// job cancellation. Executors poll it cooperatively at loop boundaries.
type CancelToken struct {
	raised atomic.Bool
}

func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Raise flips the token. Idempotent.
func (c *CancelToken) Raise() {
	c.raised.Store(true)
}

// Raised reports whether cancellation was requested.
func (c *CancelToken) Raised() bool {
	return c.raised.Load()
}

// Ctx is the execution context handed to an executor along with its
// validated params. Executors must not spawn goroutines and must not
// outlive the deadline by more than one poll interval.
type Ctx struct {
	Deadline  time.Time
	Cancel    *CancelToken
	DataDir   string
	RequestID string
}

// Err returns a Cancelled error when the token has been raised or the
// deadline has passed, else nil. Heavy executors call this at the top of
// their inner loops.
func (c *Ctx) Err() *HandlerError {
	if c.Cancel != nil && c.Cancel.Raised() {
		return Cancelled("execution cancelled")
	}
	if !c.Deadline.IsZero() && time.Now().After(c.Deadline) {
		if c.Cancel != nil {
			c.Cancel.Raise()
		}
		return Cancelled("deadline exceeded")
	}
	return nil
}

// Remaining returns the time budget left before the deadline, or false
// when it is already spent.
func (c *Ctx) Remaining() (time.Duration, bool) {
	if c.Deadline.IsZero() {
		return 0, false
	}
	d := time.Until(c.Deadline)
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// ErrKind tags a HandlerError for the wire-visible taxonomy.
type ErrKind string

const (
	KindBadParam  ErrKind = "BadParam"
	KindNotFound  ErrKind = "NotFound"
	KindIO        ErrKind = "IO"
	KindOverflow  ErrKind = "Overflow"
	KindCancelled ErrKind = "Cancelled"
	KindInternal  ErrKind = "Internal"
)

// HandlerError is the failure value of an executor.
type HandlerError struct {
	Kind    ErrKind
	Message string
}

func (e *HandlerError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func BadParam(msg string) *HandlerError  { return &HandlerError{Kind: KindBadParam, Message: msg} }
func NotFound(msg string) *HandlerError  { return &HandlerError{Kind: KindNotFound, Message: msg} }
func IOError(msg string) *HandlerError   { return &HandlerError{Kind: KindIO, Message: msg} }
func Overflow(msg string) *HandlerError  { return &HandlerError{Kind: KindOverflow, Message: msg} }
func Cancelled(msg string) *HandlerError { return &HandlerError{Kind: KindCancelled, Message: msg} }
func Internal(msg string) *HandlerError  { return &HandlerError{Kind: KindInternal, Message: msg} }
