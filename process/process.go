package process

import (
	"context"
	"fmt"
	"io"
)

// Handle is a spawned worker process.
// Implementations must be safe for concurrent use.
type Handle interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int

	// Kill terminates the process. It may be called after the process has exited.
	Kill() error

	// Wait blocks until the process exits and returns its exit code.
	// A non-nil error means the exit status could not be determined.
	// Wait may be called more than once and returns the same result each time.
	Wait() (int, error)
}

// Factory spawns a fresh process.
// The context bounds the spawn only, the process outlives it.
type Factory func(ctx context.Context) (Handle, error)

// Kind identifies the type of an Event.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindExit   Kind = "exit"
	KindError  Kind = "error"
)

// Event is a classified process output or lifecycle event.
// The set of event types is closed: StdoutEvent, StderrEvent, ExitEvent and ErrorEvent.
type Event interface {
	Kind() Kind
}

type StdoutEvent struct {
	Data []byte
}

func (StdoutEvent) Kind() Kind { return KindStdout }

type StderrEvent struct {
	Data []byte
}

func (StderrEvent) Kind() Kind { return KindStderr }

// ExitEvent is delivered when the process terminates on its own.
type ExitEvent struct {
	ExitCode int
}

func (ExitEvent) Kind() Kind { return KindExit }

// ErrorEvent is delivered for spawn-time or stream-level errors reported after the spawn returned.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) Kind() Kind { return KindError }

func (e ErrorEvent) String() string {
	return fmt.Sprintf("error: %s", e.Err)
}

// Subscription is an active event subscription.
type Subscription interface {
	// Unsubscribe stops event delivery. It never blocks on a running handler.
	Unsubscribe()
}

// Observer classifies the output of a process into events and delivers them to fn,
// one at a time and in stream order.
// fn is never called synchronously from within the Observer call itself,
// so callers may hold locks that fn also acquires while subscribing.
type Observer func(h Handle, fn func(Event)) Subscription
