package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/procbridge/process"
	"github.com/guseggert/procbridge/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const loggerName = "supervisor"

// ErrDisposed is returned by GetService once the supervisor has been disposed.
var ErrDisposed = errors.New("supervisor disposed")

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// Connection is the RPC channel bound to a worker's stdio.
type Connection interface {
	GetService(ctx context.Context, name string) (*rpc.Service, error)
	Dispose()
}

// Connector builds a Connection reading from r and writing to w.
type Connector func(registry *rpc.Registry, r io.Reader, w io.Writer) Connection

// State is the observable state of a supervisor.
type State int

const (
	StateNoProcess State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateNoProcess:
		return "no_process"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Supervisor lazily runs a worker process and hands out proxies to the services it implements.
// If the worker exits or fails, the next GetService transparently spawns a new one.
type Supervisor struct {
	name     string
	log      *zap.SugaredLogger
	registry *rpc.Registry
	factory  process.Factory
	observe  process.Observer
	connect  Connector
	metrics  *Metrics

	spawnTimeout time.Duration

	// ctx is the parent of every spawn and is canceled on Dispose.
	ctx    context.Context
	cancel func()

	flight singleflight.Group

	mut        sync.Mutex
	disposed   bool
	proc       process.Handle
	conn       Connection
	sub        process.Subscription
	generation string
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Sugar().Named(loggerName)
	}
}

// WithObserver replaces process.Observe as the source of process events.
func WithObserver(o process.Observer) Option {
	return func(s *Supervisor) {
		s.observe = o
	}
}

// WithConnector replaces the default client rpc.Connection.
func WithConnector(c Connector) Option {
	return func(s *Supervisor) {
		s.connect = c
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithSpawnTimeout bounds each invocation of the process factory. Zero means no bound.
func WithSpawnTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.spawnTimeout = d
	}
}

// New constructs a supervisor. No process is started until the first GetService call.
func New(name string, registry *rpc.Registry, factory process.Factory, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		name:     name,
		log:      defaultLogger,
		registry: registry,
		factory:  factory,
		observe:  process.Observe,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("Supervisor", name)
	if s.connect == nil {
		connLogger := s.log.Desugar()
		s.connect = func(registry *rpc.Registry, r io.Reader, w io.Writer) Connection {
			return rpc.NewConnection(rpc.RoleClient, registry, r, w, rpc.WithLogger(connLogger))
		}
	}
	return s
}

func (s *Supervisor) Name() string { return s.name }

func (s *Supervisor) IsDisposed() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.disposed
}

func (s *Supervisor) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.proc != nil {
		return StateRunning
	}
	return StateNoProcess
}

// Pid returns the PID of the running worker, or 0 if none is running.
func (s *Supervisor) Pid() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// GetService returns a proxy to the named service, spawning the worker if none is running.
// Concurrent callers share a single spawn and its outcome.
func (s *Supervisor) GetService(ctx context.Context, service string) (*rpc.Service, error) {
	conn, err := s.ensureProcess(ctx)
	if err != nil {
		return nil, err
	}
	return conn.GetService(ctx, service)
}

// Dispose kills the worker, if any, and permanently stops the supervisor. It is safe to call more than once.
func (s *Supervisor) Dispose() {
	s.mut.Lock()
	if !s.disposed {
		s.log.Info("disposing")
	}
	s.disposed = true
	s.cancel()
	w := s.detachLocked()
	s.mut.Unlock()

	w.teardown(s.log, true)
}

func (s *Supervisor) ensureProcess(ctx context.Context) (Connection, error) {
	s.mut.Lock()
	if s.disposed {
		s.mut.Unlock()
		return nil, ErrDisposed
	}
	if s.conn != nil {
		conn := s.conn
		s.mut.Unlock()
		return conn, nil
	}
	s.mut.Unlock()

	// The key is constant: every caller joins the one in-flight spawn, and the slot clears when it returns.
	ch := s.flight.DoChan("spawn", func() (any, error) {
		return s.spawn()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Connection), nil
	}
}

func (s *Supervisor) spawn() (Connection, error) {
	s.mut.Lock()
	if s.disposed {
		s.mut.Unlock()
		return nil, ErrDisposed
	}
	if s.proc != nil {
		conn := s.conn
		s.mut.Unlock()
		return conn, nil
	}
	s.mut.Unlock()

	ctx := s.ctx
	if s.spawnTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, s.spawnTimeout)
		defer cancel()
	}

	proc, err := s.factory(ctx)
	if err != nil {
		if s.IsDisposed() {
			return nil, ErrDisposed
		}
		s.log.Errorw("error spawning child process", "Error", err)
		s.metrics.spawnFailed(s.name)
		return nil, err
	}

	generation := uuid.NewString()
	log := s.log.With("Generation", generation, "PID", proc.Pid())
	log.Info("created child process")

	stdin := &stdinWriter{w: proc.Stdin(), log: log}
	conn := s.connect(s.registry, proc.Stdout(), stdin)

	s.mut.Lock()
	if s.disposed {
		s.mut.Unlock()
		worker{conn: conn, proc: proc}.teardown(log, true)
		return nil, ErrDisposed
	}
	defer s.mut.Unlock()
	// Observers never deliver synchronously, so handlers block on mut until the assignment below is visible.
	s.sub = s.observe(proc, func(ev process.Event) { s.handleEvent(proc, ev) })
	s.conn = conn
	s.proc = proc
	s.generation = generation
	s.metrics.spawned(s.name)
	return conn, nil
}

// handleEvent reacts to an event from the worker spawned as proc.
// Events from earlier generations are ignored.
func (s *Supervisor) handleEvent(proc process.Handle, ev process.Event) {
	switch e := ev.(type) {
	case process.StdoutEvent:
	case process.StderrEvent:
		s.log.Warnw("stderr received", "PID", proc.Pid(), "Data", string(e.Data))
	case process.ExitEvent:
		s.mut.Lock()
		if s.proc != proc {
			s.mut.Unlock()
			return
		}
		if !s.disposed {
			s.log.Errorw("child process exited", "Generation", s.generation, "PID", proc.Pid(), "ExitCode", e.ExitCode)
		}
		s.metrics.exited(s.name)
		w := s.detachLocked()
		s.mut.Unlock()
		// the process is already gone, so don't kill it
		w.teardown(s.log, false)
	case process.ErrorEvent:
		s.mut.Lock()
		if s.proc != proc {
			s.mut.Unlock()
			return
		}
		s.log.Errorw("child process error", "Generation", s.generation, "PID", proc.Pid(), "Error", e.Err)
		s.metrics.errored(s.name)
		w := s.detachLocked()
		s.mut.Unlock()
		w.teardown(s.log, true)
	default:
		panic(fmt.Sprintf("%s - unknown process event %T (%v)", s.name, ev, ev))
	}
}

// worker is one generation's resources, detached from the supervisor for teardown.
type worker struct {
	sub  process.Subscription
	conn Connection
	proc process.Handle
}

// detachLocked clears the current generation and returns its resources. Caller must hold mut.
// The supervisor is ready to respawn as soon as this returns, even though the old worker may still be running.
func (s *Supervisor) detachLocked() worker {
	w := worker{sub: s.sub, conn: s.conn, proc: s.proc}
	if s.proc != nil {
		s.metrics.stopped(s.name)
	}
	s.sub = nil
	s.conn = nil
	s.proc = nil
	s.generation = ""
	return w
}

// teardown releases a detached worker. Kills and connection shutdowns can block on I/O, so it runs without mut.
func (w worker) teardown(log *zap.SugaredLogger, kill bool) {
	if w.sub != nil {
		w.sub.Unsubscribe()
	}
	if w.conn != nil {
		w.conn.Dispose()
	}
	if w.proc != nil && kill {
		if err := w.proc.Kill(); err != nil {
			log.Debugf("error killing child process %d: %s", w.proc.Pid(), err)
		}
	}
}

// stdinWriter logs write errors instead of tearing down the connection.
type stdinWriter struct {
	w   io.WriteCloser
	log *zap.SugaredLogger
}

func (w *stdinWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		w.log.Errorw("error writing data", "Error", err)
	}
	return n, err
}

func (w *stdinWriter) Close() error {
	return w.w.Close()
}
