// Package docker runs workers inside existing Docker containers with docker exec.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/guseggert/procbridge/process"
	"go.uber.org/zap"
)

// API is the subset of the Docker client used to run execs. *client.Client implements it.
type API interface {
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
}

// ExecConfig describes a worker to run in a container.
type ExecConfig struct {
	Container  string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string

	// KillContainer kills the whole container on Kill.
	// Docker can't signal an exec directly, so without it Kill only closes the worker's stdio.
	KillContainer bool
}

type options struct {
	log          *zap.SugaredLogger
	inspectTries int
	inspectDelay time.Duration
}

type Option func(o *options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l.Sugar().Named("docker_exec")
	}
}

// WithInspectRetry sets how often the exec is inspected for an exit code after its stream closes.
func WithInspectRetry(tries int, delay time.Duration) Option {
	return func(o *options) {
		o.inspectTries = tries
		o.inspectDelay = delay
	}
}

// Factory returns a process.Factory that runs cfg with docker exec.
func Factory(api API, cfg ExecConfig, opts ...Option) process.Factory {
	return func(ctx context.Context) (process.Handle, error) {
		return Start(ctx, api, cfg, opts...)
	}
}

// Start creates and attaches an exec for cfg.
func Start(ctx context.Context, api API, cfg ExecConfig, opts ...Option) (*Exec, error) {
	o := options{
		log:          zap.NewNop().Sugar(),
		inspectTries: 20,
		inspectDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Container == "" || len(cfg.Cmd) == 0 {
		return nil, errors.New("exec needs a container and a command")
	}

	created, err := api.ContainerExecCreate(ctx, cfg.Container, types.ExecConfig{
		User:         cfg.User,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Cmd:          cfg.Cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in container %q: %w", cfg.Container, err)
	}
	hijacked, err := api.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec %q: %w", created.ID, err)
	}
	inspect, err := api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		hijacked.Close()
		return nil, fmt.Errorf("inspecting exec %q: %w", created.ID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	e := &Exec{
		log:      o.log.With("Container", cfg.Container, "ExecID", created.ID, "PID", inspect.Pid),
		api:      api,
		cfg:      cfg,
		opts:     o,
		id:       created.ID,
		pid:      inspect.Pid,
		hijacked: hijacked,
		stdoutR:  stdoutR,
		stderrR:  stderrR,
		done:     make(chan struct{}),
		killed:   make(chan struct{}),
	}
	go e.demux(stdoutW, stderrW)
	return e, nil
}

// Exec is a process.Handle for a worker running under docker exec.
type Exec struct {
	log  *zap.SugaredLogger
	api  API
	cfg  ExecConfig
	opts options

	id       string
	pid      int
	hijacked types.HijackedResponse

	stdoutR *io.PipeReader
	stderrR *io.PipeReader

	killOnce sync.Once
	killed   chan struct{}

	done     chan struct{}
	exitCode int
	err      error
}

func (e *Exec) Stdin() io.WriteCloser { return &stdin{e: e} }
func (e *Exec) Stdout() io.Reader     { return e.stdoutR }
func (e *Exec) Stderr() io.Reader     { return e.stderrR }

// Pid is the process ID inside the container's PID namespace, as reported by Docker.
func (e *Exec) Pid() int { return e.pid }

// ID is the Docker exec ID.
func (e *Exec) ID() string { return e.id }

func (e *Exec) Wait() (int, error) {
	<-e.done
	return e.exitCode, e.err
}

func (e *Exec) wasKilled() bool {
	select {
	case <-e.killed:
		return true
	default:
		return false
	}
}

func (e *Exec) Kill() error {
	var err error
	e.killOnce.Do(func() {
		close(e.killed)
		e.stdoutR.Close()
		e.stderrR.Close()
		e.hijacked.Close()
		if e.cfg.KillContainer {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if kerr := e.api.ContainerKill(ctx, e.cfg.Container, "KILL"); kerr != nil {
				err = fmt.Errorf("killing container %q: %w", e.cfg.Container, kerr)
			}
		}
	})
	return err
}

// demux splits the multiplexed attach stream, then resolves the exit code once it closes.
func (e *Exec) demux(stdoutW, stderrW *io.PipeWriter) {
	_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, e.hijacked.Reader)
	stdoutW.Close()
	stderrW.Close()
	e.hijacked.Close()
	if copyErr != nil && !e.wasKilled() {
		e.log.Debugf("attach stream ended with error: %s", copyErr)
	}

	e.exitCode, e.err = e.resolveExit()
	close(e.done)
}

func (e *Exec) resolveExit() (int, error) {
	if e.wasKilled() {
		return -1, nil
	}
	ctx := context.Background()
	for i := 0; i < e.opts.inspectTries; i++ {
		inspect, err := e.api.ContainerExecInspect(ctx, e.id)
		if err != nil {
			return -1, fmt.Errorf("inspecting exec %q: %w", e.id, err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		time.Sleep(e.opts.inspectDelay)
	}
	return -1, fmt.Errorf("exec %q still running after its stream closed", e.id)
}

type stdin struct {
	e *Exec
}

func (s *stdin) Write(b []byte) (int, error) {
	return s.e.hijacked.Conn.Write(b)
}

// Close half-closes the attach connection so the worker sees EOF on stdin.
func (s *stdin) Close() error {
	return s.e.hijacked.CloseWrite()
}
