package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	psprocess "github.com/shirou/gopsutil/v3/process"
)

// Command describes a worker to run on the local host.
type Command struct {
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
	Dir string
}

// Local returns a Factory that starts cmd as a child of the current process.
func Local(cmd Command) Factory {
	return func(ctx context.Context) (Handle, error) {
		return StartLocal(ctx, cmd)
	}
}

// StartLocal starts cmd and returns its handle.
// stdout and stderr are OS pipes owned by the handle, so they stay readable after the process is reaped.
func StartLocal(ctx context.Context, cmd Command) (*LocalProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	c.Stdout = stdoutW
	c.Stderr = stderrW

	err = c.Start()
	// the child holds its own copies of the write ends
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("starting %q: %w", cmd.Path, err)
	}

	return &LocalProcess{
		cmd:    c,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
		waitCh: make(chan struct{}),
	}, nil
}

// LocalProcess is a Handle for a child of the current process.
type LocalProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	waitOnce sync.Once
	waitCh   chan struct{}
	exitCode int
	waitErr  error

	closeOnce sync.Once
}

func (p *LocalProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *LocalProcess) Stdout() io.Reader     { return p.stdout }
func (p *LocalProcess) Stderr() io.Reader     { return p.stderr }
func (p *LocalProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *LocalProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.exitCode = p.cmd.ProcessState.ExitCode()
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				p.waitErr = err
				p.exitCode = -1
			}
		}
		close(p.waitCh)
	})
	<-p.waitCh
	return p.exitCode, p.waitErr
}

// Exited reports whether Wait has returned.
func (p *LocalProcess) Exited() bool {
	select {
	case <-p.waitCh:
		return true
	default:
		return false
	}
}

// Signal sends sig to the process.
func (p *LocalProcess) Signal(sig os.Signal) error {
	if p.Exited() {
		return nil
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// CloseOutput closes the read ends of stdout and stderr, unblocking any pending reads.
// A leftover grandchild can keep the write ends open after the process itself has exited.
func (p *LocalProcess) CloseOutput() {
	p.closeOnce.Do(func() {
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
}

// Kill kills the process and any processes it spawned.
func (p *LocalProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	if proc, err := psprocess.NewProcess(int32(p.cmd.Process.Pid)); err == nil {
		killChildren(proc)
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func killChildren(proc *psprocess.Process) {
	children, err := proc.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killChildren(child)
		_ = child.Kill()
	}
}
