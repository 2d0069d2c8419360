package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"

	"github.com/guseggert/procbridge/process"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client starts worker processes on a remote Server.
type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// Factory returns a process.Factory that starts cmd on the remote host.
func (c *Client) Factory(cmd process.Command) process.Factory {
	return func(ctx context.Context) (process.Handle, error) {
		return c.Start(ctx, cmd)
	}
}

// Start starts cmd remotely and returns once the server has reported its PID.
// ctx bounds only the handshake, the process lives until it exits or is killed.
func (c *Client) Start(ctx context.Context, cmd process.Command) (*Process, error) {
	c.Logger.Debugw("dialing WebSocket for process", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	if err := wsjson.Write(ctx, wsConn, requestMessage{Start: &cmd}); err != nil {
		wsConn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("writing first message: %w", err)
	}
	var first responseMessage
	if err := wsjson.Read(ctx, wsConn, &first); err != nil {
		wsConn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("reading first message: %w", err)
	}
	if first.Err != "" {
		wsConn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("starting remote process: %s", first.Err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p := &Process{
		log:     c.Logger.Named("remote_process").With("PID", first.PID),
		conn:    wsConn,
		ctx:     runCtx,
		cancel:  cancel,
		pid:     first.PID,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
		done:    make(chan struct{}),
	}
	p.stdin = &wsJSONWriter{
		log:  p.log.Named("stdin_writer"),
		ctx:  runCtx,
		conn: wsConn,
		writeMsg: func(b []byte) any {
			return requestMessage{Stdin: b}
		},
		closeMsg: func() any {
			return requestMessage{StdinDone: true}
		},
		done: p.done,
	}
	go p.readMessages()
	return p, nil
}

// Process is a process.Handle for a process running on a remote Server.
type Process struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	pid   int
	stdin *wsJSONWriter

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	closeConnOnce sync.Once

	done     chan struct{}
	exitCode int
	err      error
}

func (p *Process) Stdin() io.WriteCloser { return p.stdin }
func (p *Process) Stdout() io.Reader     { return p.stdoutR }
func (p *Process) Stderr() io.Reader     { return p.stderrR }

// Pid is the process ID on the remote host.
func (p *Process) Pid() int { return p.pid }

func (p *Process) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signal asks the server to deliver sig to the process.
func (p *Process) Signal(ctx context.Context, sig syscall.Signal) error {
	if p.exited() {
		return nil
	}
	return wsjson.Write(ctx, p.conn, requestMessage{Signal: sig})
}

// Kill kills the remote process and stops reading its output.
// If the kill can't be delivered, the connection is dropped, which also kills the process.
func (p *Process) Kill() error {
	// unread output must not block the message reader
	p.stdoutR.Close()
	p.stderrR.Close()
	if p.exited() {
		return nil
	}
	if err := p.Signal(p.ctx, syscall.SIGKILL); err != nil {
		p.log.Debugf("error sending kill, closing conn: %s", err)
		p.close(websocket.StatusGoingAway, "killed")
	}
	return nil
}

func (p *Process) close(code websocket.StatusCode, reason string) {
	p.closeConnOnce.Do(func() {
		if err := p.conn.Close(code, reason); err != nil {
			p.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (p *Process) finish(code int, err error) {
	p.stdoutW.Close()
	p.stderrW.Close()
	p.exitCode = code
	p.err = err
	close(p.done)
	p.cancel()
}

func (p *Process) readMessages() {
	for {
		var msg responseMessage
		err := wsjson.Read(p.ctx, p.conn, &msg)
		if err != nil {
			p.log.Debugf("message reader got error: %s", err)
			p.close(websocket.StatusInternalError, "")
			if websocket.CloseStatus(err) != -1 {
				err = fmt.Errorf("conn unexpectedly closed: %w", err)
			}
			p.finish(-1, err)
			return
		}
		if len(msg.Stdout) > 0 {
			p.write(p.stdoutW, msg.Stdout)
		}
		if msg.StdoutDone {
			p.stdoutW.Close()
		}
		if len(msg.Stderr) > 0 {
			p.write(p.stderrW, msg.Stderr)
		}
		if msg.StderrDone {
			p.stderrW.Close()
		}
		if msg.Exited {
			// finish first so stdin reports the exit rather than a closed conn
			p.finish(msg.ExitCode, nil)
			p.close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// write delivers output to a local reader, dropping it if the reader is gone.
func (p *Process) write(w *io.PipeWriter, b []byte) {
	_, err := w.Write(b)
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		p.log.Debugf("error delivering output: %s", err)
	}
}
