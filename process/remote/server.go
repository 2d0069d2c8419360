package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/procbridge/process"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// outputDrainTimeout bounds how long output is forwarded after the process exits.
const outputDrainTimeout = 250 * time.Millisecond

// Server runs one worker process per WebSocket connection.
type Server struct {
	Log *zap.SugaredLogger
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.Log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &serverRunner{
		log:    s.Log.Named("server_runner"),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
	}
	runner.run()
}

type serverRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	proc *process.LocalProcess

	closeConnOnce sync.Once
}

func (r *serverRunner) close(code websocket.StatusCode, reason string) {
	// websocket reasons can't exceed 123 bytes
	if len(reason) > 100 {
		reason = reason[:100]
	}
	r.closeConnOnce.Do(func() {
		if err := r.conn.Close(code, reason); err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (r *serverRunner) run() {
	startTime, err := r.start()
	if err != nil {
		r.log.Debugf("error starting process: %s", err)
		_ = wsjson.Write(r.ctx, r.conn, responseMessage{Err: err.Error()})
		r.close(websocket.StatusNormalClosure, "")
		return
	}
	r.log = r.log.With("PID", r.proc.Pid())
	r.log.Debug("process started")

	// the process is scoped to the connection
	defer func() {
		if err := r.proc.Kill(); err != nil {
			r.log.Debugf("error killing process: %s", err)
		}
		r.proc.CloseOutput()
	}()

	var outputs sync.WaitGroup
	outputs.Add(2)
	go r.pump(&outputs, r.proc.Stdout(),
		func(b []byte) any { return responseMessage{Stdout: b} },
		func() any { return responseMessage{StdoutDone: true} })
	go r.pump(&outputs, r.proc.Stderr(),
		func(b []byte) any { return responseMessage{Stderr: b} },
		func() any { return responseMessage{StderrDone: true} })

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		r.readMessages()
	}()

	exitCode, err := r.proc.Wait()
	if err != nil {
		r.log.Debugf("unexpected wait error: %s", err)
	}

	// output is flushed before the exit message, unless something the process left behind still holds it open
	drained := make(chan struct{})
	go func() {
		outputs.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(outputDrainTimeout):
		r.log.Debug("output still open after exit, closing it")
		r.proc.CloseOutput()
		<-drained
	}
	r.log.Debugf("process exited with code %d, sending message", exitCode)
	err = wsjson.Write(r.ctx, r.conn, responseMessage{
		Exited:   true,
		ExitCode: exitCode,
		TimeMS:   time.Since(startTime).Milliseconds(),
	})
	if err != nil {
		r.log.Debugf("error sending exit code: %s", err)
		r.cancel()
	}

	// the client initiates the close once it has the exit message
	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		r.close(websocket.StatusNormalClosure, "")
		r.cancel()
		<-readDone
	}
}

func (r *serverRunner) start() (time.Time, error) {
	var req requestMessage
	if err := wsjson.Read(r.ctx, r.conn, &req); err != nil {
		return time.Time{}, fmt.Errorf("reading first message: %w", err)
	}
	if req.Start == nil {
		return time.Time{}, errors.New("first message has no command")
	}
	r.log.Debugw("got first message", "Command", req.Start)

	proc, err := process.StartLocal(r.ctx, *req.Start)
	if err != nil {
		return time.Time{}, err
	}
	r.proc = proc

	if err := wsjson.Write(r.ctx, r.conn, responseMessage{PID: proc.Pid()}); err != nil {
		_ = proc.Kill()
		return time.Time{}, fmt.Errorf("sending pid: %w", err)
	}
	return time.Now(), nil
}

func (r *serverRunner) pump(wg *sync.WaitGroup, src io.Reader, writeMsg func([]byte) any, closeMsg func() any) {
	defer wg.Done()
	w := &wsJSONWriter{
		log:      r.log.Named("output_writer"),
		ctx:      r.ctx,
		conn:     r.conn,
		writeMsg: writeMsg,
		closeMsg: closeMsg,
	}
	if _, err := io.Copy(w, src); err != nil {
		r.log.Debugf("error copying output: %s", err)
	}
	_ = w.Close()
}

func (r *serverRunner) readMessages() {
	stdin := r.proc.Stdin()
	closedStdin := false
	closeStdin := func() {
		if !closedStdin {
			closedStdin = true
			_ = stdin.Close()
		}
	}
	defer closeStdin()

	for {
		var msg requestMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client")
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.close(websocket.StatusInternalError, err.Error())
			// a lost client leaves nobody to observe the process
			_ = r.proc.Kill()
			return
		}
		if len(msg.Stdin) > 0 && !closedStdin {
			if _, err := stdin.Write(msg.Stdin); err != nil {
				r.log.Debugf("error writing stdin: %s", err)
				closeStdin()
			}
		}
		if msg.StdinDone {
			closeStdin()
		}
		switch msg.Signal {
		case 0:
		case syscall.SIGKILL:
			if err := r.proc.Kill(); err != nil {
				r.log.Debugf("error killing process: %s", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			if err := r.proc.Signal(msg.Signal); err != nil {
				r.log.Debugf("error signaling process: %s", err)
			}
		default:
			r.log.Debugf("unknown signal %d, ignoring", msg.Signal)
		}
	}
}
