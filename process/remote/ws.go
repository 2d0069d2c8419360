package remote

import (
	"context"
	"io"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// wsJSONWriter turns writes into JSON WebSocket messages, chunked to fit under the peer's read limit.
type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg builds the message that carries b.
	writeMsg func(b []byte) any
	// closeMsg, if set, builds the message sent on Close.
	closeMsg func() any
	// done, if set, is closed once the peer process has exited.
	// Writes then fail with io.ErrClosedPipe and Close is a no-op, like a pipe to an exited child.
	done <-chan struct{}
}

func (w *wsJSONWriter) peerExited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// base64 inflates the payload, so stay well under the limit
	writeLimit := readLimit / 3
	written := 0
	if w.peerExited() {
		return 0, io.ErrClosedPipe
	}
	for written < len(b) {
		end := written + writeLimit
		if end > len(b) {
			end = len(b)
		}
		if err := wsjson.Write(w.ctx, w.conn, w.writeMsg(b[written:end])); err != nil {
			if w.peerExited() {
				return written, io.ErrClosedPipe
			}
			return written, err
		}
		written = end
	}
	w.log.Debugf("wrote %d bytes", written)
	return written, nil
}

func (w *wsJSONWriter) Close() error {
	if w.closeMsg == nil || w.peerExited() {
		return nil
	}
	err := wsjson.Write(w.ctx, w.conn, w.closeMsg())
	w.log.Debugw("closed writer", "Error", err)
	if err != nil && w.peerExited() {
		return nil
	}
	return err
}
