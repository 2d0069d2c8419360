package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const readBufferSize = 64 * 1024

// Role tags the side of a connection. It only affects logging.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

type Option func(c *Connection)

func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		c.log = l.Sugar().Named("rpc")
	}
}

// Connection is a bidirectional line-delimited JSON-RPC channel over a byte-stream pair.
// Outgoing calls are made with Call or through a Service proxy.
// Incoming calls are dispatched to the methods registered in the registry.
type Connection struct {
	id       string
	role     Role
	registry *Registry
	log      *zap.SugaredLogger

	r        io.Reader
	reader   *bufio.Reader
	w        io.Writer
	writeMut sync.Mutex

	mut     sync.Mutex
	nextID  int64
	pending map[int64]chan *response

	ctx         context.Context
	cancel      func()
	disposeOnce sync.Once
	closed      chan struct{}
	done        chan struct{}
}

// NewConnection binds a connection to r and w and starts reading.
func NewConnection(role Role, registry *Registry, r io.Reader, w io.Writer, opts ...Option) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       uuid.NewString(),
		role:     role,
		registry: registry,
		log:      zap.NewNop().Sugar(),
		r:        r,
		reader:   bufio.NewReaderSize(r, readBufferSize),
		w:        w,
		pending:  map[int64]chan *response{},
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("Role", role, "ConnID", c.id)
	go c.readLoop()
	return c
}

func (c *Connection) ID() string { return c.id }

// Done is closed when the connection stops reading, because of EOF, a read error, or Dispose.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// GetService returns a proxy to the named service, which must be known to the registry.
func (c *Connection) GetService(ctx context.Context, name string) (*Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrConnectionClosed
	}
	def, ok := c.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownService, name)
	}
	return &Service{def: def, conn: c}, nil
}

// Call invokes service.method on the peer and decodes the result into result, if non-nil.
func (c *Connection) Call(ctx context.Context, service, method string, params any, result any) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}

	ch := make(chan *response, 1)
	c.mut.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mut.Unlock()

	defer func() {
		c.mut.Lock()
		delete(c.pending, id)
		c.mut.Unlock()
	}()

	err = c.send(&request{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  methodName(service, method),
		Params:  rawParams,
	})
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	select {
	case resp := <-ch:
		return decodeResponse(resp, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
	case <-c.done:
	}
	// the response may have raced with shutdown
	select {
	case resp := <-ch:
		return decodeResponse(resp, result)
	default:
		return ErrConnectionClosed
	}
}

// Notify sends a call that expects no response.
func (c *Connection) Notify(ctx context.Context, service, method string, params any) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&request{
		JSONRPC: jsonRPCVersion,
		Method:  methodName(service, method),
		Params:  rawParams,
	})
}

// Dispose closes the connection. Pending and future calls fail with ErrConnectionClosed.
// The underlying streams are closed if they implement io.Closer.
func (c *Connection) Dispose() {
	c.disposeOnce.Do(func() {
		c.log.Debug("disposing connection")
		close(c.closed)
		c.cancel()
		if closer, ok := c.w.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.log.Debugf("error closing writer: %s", err)
			}
		}
		if closer, ok := c.r.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.log.Debugf("error closing reader: %s", err)
			}
		}
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return b, nil
}

func decodeResponse(resp *response, result any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("unmarshaling result: %w", err)
		}
	}
	return nil
}

func (c *Connection) send(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	b = append(b, '\n')

	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	_, err = c.w.Write(b)
	return err
}

func (c *Connection) readLoop() {
	defer close(c.done)
	for {
		line, err := c.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if !c.isClosed() && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				c.log.Debugf("read error: %s", err)
			}
			return
		}
	}
}

func (c *Connection) dispatch(line []byte) {
	if !gjson.ValidBytes(line) {
		c.log.Debugw("dropping malformed message", "Message", string(line))
		return
	}
	if gjson.GetBytes(line, "method").Exists() {
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			c.log.Debugf("decoding request: %s", err)
			return
		}
		go c.handleRequest(&req)
		return
	}
	if gjson.GetBytes(line, "id").Exists() {
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Debugf("decoding response: %s", err)
			return
		}
		c.handleResponse(&resp)
		return
	}
	c.log.Debugw("dropping unclassifiable message", "Message", string(line))
}

func (c *Connection) handleResponse(resp *response) {
	c.mut.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mut.Unlock()
	if !ok {
		c.log.Debugf("no pending call for response %d", resp.ID)
		return
	}
	ch <- resp
}

func (c *Connection) handleRequest(req *request) {
	result, err := c.invoke(req)
	if req.ID == 0 {
		if err != nil {
			c.log.Debugw("notification failed", "Method", req.Method, "Error", err)
		}
		return
	}

	resp := &response{JSONRPC: jsonRPCVersion, ID: req.ID}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
		}
		resp.Error = rpcErr
	} else if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			resp.Error = &Error{Code: CodeInternalError, Message: fmt.Sprintf("marshaling result: %s", err)}
		} else {
			resp.Result = b
		}
	}
	if err := c.send(resp); err != nil && !c.isClosed() {
		c.log.Debugf("error sending response to %d: %s", req.ID, err)
	}
}

func (c *Connection) invoke(req *request) (any, error) {
	service, method, ok := splitMethod(req.Method)
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("malformed method %q", req.Method)}
	}
	def, ok := c.registry.Lookup(service)
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown service %q", service)}
	}
	impl := def.Methods[method]
	if impl == nil {
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("service %q does not implement %q", service, method)}
	}
	return impl(c.ctx, req.Params)
}

// Serve runs a server connection until the peer closes r or ctx is done.
// Workers call this with their stdin and stdout.
func Serve(ctx context.Context, registry *Registry, r io.Reader, w io.Writer, opts ...Option) error {
	conn := NewConnection(RoleServer, registry, r, w, opts...)
	defer conn.Dispose()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.Done():
		return nil
	}
}
