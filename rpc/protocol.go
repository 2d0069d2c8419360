package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const jsonRPCVersion = "2.0"

// JSON-RPC 2.0 error codes used on the wire.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

var (
	// ErrConnectionClosed is returned for calls on a disposed connection, including calls that were in flight when it was disposed.
	ErrConnectionClosed = errors.New("rpc connection closed")
	ErrUnknownService   = errors.New("unknown service")
	ErrUnknownMethod    = errors.New("unknown method")
)

// request is a call or, without an ID, a notification.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is an error returned by the remote peer.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// methodName joins a service and method into a wire method name.
func methodName(service, method string) string {
	return service + "." + method
}

// splitMethod splits a wire method name at the last dot, so service names may themselves contain dots.
func splitMethod(name string) (service, method string, ok bool) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
