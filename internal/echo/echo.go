// Package echo is a tiny RPC service used by the sample worker and by tests.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/guseggert/procbridge/rpc"
)

const ServiceName = "echo"

var Methods = []string{"Echo", "Upper", "Stderr", "Exit"}

// Declare declares the echo service on a client registry.
func Declare(reg *rpc.Registry) error {
	return reg.Declare(ServiceName, Methods...)
}

// Register implements the echo service on reg.
// Exit calls exit with the requested code, and Stderr writes its argument to stderr.
func Register(reg *rpc.Registry, stderr io.Writer, exit func(code int)) error {
	return reg.Register(ServiceName, map[string]rpc.Method{
		"Echo": func(ctx context.Context, params json.RawMessage) (any, error) {
			return params, nil
		},
		"Upper": func(ctx context.Context, params json.RawMessage) (any, error) {
			var s string
			if err := json.Unmarshal(params, &s); err != nil {
				return nil, fmt.Errorf("decoding string param: %w", err)
			}
			return strings.ToUpper(s), nil
		},
		"Stderr": func(ctx context.Context, params json.RawMessage) (any, error) {
			var s string
			if err := json.Unmarshal(params, &s); err != nil {
				return nil, fmt.Errorf("decoding string param: %w", err)
			}
			_, err := fmt.Fprintln(stderr, s)
			return nil, err
		},
		"Exit": func(ctx context.Context, params json.RawMessage) (any, error) {
			var code int
			if len(params) > 0 {
				if err := json.Unmarshal(params, &code); err != nil {
					return nil, fmt.Errorf("decoding exit code: %w", err)
				}
			}
			exit(code)
			return nil, nil
		},
	})
}
