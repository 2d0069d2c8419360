package remote

import (
	"syscall"

	"github.com/guseggert/procbridge/process"
)

// requestMessage is sent client->server.
// Only the first message carries Start, later ones stream stdin or signals.
type requestMessage struct {
	Start *process.Command `json:",omitempty"`

	Stdin     []byte `json:",omitempty"`
	StdinDone bool   `json:",omitempty"`

	Signal syscall.Signal `json:",omitempty"`
}

// responseMessage is sent server->client.
// The first message carries either PID or Err, the last one carries the exit information.
type responseMessage struct {
	PID int    `json:",omitempty"`
	Err string `json:",omitempty"`

	Stdout     []byte `json:",omitempty"`
	StdoutDone bool   `json:",omitempty"`

	Stderr     []byte `json:",omitempty"`
	StderrDone bool   `json:",omitempty"`

	// Exited is true if the process exited. ExitCode and TimeMS are set in that case.
	Exited   bool  `json:",omitempty"`
	ExitCode int   `json:",omitempty"`
	TimeMS   int64 `json:",omitempty"`
}
