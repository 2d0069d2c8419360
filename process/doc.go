/*
Package process defines the process handle and classified event stream consumed by a supervisor, along with a local os/exec implementation.

A Handle exposes the byte streams of a running worker, its PID, and Kill/Wait operations. An Observer turns a Handle into a stream of events:

  - StdoutEvent and StderrEvent carry raw output chunks
  - ExitEvent carries the exit code when the process terminates on its own
  - ErrorEvent carries an error that prevented determining the exit status

The stream stops after ExitEvent or ErrorEvent.

Observe is the default Observer. It reads stderr, not stdout, since stdout of an RPC worker belongs to the RPC connection.

Implementations of Handle for workers running on other hosts or inside containers live in the remote and docker subpackages.
*/
package process
