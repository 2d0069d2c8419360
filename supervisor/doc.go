/*
Package supervisor runs a worker process behind an RPC connection and hands out proxies to the services it implements.

A Supervisor is constructed with a name, an rpc.Registry declaring the worker's services, and a process.Factory. Nothing is started until the first GetService call, which spawns the worker, binds an rpc.Connection to its stdin and stdout, and subscribes to its classified events. Concurrent GetService calls share a single spawn.

The supervisor is either running a process or not:

  - stderr output is logged as a warning
  - an exit tears down the connection without killing the already dead process
  - an error event tears down the connection and kills the process

After either teardown the next GetService spawns a new worker. Calls that were in flight on the old connection fail with rpc.ErrConnectionClosed. Spawn failures are returned to every caller waiting on that spawn and are retried by the next call; there is no automatic retry or backoff.

Dispose kills the worker and makes every later GetService fail with ErrDisposed.
*/
package supervisor
