/*
Package rpc implements the RPC channel spoken between a supervisor and its worker process: line-delimited JSON-RPC 2.0 over a byte-stream pair, typically the worker's stdin and stdout.

Each message is a single JSON object terminated by a newline. Method names are "<service>.<method>". Both sides of a Connection may issue calls; incoming calls are dispatched to the methods registered in the connection's Registry.

A client declares the services it expects the worker to provide:

	reg := rpc.NewRegistry()
	reg.Declare("echo", "Echo", "Upper")
	conn := rpc.NewConnection(rpc.RoleClient, reg, proc.Stdout(), proc.Stdin())
	svc, err := conn.GetService(ctx, "echo")
	var out string
	err = svc.Call(ctx, "Upper", "hi", &out)

The worker registers implementations and serves its stdio:

	reg.Register("echo", map[string]rpc.Method{"Upper": upper})
	rpc.Serve(ctx, reg, os.Stdin, os.Stdout)

Disposing a connection fails every pending call with ErrConnectionClosed.
*/
package rpc
