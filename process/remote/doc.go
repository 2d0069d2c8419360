/*
Package remote runs worker processes on another host and presents them as process.Handle values. It uses WebSockets for bidi messaging so only requires an HTTP(S) server, typically the procbridge agent.

Processes are scoped to the WebSocket connection: if the connection dies for any reason, the process is killed.

There are two messages in this protocol: "request" messages are sent client->server, and "response" messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends a request message whose Start field describes the command.
 3. The server starts the process and replies with its PID, or with Err if it could not be started.
 4. The client streams stdin and signals, the server streams stdout and stderr.
 5. Once stdout and stderr are drained and the process has exited, the server sends a response message with Exited=true and the ExitCode.
 6. The client initiates closing of the WebSocket connection.

The server does not buffer output, so the client must keep reading stdout and stderr for the process to make progress. Killing a Process drops any output that has not been read yet.
*/
package remote
