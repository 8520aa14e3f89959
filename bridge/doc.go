// Package bridge exposes one backend incarnation over HTTP.
//
// An Endpoint binds the port reserved for the incarnation and serves:
//
//   - POST /mcp: a JSON-RPC request, notification or batch relayed 1:1 to
//     the backend. Ids are translated: the backend sees the channel's own
//     ids and the caller gets its original id back.
//   - GET /sse: a server-sent-event stream. The first event, "endpoint",
//     carries the URL to POST messages to; responses and backend
//     notifications arrive as "message" events.
//   - POST /message?sessionId=: accepts a message for an SSE session.
//   - /stream: the backend's tools served as an MCP streamable HTTP server.
//   - GET /healthz: 200 while the backend transport is open.
//
// Transport failures map to gateway status codes: 504 when the backend did
// not answer in time and 502 when it went away. JSON-RPC error payloads
// from the backend are relayed unchanged with status 200.
package bridge
