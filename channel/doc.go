// Package channel implements a bidirectional JSON-RPC 2.0 channel over a
// byte stream framed as one JSON message per line.
//
// A Channel correlates responses to requests by id. Callers may have many
// requests in flight; responses can arrive in any order. Each in-flight
// request carries a deadline, and a request that times out is removed
// without affecting the others or the channel.
//
// Failure model:
//
//   - A caller's deadline fires: only that call fails with [ErrTimeout].
//   - The peer closes the stream: every pending call fails with
//     [ErrChannelClosed] and the channel is closed.
//   - A line that is not valid JSON-RPC: every pending call fails with
//     [ErrProtocol] and the channel is closed.
//   - A response whose id matches nothing pending is logged and dropped.
//
// Wire types come from github.com/sourcegraph/jsonrpc2; request ids are
// UUID strings.
package channel
