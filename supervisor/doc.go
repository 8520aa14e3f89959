// Package supervisor owns the lifecycle of one backend.
//
// A Supervisor moves through Stopped -> Starting -> Running and back.
// Starting spawns the child (when the descriptor has a command), builds a
// transport with the configured dialer, and runs a readiness probe
// (handshake plus tools/list) under the descriptor's timeout. Only a passed
// probe enters Running.
//
// When a running child exits or its transport closes, the supervisor
// tears the incarnation down, enters Crashed, and applies the restart
// policy: with auto-restart enabled and fewer than MaxRestarts consecutive
// restarts, it waits an exponentially growing, jittered, capped delay and
// starts again with a new generation. Otherwise it settles in Stopped and
// reports ErrBackendUnrecoverable.
//
// Stop is valid in every state. It signals the child, waits a grace period,
// kills it if needed, and only then releases the port the incarnation held.
package supervisor
