// Package backend provides the client side of external tool backends.
//
// This package defines the Transport interface every backend client
// implements, plus shared infrastructure:
//
//   - Transport: open/call/close capability chosen once per backend
//   - Registry: dialers keyed by transport kind (stdio, http, sse)
//   - Aggregator: cross-backend tool listing and "backend:tool" execution
//   - Catalog: ranked tool search over every running backend
//
// # Transports
//
// Concrete transports live in subpackages:
//
//   - stdio: line-delimited JSON-RPC over a child's stdin/stdout
//   - remote: MCP streamable HTTP and SSE client sessions
//
// # Registry
//
//	reg := backend.NewRegistry()
//	reg.RegisterDialer(config.TransportStdio, stdio.Dialer(stdio.Options{}))
//	t, err := reg.Dial(desc, backend.Conn{Stdin: w, Stdout: r})
//
// # Aggregator
//
//	agg := backend.NewAggregator(source, backend.NewCatalog())
//	tools := agg.ListAllTools(ctx)
//	result, _ := agg.Execute(ctx, "time:get_current_time", args)
package backend
