// Package router is the single external listener in front of every
// backend.
//
// Each registered service owns two path prefixes, /<name> and
// /mcp/<name>. A request is matched against all prefixes on path segment
// boundaries and the longest match wins; the rest of the path is
// forwarded unchanged to the service's current endpoint.
//
// The route table is an immutable snapshot rebuilt from registry events
// and swapped in atomically, so lookups never wait on registry writes.
// Unknown paths get 404. A matched service that is not healthy gets 503,
// including one that is still starting after a restart. A backend that
// fails mid-forward gets 502 and the request is not retried; a forward
// that exceeds the router's timeout gets 504.
//
// The router also serves /proxy/status (registry snapshot), /proxy/tools
// and /proxy/call (tools aggregated across backends) and /metrics.
package router
