// Package metrics exposes Prometheus collectors for the proxy.
//
// Collectors are registered on a caller-supplied registerer so several
// proxies, or tests, can run in one process. All Metrics methods accept a
// nil receiver and do nothing, which lets components treat metrics as
// optional.
package metrics
