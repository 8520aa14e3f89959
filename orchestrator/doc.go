// Package orchestrator wires backend descriptors into running, routable
// services.
//
// For each descriptor it creates a supervisor. When an incarnation passes
// its readiness probe, stdio backends get an HTTP bridge on the
// incarnation's reserved port, and the endpoint is registered with the new
// generation. Supervisor events drive registry health: a crash marks the
// service unhealthy, a scheduled restart marks it starting and a stop or
// an exhausted restart budget marks it stopped. The router follows the
// registry, so requests are only forwarded to healthy endpoints.
//
// A health monitor lists tools on every running backend at a fixed
// interval and reports the results to the registry, which applies the
// failure threshold.
package orchestrator
