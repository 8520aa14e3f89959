// Package config defines backend descriptors and proxy settings.
//
// A [Backend] is the launch descriptor for one external tool server: how to
// spawn it, which transport it speaks, and how the supervisor should react
// when it exits. Descriptors are immutable once a backend is running; a
// changed descriptor is applied by a full stop/start cycle.
//
// Configuration files are YAML (JSON is accepted as a YAML subset):
//
//	listen: ":8080"
//	health_interval_ms: 10000
//	backends:
//	  - name: time
//	    command: uvx
//	    args: ["mcp-server-time"]
//	    transport: stdio
//	    auto_restart: true
//	    max_restarts: 3
//	    restart_backoff_ms: 1000
//
// [Loader] reads the file through viper, applies TOOLPROXY_* environment
// overrides for top-level settings, and can watch the file for changes.
package config
