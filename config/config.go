package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"time"
)

// Validation errors.
var (
	ErrInvalidConfig    = errors.New("invalid config")
	ErrInvalidTransport = errors.New("invalid transport")
	ErrDuplicateBackend = errors.New("duplicate backend name")
)

// TransportKind selects how the proxy talks to a backend.
type TransportKind string

const (
	// TransportStdio exchanges line-delimited JSON-RPC over the child's stdin/stdout.
	TransportStdio TransportKind = "stdio"
	// TransportHTTP speaks MCP streamable HTTP to the backend's URL.
	TransportHTTP TransportKind = "http"
	// TransportSSE speaks the legacy MCP SSE transport to the backend's URL.
	TransportSSE TransportKind = "sse"
)

// Valid reports whether k is a known transport kind.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportStdio, TransportHTTP, TransportSSE:
		return true
	default:
		return false
	}
}

// Network reports whether k reaches the backend over the network.
func (k TransportKind) Network() bool {
	return k == TransportHTTP || k == TransportSSE
}

// Defaults applied by ApplyDefaults.
const (
	DefaultTimeoutMs        = 30000
	DefaultRestartBackoffMs = 1000
	DefaultMaxRestarts      = 3
	DefaultListen           = ":8080"
	DefaultHost             = "127.0.0.1"
	DefaultPortMin          = 49152
	DefaultPortMax          = 65535
	DefaultHealthIntervalMs = 10000
	DefaultFailureThreshold = 3
	DefaultForwardTimeoutMs = 60000
	DefaultGracePeriodMs    = 5000
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// reservedNames would shadow the router's own endpoints.
var reservedNames = map[string]struct{}{"proxy": {}, "metrics": {}}

// Backend is the launch descriptor for one external backend.
type Backend struct {
	// Name is unique across the proxy and becomes the route prefix.
	Name string `yaml:"name" json:"name" mapstructure:"name"`

	// Command is the executable to launch. Empty is allowed for http/sse
	// backends managed outside the proxy.
	Command string `yaml:"command,omitempty" json:"command,omitempty" mapstructure:"command"`

	// Args are passed to Command verbatim.
	Args []string `yaml:"args,omitempty" json:"args,omitempty" mapstructure:"args"`

	// Env is added to the proxy's own environment for the child.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty" mapstructure:"env"`

	// WorkDir is the child's working directory.
	WorkDir string `yaml:"work_dir,omitempty" json:"work_dir,omitempty" mapstructure:"work_dir"`

	// Transport defaults to stdio.
	Transport TransportKind `yaml:"transport,omitempty" json:"transport,omitempty" mapstructure:"transport"`

	// URL is the backend's MCP endpoint for http/sse transports.
	URL string `yaml:"url,omitempty" json:"url,omitempty" mapstructure:"url"`

	// Port is a preferred bridge port for stdio backends.
	Port int `yaml:"port,omitempty" json:"port,omitempty" mapstructure:"port"`

	// TimeoutMs bounds the readiness probe and each backend call.
	TimeoutMs int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty" mapstructure:"timeout_ms"`

	// MaxRestarts defaults to DefaultMaxRestarts when AutoRestart is set.
	AutoRestart      bool `yaml:"auto_restart,omitempty" json:"auto_restart,omitempty" mapstructure:"auto_restart"`
	MaxRestarts      int  `yaml:"max_restarts,omitempty" json:"max_restarts,omitempty" mapstructure:"max_restarts"`
	RestartBackoffMs int  `yaml:"restart_backoff_ms,omitempty" json:"restart_backoff_ms,omitempty" mapstructure:"restart_backoff_ms"`

	// Disabled backends are loaded but never started.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty" mapstructure:"disabled"`
}

// ApplyDefaults fills zero values.
func (b *Backend) ApplyDefaults() {
	if b.Transport == "" {
		b.Transport = TransportStdio
	}
	if b.TimeoutMs <= 0 {
		b.TimeoutMs = DefaultTimeoutMs
	}
	if b.RestartBackoffMs <= 0 {
		b.RestartBackoffMs = DefaultRestartBackoffMs
	}
	switch {
	case b.MaxRestarts < 0:
		b.MaxRestarts = 0
	case b.MaxRestarts == 0 && b.AutoRestart:
		b.MaxRestarts = DefaultMaxRestarts
	}
}

// Validate checks the descriptor for consistency.
func (b Backend) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: backend name is required", ErrInvalidConfig)
	}
	if !namePattern.MatchString(b.Name) {
		return fmt.Errorf("%w: backend name %q must match %s", ErrInvalidConfig, b.Name, namePattern)
	}
	if _, reserved := reservedNames[b.Name]; reserved {
		return fmt.Errorf("%w: backend name %q is reserved", ErrInvalidConfig, b.Name)
	}
	kind := b.Transport
	if kind == "" {
		kind = TransportStdio
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %s: %q", ErrInvalidTransport, b.Name, b.Transport)
	}
	if kind == TransportStdio && b.Command == "" {
		return fmt.Errorf("%w: %s: stdio backend requires a command", ErrInvalidConfig, b.Name)
	}
	if kind.Network() {
		if b.URL == "" {
			return fmt.Errorf("%w: %s: %s backend requires a url", ErrInvalidConfig, b.Name, kind)
		}
		if _, _, err := b.Endpoint(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, b.Name, err)
		}
	}
	if b.Port < 0 || b.Port > 65535 {
		return fmt.Errorf("%w: %s: port %d out of range", ErrInvalidConfig, b.Name, b.Port)
	}
	if b.MaxRestarts < 0 {
		return fmt.Errorf("%w: %s: max_restarts must be >= 0", ErrInvalidConfig, b.Name)
	}
	return nil
}

// Managed reports whether the proxy launches the backend process itself.
func (b Backend) Managed() bool {
	return b.Command != ""
}

// Endpoint returns host and port from URL for network transports.
func (b Backend) Endpoint() (string, int, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return "", 0, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", 0, fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Hostname()
		portStr = "80"
		if u.Scheme == "https" {
			portStr = "443"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("url port: %w", err)
	}
	return host, port, nil
}

// Timeout returns TimeoutMs as a duration.
func (b Backend) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// RestartBackoff returns RestartBackoffMs as a duration.
func (b Backend) RestartBackoff() time.Duration {
	return time.Duration(b.RestartBackoffMs) * time.Millisecond
}

// Equal reports whether two descriptors describe the same launch.
func (b Backend) Equal(other Backend) bool {
	return reflect.DeepEqual(b, other)
}

// PortRange bounds the ports the allocator scans.
type PortRange struct {
	Min int `yaml:"min" json:"min" mapstructure:"min"`
	Max int `yaml:"max" json:"max" mapstructure:"max"`
}

// Config holds proxy-wide settings and the backend descriptors.
type Config struct {
	// Listen is the router's listen address.
	Listen string `yaml:"listen" json:"listen" mapstructure:"listen"`

	// Host is the interface bridge endpoints bind to.
	Host string `yaml:"host" json:"host" mapstructure:"host"`

	// Ports bounds allocator scans.
	Ports PortRange `yaml:"ports" json:"ports" mapstructure:"ports"`

	// HealthIntervalMs is the period of the listTools health probe.
	HealthIntervalMs int `yaml:"health_interval_ms" json:"health_interval_ms" mapstructure:"health_interval_ms"`

	// FailureThreshold is the number of consecutive missed probes before a
	// backend is marked unhealthy.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" mapstructure:"failure_threshold"`

	// ForwardTimeoutMs bounds a single non-streaming forwarded request.
	ForwardTimeoutMs int `yaml:"forward_timeout_ms" json:"forward_timeout_ms" mapstructure:"forward_timeout_ms"`

	// GracePeriodMs is how long a stopping child gets before it is killed.
	GracePeriodMs int `yaml:"grace_period_ms" json:"grace_period_ms" mapstructure:"grace_period_ms"`

	Backends []Backend `yaml:"backends" json:"backends" mapstructure:"backends"`
}

// ApplyDefaults fills zero values on the config and every backend.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Ports.Min == 0 && c.Ports.Max == 0 {
		c.Ports = PortRange{Min: DefaultPortMin, Max: DefaultPortMax}
	}
	if c.HealthIntervalMs <= 0 {
		c.HealthIntervalMs = DefaultHealthIntervalMs
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ForwardTimeoutMs <= 0 {
		c.ForwardTimeoutMs = DefaultForwardTimeoutMs
	}
	if c.GracePeriodMs <= 0 {
		c.GracePeriodMs = DefaultGracePeriodMs
	}
	for i := range c.Backends {
		c.Backends[i].ApplyDefaults()
	}
}

// Validate checks settings and every backend, rejecting duplicate names.
func (c Config) Validate() error {
	if c.Ports.Min <= 0 || c.Ports.Max > 65535 || c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("%w: port range %d-%d", ErrInvalidConfig, c.Ports.Min, c.Ports.Max)
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if err := b.Validate(); err != nil {
			return err
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateBackend, b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

// HealthInterval returns HealthIntervalMs as a duration.
func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMs) * time.Millisecond
}

// ForwardTimeout returns ForwardTimeoutMs as a duration.
func (c Config) ForwardTimeout() time.Duration {
	return time.Duration(c.ForwardTimeoutMs) * time.Millisecond
}

// GracePeriod returns GracePeriodMs as a duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

// Backend returns the descriptor with the given name.
func (c Config) Backend(name string) (Backend, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return Backend{}, false
}
