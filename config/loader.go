package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. TOOLPROXY_LISTEN.
const EnvPrefix = "TOOLPROXY"

// Loader reads a config file and optionally watches it for changes.
//
// viper locates the file, tracks changes and resolves environment overrides
// for top-level settings. Backend descriptors are decoded with yaml.v3 so
// env map keys keep their case.
type Loader struct {
	path string
	v    *viper.Viper

	mu      sync.Mutex
	watched bool
}

// NewLoader creates a loader for the file at path.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{path: path, v: v}
}

// Path returns the watched file path.
func (l *Loader) Path() string { return l.path }

// Load reads, defaults and validates the config.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.path, err)
	}
	l.applyEnv(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch calls fn with the freshly loaded config each time the file changes.
// Load errors are passed to fn so the caller can keep the previous config.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watched {
		return
	}
	l.watched = true
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.Load())
	})
	l.v.WatchConfig()
}

func (l *Loader) applyEnv(cfg *Config) {
	if s := l.v.GetString("listen"); s != "" {
		cfg.Listen = s
	}
	if s := l.v.GetString("host"); s != "" {
		cfg.Host = s
	}
	for key, dst := range map[string]*int{
		"health_interval_ms": &cfg.HealthIntervalMs,
		"failure_threshold":  &cfg.FailureThreshold,
		"forward_timeout_ms": &cfg.ForwardTimeoutMs,
		"grace_period_ms":    &cfg.GracePeriodMs,
		"ports.min":          &cfg.Ports.Min,
		"ports.max":          &cfg.Ports.Max,
	} {
		if l.v.IsSet(key) {
			if n := l.v.GetInt(key); n != 0 {
				*dst = n
			}
		}
	}
}

// Parse decodes YAML (or JSON) config bytes without applying defaults.
// Unknown fields are rejected.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}
