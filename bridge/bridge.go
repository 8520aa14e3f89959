package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/metrics"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Logger is the optional logging interface used by the bridge.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures an Endpoint.
type Options struct {
	// Logger is optional.
	Logger Logger

	// Metrics is optional.
	Metrics *metrics.Metrics

	// KeepAlive is the interval between SSE keep-alive comments.
	// Default: 15s.
	KeepAlive time.Duration

	// MaxBodyBytes bounds inbound request bodies. Default: 16 MiB.
	MaxBodyBytes int64

	// SessionBuffer is the number of undelivered events an SSE session
	// holds before notifications are dropped. Default: 64.
	SessionBuffer int

	// ShutdownTimeout bounds Close. Default: 2s.
	ShutdownTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.KeepAlive <= 0 {
		o.KeepAlive = 15 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 16 << 20
	}
	if o.SessionBuffer <= 0 {
		o.SessionBuffer = 64
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 2 * time.Second
	}
}

// Endpoint serves one backend transport over HTTP.
type Endpoint struct {
	transport backend.Transport
	opts      Options
	handler   http.Handler

	mu       sync.Mutex
	sessions map[string]*session
	srv      *http.Server
	ln       net.Listener

	closing   chan struct{}
	closeOnce sync.Once

	toolsMu sync.Mutex
	server  *mcp.Server
	served  map[string]struct{}
}

// New creates an endpoint for t. It does not listen until Listen.
func New(t backend.Transport, opts Options) *Endpoint {
	opts.applyDefaults()
	e := &Endpoint{
		transport: t,
		opts:      opts,
		sessions:  make(map[string]*session),
		closing:   make(chan struct{}),
		served:    make(map[string]struct{}),
	}
	e.server = mcp.NewServer(&mcp.Implementation{Name: t.Name(), Version: "proxy"}, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", e.handleRPC)
	mux.HandleFunc("GET /sse", e.handleSSE)
	mux.HandleFunc("POST /message", e.handleMessage)
	mux.Handle("/stream", mcp.NewStreamableHTTPHandler(e.mcpServer, nil))
	mux.HandleFunc("GET /healthz", e.handleHealth)
	e.handler = mux

	t.OnNotification(e.broadcast)
	return e
}

// Name returns the backend name.
func (e *Endpoint) Name() string { return e.transport.Name() }

// Handler returns the endpoint's HTTP handler.
func (e *Endpoint) Handler() http.Handler { return e.handler }

// Listen binds host:port and serves in the background.
func (e *Endpoint) Listen(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("bridge %s: listen: %w", e.Name(), err)
	}
	srv := &http.Server{
		Handler:           e.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	e.mu.Lock()
	e.srv, e.ln = srv, ln
	e.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logError("bridge serve failed", "backend", e.Name(), "error", err)
		}
	}()
	e.logInfo("bridge listening", "backend", e.Name(), "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

// Close ends every SSE session and shuts the listener down. The port is
// unbound when Close returns.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closing)
		e.mu.Lock()
		sessions := make([]*session, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		srv := e.srv
		e.mu.Unlock()

		for _, s := range sessions {
			s.close()
		}
		if srv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = srv.Close()
		}
	})
	return err
}

func (e *Endpoint) handleHealth(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-e.transport.Done():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "closed", "backend": e.Name()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": e.Name()})
	}
}

func (e *Endpoint) logInfo(msg string, args ...any) {
	if e.opts.Logger != nil {
		e.opts.Logger.Info(msg, args...)
	}
}

func (e *Endpoint) logWarn(msg string, args ...any) {
	if e.opts.Logger != nil {
		e.opts.Logger.Warn(msg, args...)
	}
}

func (e *Endpoint) logError(msg string, args ...any) {
	if e.opts.Logger != nil {
		e.opts.Logger.Error(msg, args...)
	}
}
