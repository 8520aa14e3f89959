package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/bridge"
	"github.com/jonwraymond/toolproxy/metrics"
	"github.com/jonwraymond/toolproxy/registry"
)

// Routing errors.
var (
	ErrNoRoute     = errors.New("no route")
	ErrUnavailable = errors.New("service unavailable")
	ErrNoRegistry  = errors.New("router: registry is required")
)

// Logger is the optional logging interface used by the router.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Router.
type Options struct {
	// Registry is the source of routes. Required.
	Registry *registry.Registry

	// Aggregator serves /proxy/tools and /proxy/call. Optional.
	Aggregator *backend.Aggregator

	// Metrics is optional; when set /metrics is served.
	Metrics *metrics.Metrics

	// Logger is optional.
	Logger Logger

	// ForwardTimeout bounds a forwarded request. SSE streams are exempt.
	// Default: 60s.
	ForwardTimeout time.Duration

	// Transport performs forwarded requests. Default: http.DefaultTransport.
	Transport http.RoundTripper
}

// Target is the resolved destination of a request.
type Target struct {
	Service    string
	Prefix     string
	Remainder  string
	Generation uint64
	URL        *url.URL
}

type route struct {
	prefix   string
	endpoint registry.Endpoint
}

// table is ordered by descending prefix length.
type table struct {
	routes []route
}

// Router forwards requests to backend endpoints by path.
type Router struct {
	opts  Options
	proxy *httputil.ReverseProxy
	mux   *http.ServeMux

	table       atomic.Pointer[table]
	rebuildMu   sync.Mutex
	unsubscribe func()
}

// New creates a router and subscribes it to the registry.
func New(opts Options) (*Router, error) {
	if opts.Registry == nil {
		return nil, ErrNoRegistry
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 60 * time.Second
	}
	r := &Router{opts: opts}
	r.proxy = &httputil.ReverseProxy{
		Rewrite:       r.rewrite,
		FlushInterval: -1,
		Transport:     opts.Transport,
		ErrorHandler:  r.proxyError,
	}

	r.mux = http.NewServeMux()
	r.mux.HandleFunc("GET /proxy/status", r.handleStatus)
	r.mux.HandleFunc("GET /proxy/tools", r.handleTools)
	r.mux.HandleFunc("POST /proxy/call", r.handleCall)
	if opts.Metrics != nil {
		r.mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	r.mux.HandleFunc("/", r.forward)

	r.unsubscribe = opts.Registry.Subscribe(func(registry.Event) { r.rebuild() })
	r.rebuild()
	return r, nil
}

// Close stops following registry changes.
func (r *Router) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// rebuild replaces the route table with one derived from the current
// registry snapshot.
func (r *Router) rebuild() {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	snap := r.opts.Registry.Snapshot()
	t := &table{routes: make([]route, 0, 2*len(snap))}
	for _, ep := range snap {
		t.routes = append(t.routes,
			route{prefix: "/" + ep.Name, endpoint: ep},
			route{prefix: "/mcp/" + ep.Name, endpoint: ep},
		)
	}
	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].prefix) > len(t.routes[j].prefix)
	})
	r.table.Store(t)
}

// Routes returns the current prefixes, longest first.
func (r *Router) Routes() []string {
	t := r.table.Load()
	out := make([]string, len(t.routes))
	for i, rt := range t.routes {
		out[i] = rt.prefix
	}
	return out
}

// Resolve matches path against the route table. It returns ErrNoRoute
// when nothing matches and ErrUnavailable when the matched service is not
// healthy.
func (r *Router) Resolve(path string) (Target, error) {
	for _, rt := range r.table.Load().routes {
		if path != rt.prefix && !strings.HasPrefix(path, rt.prefix+"/") {
			continue
		}
		ep := rt.endpoint
		if !ep.Routable() {
			return Target{Service: ep.Name, Prefix: rt.prefix}, fmt.Errorf("%w: %s is %s", ErrUnavailable, ep.Name, ep.Health)
		}
		rest := strings.TrimPrefix(path, rt.prefix)
		if rest == "" {
			rest = "/"
		}
		return Target{
			Service:    ep.Name,
			Prefix:     rt.prefix,
			Remainder:  rest,
			Generation: ep.Generation,
			URL:        &url.URL{Scheme: "http", Host: ep.Address()},
		}, nil
	}
	return Target{}, fmt.Errorf("%w: %s", ErrNoRoute, path)
}

type targetKey struct{}

func (r *Router) forward(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	target, err := r.Resolve(req.URL.Path)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, ErrUnavailable) {
			status = http.StatusServiceUnavailable
			sw.Header().Set("Retry-After", "1")
		}
		writeError(sw, status, err.Error())
		r.opts.Metrics.ObserveRequest(target.Service, status, time.Since(start))
		return
	}

	ctx := context.WithValue(req.Context(), targetKey{}, target)
	if !isStream(req, target) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ForwardTimeout)
		defer cancel()
	}
	r.proxy.ServeHTTP(sw, req.WithContext(ctx))
	r.opts.Metrics.ObserveRequest(target.Service, sw.status, time.Since(start))
}

func (r *Router) rewrite(pr *httputil.ProxyRequest) {
	target := pr.In.Context().Value(targetKey{}).(Target)
	pr.Out.URL.Path = target.Remainder
	pr.Out.URL.RawPath = rawRemainder(pr.In.URL, target)
	pr.SetURL(target.URL)
	pr.SetXForwarded()
	pr.Out.Header.Set(bridge.ForwardedPrefixHeader, target.Prefix)
}

// rawRemainder returns the escaped form of the remainder as the client sent
// it, so escapes such as %2F reach the backend unchanged. It returns "" when
// the default encoding of the remainder already matches.
func rawRemainder(in *url.URL, target Target) string {
	rest, ok := strings.CutPrefix(in.EscapedPath(), target.Prefix)
	if !ok {
		return ""
	}
	if rest == "" {
		rest = "/"
	}
	if p, err := url.PathUnescape(rest); err != nil || p != target.Remainder {
		return ""
	}
	if rest == (&url.URL{Path: target.Remainder}).EscapedPath() {
		return ""
	}
	return rest
}

func (r *Router) proxyError(w http.ResponseWriter, req *http.Request, err error) {
	target, _ := req.Context().Value(targetKey{}).(Target)
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(req.Context().Err(), context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	if r.opts.Logger != nil {
		r.opts.Logger.Warn("forward failed", "service", target.Service, "generation", target.Generation, "path", req.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, fmt.Sprintf("backend %s: %v", target.Service, err))
}

// isStream reports whether the request opens a long-lived SSE stream.
func isStream(req *http.Request, target Target) bool {
	if strings.Contains(req.Header.Get("Accept"), "text/event-stream") && req.Method == http.MethodGet {
		return true
	}
	return req.Method == http.MethodGet && strings.HasSuffix(target.Remainder, "/sse")
}

// statusWriter records the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
