package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

// ForwardedPrefixHeader carries the path prefix the router stripped, so
// the endpoint event points back through the router.
const ForwardedPrefixHeader = "X-Forwarded-Prefix"

// session is one open SSE stream.
type session struct {
	id     string
	events chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(s.cancel)
}

// push queues a message, waiting while the session is open.
func (s *session) push(data []byte) bool {
	select {
	case s.events <- data:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// offer queues a message without waiting.
func (s *session) offer(data []byte) bool {
	select {
	case s.events <- data:
		return true
	default:
		return false
	}
}

func (e *Endpoint) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	select {
	case <-e.closing:
		http.Error(w, "bridge closing", http.StatusServiceUnavailable)
		return
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     uuid.NewString(),
		events: make(chan []byte, e.opts.SessionBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
	e.opts.Metrics.SSEOpened(e.Name())
	defer func() {
		s.close()
		e.mu.Lock()
		delete(e.sessions, s.id)
		e.mu.Unlock()
		e.opts.Metrics.SSEClosed(e.Name())
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := r.Header.Get(ForwardedPrefixHeader) + "/message?sessionId=" + s.id
	_, _ = fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	ticker := time.NewTicker(e.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case data := <-s.events:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case <-e.closing:
			return
		}
	}
}

func (e *Endpoint) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.opts.MaxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		writeRPCError(w, http.StatusBadRequest, jsonrpc2.ID{}, jsonrpc2.CodeParseError, "parse error")
		return
	}
	w.WriteHeader(http.StatusAccepted)

	// The response outlives the POST; it belongs to the session.
	go e.deliver(s, body)
}

func (e *Endpoint) deliver(s *session, body []byte) {
	var payload any
	if body[0] == '[' {
		var msgs []json.RawMessage
		if err := json.Unmarshal(body, &msgs); err != nil {
			return
		}
		out := make([]*jsonrpc2.Response, 0, len(msgs))
		for _, msg := range msgs {
			if rep := e.relay(s.ctx, msg); rep.resp != nil {
				out = append(out, rep.resp)
			}
		}
		if len(out) == 0 {
			return
		}
		payload = out
	} else {
		rep := e.relay(s.ctx, body)
		if rep.resp == nil {
			return
		}
		payload = rep.resp
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.logWarn("encode sse response failed", "backend", e.Name(), "error", err)
		return
	}
	s.push(data)
}

type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// broadcast fans a backend notification out to every SSE session. Slow
// sessions miss notifications rather than stall the backend reader.
func (e *Endpoint) broadcast(method string, params json.RawMessage) {
	data, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return
	}
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		if !s.offer(data) {
			e.logWarn("dropping notification for slow sse session", "backend", e.Name(), "session", s.id, "method", method)
		}
	}
}

// Sessions returns the number of open SSE sessions.
func (e *Endpoint) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
