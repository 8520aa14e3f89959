package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

// Logger is the optional logging interface used by the channel.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NotificationHandler receives peer notifications in arrival order.
// Handlers run on the read loop and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// Options configures a Channel.
type Options struct {
	// Name identifies the peer in log messages.
	Name string

	// Timeout is the per-call deadline used when the caller's context has
	// none or a later one. Default: 30s.
	Timeout time.Duration

	// MaxMessageSize bounds a single inbound line. Default: 16 MiB.
	MaxMessageSize int

	// WriteQueue is the number of outbound frames that may wait for the
	// writer. Default: 64.
	WriteQueue int

	// Logger is optional.
	Logger Logger
}

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxMessageSize = 16 << 20
	defaultWriteQueue     = 64
)

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.WriteQueue <= 0 {
		o.WriteQueue = defaultWriteQueue
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
}

// Channel is a line-framed JSON-RPC 2.0 connection to a single peer.
// It is safe for concurrent use.
type Channel struct {
	opts Options
	r    io.ReadCloser
	w    io.WriteCloser

	pending  sync.Map // map[string]*Call
	inflight atomic.Int64

	writes chan *frame
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	errMu sync.Mutex
	err   error

	handlerMu sync.RWMutex
	handlers  []NotificationHandler
}

type frame struct {
	data   []byte
	result chan error
}

// wireMessage is the union of request, notification and response shapes.
type wireMessage struct {
	ID     *jsonrpc2.ID    `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc2.Error `json:"error"`
}

// New starts a channel reading frames from r and writing frames to w.
// Close closes both.
func New(r io.ReadCloser, w io.WriteCloser, opts Options) *Channel {
	opts.applyDefaults()
	c := &Channel{
		opts:   opts,
		r:      r,
		w:      w,
		writes: make(chan *frame, opts.WriteQueue),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Call sends a request and waits for its response.
//
// The call fails with ErrTimeout when its deadline passes, ErrChannelClosed
// or ErrProtocol when the channel fails, and *RPCError when the peer answers
// with an error payload.
func (c *Channel) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	call, err := c.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	select {
	case <-call.done:
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s: %w", ErrTimeout, method, err)
		}
		c.complete(call.ID, nil, err)
		<-call.done
	}
	return call.result, call.err
}

// Send writes a request and returns its pending call without waiting for
// the response.
func (c *Channel) Send(ctx context.Context, method string, params any) (*Call, error) {
	if c.closed.Load() {
		return nil, c.Err()
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	req := &jsonrpc2.Request{Method: method, ID: jsonrpc2.ID{Str: id, IsString: true}}
	if raw != nil {
		req.Params = &raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	timeout := c.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	call := &Call{ID: id, Method: method, done: make(chan struct{})}
	c.pending.Store(id, call)
	c.inflight.Add(1)
	call.timer.Store(time.AfterFunc(timeout, func() {
		c.complete(id, nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout))
	}))

	if err := c.write(ctx, data); err != nil {
		c.complete(id, nil, err)
		return nil, err
	}
	return call, nil
}

// Notify sends a notification. No response is expected.
func (c *Channel) Notify(ctx context.Context, method string, params any) error {
	if c.closed.Load() {
		return c.Err()
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	req := &jsonrpc2.Request{Method: method, Notif: true}
	if raw != nil {
		req.Params = &raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", method, err)
	}
	return c.write(ctx, data)
}

// OnNotification registers h for peer notifications.
func (c *Channel) OnNotification(h NotificationHandler) {
	if h == nil {
		return
	}
	c.handlerMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlerMu.Unlock()
}

// Timeout returns the default per-call deadline.
func (c *Channel) Timeout() time.Duration {
	return c.opts.Timeout
}

// Pending returns the number of calls awaiting a response.
func (c *Channel) Pending() int {
	return int(c.inflight.Load())
}

// Done is closed when the channel has failed or been closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the channel closed, or nil while it is open.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the channel. Pending calls fail with ErrChannelClosed.
func (c *Channel) Close() error {
	c.fail(ErrChannelClosed)
	return nil
}

func (c *Channel) write(ctx context.Context, data []byte) error {
	f := &frame{data: data, result: make(chan error, 1)}
	select {
	case c.writes <- f:
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-f.result:
		return err
	case <-c.done:
		return c.Err()
	}
}

func (c *Channel) writeLoop() {
	bw := bufio.NewWriter(c.w)
	for {
		select {
		case <-c.done:
			return
		case f := <-c.writes:
			_, err := bw.Write(f.data)
			if err == nil {
				err = bw.WriteByte('\n')
			}
			if err == nil {
				err = bw.Flush()
			}
			if err != nil {
				err = fmt.Errorf("%w: write: %v", ErrChannelClosed, err)
				f.result <- err
				c.fail(err)
				return
			}
			f.result <- nil
		}
	}
}

func (c *Channel) readLoop() {
	sc := bufio.NewScanner(c.r)
	sc.Buffer(make([]byte, 0, 64*1024), c.opts.MaxMessageSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := c.dispatch(line); err != nil {
			c.opts.Logger.Error("channel protocol error", "peer", c.opts.Name, "error", err)
			c.fail(err)
			return
		}
	}
	err := sc.Err()
	switch {
	case c.closed.Load():
	case errors.Is(err, bufio.ErrTooLong):
		c.fail(fmt.Errorf("%w: message exceeds %d bytes", ErrProtocol, c.opts.MaxMessageSize))
	case err != nil:
		c.fail(fmt.Errorf("%w: read: %v", ErrChannelClosed, err))
	default:
		c.fail(ErrChannelClosed)
	}
}

func (c *Channel) dispatch(line []byte) error {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch {
	case msg.Method != "" && msg.ID != nil:
		c.rejectRequest(*msg.ID, msg.Method)
	case msg.Method != "":
		c.deliver(msg.Method, msg.Params)
	case msg.ID != nil:
		c.resolve(msg)
	case msg.Error != nil:
		c.opts.Logger.Warn("peer reported error without id", "peer", c.opts.Name, "code", msg.Error.Code, "message", msg.Error.Message)
	default:
		return fmt.Errorf("%w: message has neither method nor id", ErrProtocol)
	}
	return nil
}

func (c *Channel) resolve(msg wireMessage) {
	id := idKey(*msg.ID)
	if msg.Error != nil {
		if !c.complete(id, nil, rpcErrorFromWire(msg.Error)) {
			c.opts.Logger.Warn("dropping response for unknown id", "peer", c.opts.Name, "id", id)
		}
		return
	}
	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if !c.complete(id, result, nil) {
		c.opts.Logger.Warn("dropping response for unknown id", "peer", c.opts.Name, "id", id)
	}
}

func (c *Channel) deliver(method string, params json.RawMessage) {
	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(method, params)
	}
}

// rejectRequest answers peer-initiated requests; the proxy serves none.
func (c *Channel) rejectRequest(id jsonrpc2.ID, method string) {
	resp := &jsonrpc2.Response{
		ID:    id,
		Error: &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + method},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	go func() {
		if err := c.write(context.Background(), data); err != nil {
			c.opts.Logger.Warn("reply to peer request failed", "peer", c.opts.Name, "method", method, "error", err)
		}
	}()
}

// complete resolves the pending call with id exactly once. It reports
// whether a pending call was found.
func (c *Channel) complete(id string, result json.RawMessage, err error) bool {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	c.inflight.Add(-1)
	v.(*Call).finish(result, err)
	return true
}

func (c *Channel) fail(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.closed.Store(true)
		close(c.done)
		_ = c.w.Close()
		_ = c.r.Close()
	})
	final := c.Err()
	c.pending.Range(func(key, _ any) bool {
		c.complete(key.(string), nil, final)
		return true
	})
}

func idKey(id jsonrpc2.ID) string {
	if id.IsString {
		return id.Str
	}
	return strconv.FormatUint(id.Num, 10)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: params are not valid JSON", ErrProtocol)
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		return raw, nil
	}
}

// Call is an in-flight request.
type Call struct {
	ID     string
	Method string

	done   chan struct{}
	timer  atomic.Pointer[time.Timer]
	result json.RawMessage
	err    error
}

// Done is closed once the call has a result or an error.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result blocks until the call completes.
func (c *Call) Result() (json.RawMessage, error) {
	<-c.done
	return c.result, c.err
}

func (c *Call) finish(result json.RawMessage, err error) {
	if t := c.timer.Load(); t != nil {
		t.Stop()
	}
	c.result = result
	c.err = err
	close(c.done)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
