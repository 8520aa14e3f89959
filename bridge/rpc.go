package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/channel"
	"github.com/sourcegraph/jsonrpc2"
	"golang.org/x/sync/errgroup"
)

// JSON-RPC error codes the bridge emits for transport failures.
const (
	CodeTimeout            int64 = -32001
	CodeBackendUnavailable int64 = -32002
)

// Relay outcomes, used as metric labels.
const (
	outcomeOK           = "ok"
	outcomeNotification = "notification"
	outcomeUpstream     = "upstream_error"
	outcomeTimeout      = "timeout"
	outcomeUnavailable  = "unavailable"
	outcomeInvalid      = "invalid"
)

// reply is the outcome of relaying one message. resp is nil for
// notifications.
type reply struct {
	status int
	resp   *jsonrpc2.Response
}

func (e *Endpoint) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.opts.MaxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusRequestEntityTooLarge, jsonrpc2.ID{}, jsonrpc2.CodeInvalidRequest, "request body too large")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		e.relayBatch(r.Context(), w, body)
		return
	}

	rep := e.relay(r.Context(), body)
	if rep.resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, rep.status, rep.resp)
}

func (e *Endpoint) relayBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var msgs []json.RawMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc2.ID{}, jsonrpc2.CodeParseError, "parse error: "+err.Error())
		return
	}
	if len(msgs) == 0 {
		writeRPCError(w, http.StatusBadRequest, jsonrpc2.ID{}, jsonrpc2.CodeInvalidRequest, "empty batch")
		return
	}

	replies := make([]reply, len(msgs))
	var g errgroup.Group
	for i, msg := range msgs {
		g.Go(func() error {
			replies[i] = e.relay(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*jsonrpc2.Response, 0, len(replies))
	for _, rep := range replies {
		if rep.resp != nil {
			out = append(out, rep.resp)
		}
	}
	if len(out) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// relay forwards one JSON-RPC message to the backend.
func (e *Endpoint) relay(ctx context.Context, msg []byte) reply {
	var req jsonrpc2.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		e.opts.Metrics.RecordBridgeCall(e.Name(), outcomeInvalid)
		return errorReply(http.StatusBadRequest, jsonrpc2.ID{}, jsonrpc2.CodeParseError, "parse error: "+err.Error(), nil)
	}
	if req.Method == "" {
		e.opts.Metrics.RecordBridgeCall(e.Name(), outcomeInvalid)
		return errorReply(http.StatusBadRequest, req.ID, jsonrpc2.CodeInvalidRequest, "missing method", nil)
	}
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}

	if req.Notif {
		if err := e.transport.Notify(ctx, req.Method, params); err != nil {
			e.logWarn("relay notification failed", "backend", e.Name(), "method", req.Method, "error", err)
		}
		e.opts.Metrics.RecordBridgeCall(e.Name(), outcomeNotification)
		return reply{status: http.StatusAccepted}
	}

	result, err := e.transport.Call(ctx, req.Method, params)
	if err != nil {
		rep, outcome := e.failure(req, err)
		e.opts.Metrics.RecordBridgeCall(e.Name(), outcome)
		return rep
	}
	e.opts.Metrics.RecordBridgeCall(e.Name(), outcomeOK)
	return reply{
		status: http.StatusOK,
		resp:   &jsonrpc2.Response{ID: req.ID, Result: &result},
	}
}

// failure maps a relay error to a status code and JSON-RPC error.
func (e *Endpoint) failure(req jsonrpc2.Request, err error) (reply, string) {
	var upstream *backend.UpstreamError
	switch {
	case errors.As(err, &upstream):
		return errorReply(http.StatusOK, req.ID, upstream.Code, upstream.Message, upstream.Data), outcomeUpstream
	case errors.Is(err, backend.ErrToolNotFound):
		return errorReply(http.StatusOK, req.ID, jsonrpc2.CodeInvalidParams, err.Error(), nil), outcomeUpstream
	case errors.Is(err, channel.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		e.logWarn("backend call timed out", "backend", e.Name(), "method", req.Method)
		return errorReply(http.StatusGatewayTimeout, req.ID, CodeTimeout, err.Error(), nil), outcomeTimeout
	default:
		e.logWarn("backend call failed", "backend", e.Name(), "method", req.Method, "error", err)
		return errorReply(http.StatusBadGateway, req.ID, CodeBackendUnavailable, err.Error(), nil), outcomeUnavailable
	}
}

func errorReply(status int, id jsonrpc2.ID, code int64, message string, data json.RawMessage) reply {
	rpcErr := &jsonrpc2.Error{Code: code, Message: message}
	if len(data) > 0 {
		d := append(json.RawMessage(nil), data...)
		rpcErr.Data = &d
	}
	return reply{status: status, resp: &jsonrpc2.Response{ID: id, Error: rpcErr}}
}

func writeRPCError(w http.ResponseWriter, status int, id jsonrpc2.ID, code int64, message string) {
	rep := errorReply(status, id, code, message, nil)
	writeJSON(w, rep.status, rep.resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
