package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/channel"
	"github.com/jonwraymond/toolproxy/registry"
)

// ServiceStatus is one entry of the /proxy/status response.
type ServiceStatus struct {
	registry.Endpoint
	Routes []string `json:"routes"`
}

// Status is the /proxy/status response body.
type Status struct {
	Services []ServiceStatus `json:"services"`
	Time     time.Time       `json:"time"`
}

func (r *Router) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := r.opts.Registry.Snapshot()
	out := Status{Services: make([]ServiceStatus, 0, len(snap)), Time: time.Now().UTC()}
	for _, ep := range snap {
		out.Services = append(out.Services, ServiceStatus{
			Endpoint: ep,
			Routes:   []string{"/" + ep.Name, "/mcp/" + ep.Name},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ToolInfo is one entry of the /proxy/tools response.
type ToolInfo struct {
	ID          string   `json:"id"`
	Service     string   `json:"service"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	InputSchema any      `json:"inputSchema,omitempty"`
}

func toolInfo(t model.Tool) ToolInfo {
	return ToolInfo{
		ID:          backend.FormatToolID(t.Namespace, t.Name),
		Service:     t.Namespace,
		Name:        t.Name,
		Description: t.Description,
		Tags:        t.Tags,
		InputSchema: t.InputSchema,
	}
}

func (r *Router) handleTools(w http.ResponseWriter, req *http.Request) {
	if r.opts.Aggregator == nil {
		writeError(w, http.StatusNotFound, "tool aggregation is not enabled")
		return
	}
	q := req.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	query := q.Get("q")
	if query == "" {
		tools := r.opts.Aggregator.ListAllTools(req.Context())
		out := make([]ToolInfo, 0, len(tools))
		for _, t := range tools {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, toolInfo(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tools": out})
		return
	}

	results, err := r.opts.Aggregator.Search(query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": results})
}

// CallRequest is the /proxy/call request body.
type CallRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (r *Router) handleCall(w http.ResponseWriter, req *http.Request) {
	if r.opts.Aggregator == nil {
		writeError(w, http.StatusNotFound, "tool aggregation is not enabled")
		return
	}
	var body CallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 16<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var args any = map[string]any{}
	if len(body.Arguments) > 0 {
		args = body.Arguments
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.opts.ForwardTimeout)
	defer cancel()

	result, err := r.opts.Aggregator.Execute(ctx, body.Tool, args)
	if err != nil {
		var upstream *backend.UpstreamError
		switch {
		case errors.As(err, &upstream):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": upstream.Message,
				"code":  upstream.Code,
				"data":  upstream.Data,
			})
		case errors.Is(err, backend.ErrInvalidToolID):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, backend.ErrBackendNotFound), errors.Is(err, backend.ErrToolNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, backend.ErrBackendUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, channel.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "status": status})
}
