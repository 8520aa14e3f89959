package toolserver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RegisterDemoTools adds echo, sleep and fail.
//
//   - echo returns its arguments unchanged.
//   - sleep waits args.ms milliseconds and returns {"slept": ms}.
//   - fail always returns a tool error with code -32000.
func RegisterDemoTools(s *Server) {
	s.RegisterHandler("echo", ToolDef{
		Description: "Returns its arguments unchanged",
		Tags:        []string{"demo"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			if args == nil {
				args = map[string]any{}
			}
			return args, nil
		},
	})
	s.RegisterHandler("sleep", ToolDef{
		Description: "Waits for ms milliseconds",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"ms": map[string]any{"type": "number"}},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			ms, _ := args["ms"].(float64)
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return map[string]any{"slept": ms}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	s.RegisterHandler("fail", ToolDef{
		Description: "Always fails",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			msg := "tool failed"
			if m, ok := args["message"].(string); ok && m != "" {
				msg = m
			}
			return nil, &Error{Code: -32000, Message: msg}
		},
	})
}

// ErrUnknownMode is returned for an unrecognized helper mode.
var ErrUnknownMode = errors.New("toolserver: unknown mode")

func unknownMode(mode string) error {
	return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}
