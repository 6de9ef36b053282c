package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// requireString extracts a non-empty string from args by key.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", &domain.ValidationError{Field: key, Reason: "is required"}
	}
	return v, nil
}

func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// optionalFloat64 extracts a float64 from args by key, returning the fallback if not present.
func optionalFloat64(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return fallback
}

func optionalBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

// optionalStrings accepts a JSON array of strings or a comma-separated string.
func optionalStrings(args map[string]any, key string) ([]string, error) {
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &domain.ValidationError{Field: key, Reason: fmt.Sprintf("must be a list of strings, got %T", item)}
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, &domain.ValidationError{Field: key, Reason: fmt.Sprintf("must be a list of strings, got %T", args[key])}
}

func optionalMetrics(args map[string]any, key string) (map[string]float64, error) {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, &domain.ValidationError{Field: key, Reason: fmt.Sprintf("metric %s must be a number", k)}
		}
		out[k] = f
	}
	return out, nil
}

func optionalPriority(args map[string]any, key string) (domain.Priority, error) {
	s := optionalString(args, key)
	if s == "" {
		return 0, nil
	}
	return domain.ParsePriority(s)
}

// agentArg returns the agent_id argument, falling back to the agent that
// registered on this session.
func agentArg(ctx context.Context, args map[string]any, sessions *app.SessionRegistry) (string, error) {
	if v := optionalString(args, "agent_id"); v != "" {
		return v, nil
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		if agent := sessions.AgentFor(session.SessionID()); agent != "" {
			return agent, nil
		}
	}
	return "", &domain.ValidationError{Field: "agent_id", Reason: "is required (or call register_agent on this session first)"}
}

// jsonResult renders v as an indented JSON text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
