package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orchlabs/orch/internal/memorystore"
)

// NewDatetimeTool reports the current time, optionally in a named IANA
// time zone.
func NewDatetimeTool() Tool {
	return &FuncTool{
		ToolName:        "datetime",
		ToolDescription: "Get the current date and time, optionally in a specific IANA time zone.",
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA zone name such as America/New_York. Defaults to UTC.",
				},
			},
		},
		Fn: func(_ context.Context, args string) (string, error) {
			var in struct {
				Timezone string `json:"timezone"`
			}
			if args != "" {
				if err := json.Unmarshal([]byte(args), &in); err != nil {
					return "", fmt.Errorf("parse arguments: %w", err)
				}
			}
			loc := time.UTC
			if in.Timezone != "" {
				var err error
				loc, err = time.LoadLocation(in.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", in.Timezone)
				}
			}
			return time.Now().In(loc).Format(time.RFC1123), nil
		},
	}
}

// NewMemorySearchTool exposes the long-term memory store to agents as a
// tool, so a model can pull user facts on demand in addition to the
// automatic context injection.
func NewMemorySearchTool(store memorystore.Store) Tool {
	return &FuncTool{
		ToolName:        "memory_search",
		ToolDescription: "Search the user's long-term memory for relevant facts.",
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{"type": "string"},
				"query":   map[string]any{"type": "string"},
			},
			"required": []string{"user_id", "query"},
		},
		Fn: func(ctx context.Context, args string) (string, error) {
			var in struct {
				UserID string `json:"user_id"`
				Query  string `json:"query"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}
			if in.UserID == "" || in.Query == "" {
				return "", fmt.Errorf("user_id and query are required")
			}
			facts, err := store.Search(ctx, in.UserID, in.Query, 5, 0.2)
			if err != nil {
				return "", err
			}
			if len(facts) == 0 {
				return "no matching facts", nil
			}
			lines := make([]string, 0, len(facts))
			for _, f := range facts {
				lines = append(lines, "- "+f.Text)
			}
			return strings.Join(lines, "\n"), nil
		},
	}
}
