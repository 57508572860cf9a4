// Package tools executes tool calls emitted by model turns.
//
// The executor enforces an optional DecisionPlan ordering (for example
// web_search before summarize), captures per-call errors as structured
// results, and emits a tool_invoked event per call with truncated
// arguments. A failing tool does not abort the batch unless the plan
// marks it required.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/pkg/models"
)

// Errors.
var (
	// ErrRequiredToolFailed aborts the batch when a plan-required tool
	// fails.
	ErrRequiredToolFailed = errors.New("tools: required tool failed")
)

// argTruncateLen bounds argument text in events.
const argTruncateLen = 256

// Tool is one invocable tool.
type Tool interface {
	// Name is the identifier models call the tool by.
	Name() string

	// Description is shown to the model.
	Description() string

	// Schema is the JSON schema of the arguments object.
	Schema() map[string]any

	// Invoke runs the tool with JSON-encoded arguments.
	Invoke(ctx context.Context, args string) (string, error)
}

// FuncTool adapts a function to Tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      map[string]any
	Fn              func(ctx context.Context, args string) (string, error)
}

func (f *FuncTool) Name() string           { return f.ToolName }
func (f *FuncTool) Description() string    { return f.ToolDescription }
func (f *FuncTool) Schema() map[string]any { return f.ToolSchema }
func (f *FuncTool) Invoke(ctx context.Context, args string) (string, error) {
	return f.Fn(ctx, args)
}

// DecisionPlan shapes how a batch of tool calls runs.
type DecisionPlan struct {
	// Order lists tool names to run first, in this order. Calls not
	// named keep their model-emitted order after the listed ones.
	Order []string

	// Required names tools whose failure aborts the batch.
	Required []string
}

func (p *DecisionPlan) orderIndex(name string) int {
	if p == nil {
		return -1
	}
	for i, n := range p.Order {
		if n == name {
			return i
		}
	}
	return -1
}

func (p *DecisionPlan) required(name string) bool {
	if p == nil {
		return false
	}
	for _, n := range p.Required {
		if n == name {
			return true
		}
	}
	return false
}

// Executor runs tool calls against a registered tool set.
type Executor struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	recorder *observability.Recorder
	metrics  *observability.Metrics
}

// NewExecutor creates an executor. recorder and metrics may be nil.
func NewExecutor(recorder *observability.Recorder, metrics *observability.Metrics) *Executor {
	if recorder == nil {
		recorder = observability.NewRecorder(nil)
	}
	return &Executor{
		tools:    map[string]Tool{},
		recorder: recorder,
		metrics:  metrics,
	}
}

// Register adds tools to the executor.
func (e *Executor) Register(tools ...Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tools {
		e.tools[t.Name()] = t
	}
}

// Definitions returns the model-facing definitions of the named tools.
// Unknown names are skipped; the model simply is not offered them.
func (e *Executor) Definitions(names []string) []ToolInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ToolInfo, 0, len(names))
	for _, name := range names {
		if t, ok := e.tools[name]; ok {
			out = append(out, ToolInfo{
				Name:        t.Name(),
				Description: t.Description(),
				Schema:      t.Schema(),
			})
		}
	}
	return out
}

// ToolInfo is a tool's model-facing definition.
type ToolInfo struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Execute runs the batch. The agent scopes which tools may run: a call
// to a tool outside the agent's toolset, or to an unregistered tool,
// produces a tool_not_found error result. The returned results align
// with the (possibly reordered) execution order.
func (e *Executor) Execute(ctx context.Context, agent *models.AgentDescriptor, calls []models.ToolCall, plan *DecisionPlan) ([]models.ToolResult, error) {
	ordered := make([]models.ToolCall, len(calls))
	copy(ordered, calls)
	if plan != nil && len(plan.Order) > 0 {
		sort.SliceStable(ordered, func(i, j int) bool {
			oi, oj := plan.orderIndex(ordered[i].Function.Name), plan.orderIndex(ordered[j].Function.Name)
			if oi == -1 {
				oi = len(plan.Order)
			}
			if oj == -1 {
				oj = len(plan.Order)
			}
			return oi < oj
		})
	}

	results := make([]models.ToolResult, 0, len(ordered))
	for _, call := range ordered {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result := e.invoke(ctx, agent, call)
		results = append(results, result)
		if result.IsError && plan.required(call.Function.Name) {
			return results, fmt.Errorf("%w: %s", ErrRequiredToolFailed, call.Function.Name)
		}
	}
	return results, nil
}

func (e *Executor) invoke(ctx context.Context, agent *models.AgentDescriptor, call models.ToolCall) models.ToolResult {
	name := call.Function.Name
	e.recorder.Record(ctx, observability.EventToolInvoked, map[string]any{
		"tool": name,
		"args": truncate(call.Function.Arguments, argTruncateLen),
	})

	result := models.ToolResult{CallID: call.ID, Name: name}

	e.mu.RLock()
	tool, registered := e.tools[name]
	e.mu.RUnlock()

	if !registered || (agent != nil && !agent.HasTool(name)) {
		result.IsError = true
		result.Content = fmt.Sprintf("tool_not_found: %q is not available", name)
		e.record(name, "not_found")
		return result
	}

	start := time.Now()
	content, err := tool.Invoke(ctx, call.Function.Arguments)
	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		result.IsError = true
		result.Content = fmt.Sprintf("tool_error: %v", err)
		e.record(name, "error")
		e.recorder.RecordError(ctx, observability.EventToolResult, err, map[string]any{"tool": name})
		return result
	}
	result.Content = content
	e.record(name, "success")
	e.recorder.Record(ctx, observability.EventToolResult, map[string]any{
		"tool":        name,
		"duration_ms": result.DurationMs,
	})
	return result
}

func (e *Executor) record(tool, status string) {
	if e.metrics != nil {
		e.metrics.RecordToolCall(tool, status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
