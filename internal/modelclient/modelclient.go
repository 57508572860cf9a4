// Package modelclient abstracts LLM providers behind a streaming
// completion interface.
//
// Adapters exist for OpenAI-compatible APIs and Anthropic. Both stream
// tokens through a chunk callback and return the accumulated response
// with token usage and any tool calls the model emitted. The Mock
// client is deterministic and used throughout the test suite.
package modelclient

import (
	"context"
	"errors"
	"strings"

	"github.com/orchlabs/orch/pkg/models"
)

// Providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// ErrNotRetryable wraps errors the retry layer must surface
// immediately (auth failures, bad requests, content policy).
var ErrNotRetryable = errors.New("modelclient: not retryable")

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    Role
	Content string

	// ToolCalls carries a prior assistant turn's tool calls when
	// feeding results back for a continuation.
	ToolCalls []models.ToolCall

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Schema is the JSON schema of the tool parameters.
	Schema map[string]any
}

// Request is one completion request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
	Temperature  float32
}

// Response is the accumulated result of a streamed completion.
type Response struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int64
	OutputTokens int64
}

// ChunkFunc receives streamed output text increments. It must not
// block; the hub behind it applies its own backpressure.
type ChunkFunc func(text string)

// Client is the provider abstraction.
type Client interface {
	// Provider returns the provider name used for pricing and breaker
	// scoping.
	Provider() string

	// Complete streams a completion, invoking onChunk for each output
	// text increment, and returns the accumulated response. onChunk may
	// be nil.
	Complete(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error)
}

// Retryable reports whether a completion error is worth retrying.
// Context cancellation and explicitly non-retryable errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrNotRetryable)
}

// Registry maps provider names to clients.
type Registry struct {
	clients map[string]Client
}

// NewRegistry creates a client registry.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: map[string]Client{}}
	for _, c := range clients {
		r.clients[c.Provider()] = c
	}
	return r
}

// ForModel picks the client for a model ID by name convention:
// claude-* models go to Anthropic, everything else to OpenAI. The
// fallback is whichever single client is registered.
func (r *Registry) ForModel(model string) (Client, error) {
	want := ProviderOpenAI
	if strings.HasPrefix(model, "claude") {
		want = ProviderAnthropic
	}
	if c, ok := r.clients[want]; ok {
		return c, nil
	}
	if len(r.clients) == 1 {
		for _, c := range r.clients {
			return c, nil
		}
	}
	return nil, errors.New("modelclient: no client for model " + model)
}
