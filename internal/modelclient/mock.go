package modelclient

import (
	"context"
	"strings"
	"sync"

	"github.com/orchlabs/orch/pkg/models"
)

// MockTurn scripts one mock completion.
type MockTurn struct {
	Text      string
	ToolCalls []models.ToolCall
	Err       error
}

// Mock is a deterministic Client for tests and dev mode. With no script
// it echoes a canned reply; with a script it replays turns in order,
// repeating the last one when the script runs out.
type Mock struct {
	mu     sync.Mutex
	script []MockTurn
	calls  int

	// Requests records every request for assertions.
	Requests []Request
}

// NewMock creates a mock client with an optional script.
func NewMock(script ...MockTurn) *Mock {
	return &Mock{script: script}
}

// Provider implements Client.
func (m *Mock) Provider() string { return ProviderMock }

// Calls returns how many completions ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete implements Client. Output streams word by word; token usage
// is derived from prompt and output word counts so cost math stays
// deterministic.
func (m *Mock) Complete(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	idx := m.calls
	m.calls++
	var turn MockTurn
	switch {
	case len(m.script) == 0:
		turn = MockTurn{Text: "ack: " + lastUserContent(req)}
	case idx < len(m.script):
		turn = m.script[idx]
	default:
		turn = m.script[len(m.script)-1]
	}
	m.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	words := strings.Fields(turn.Text)
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onChunk != nil {
			if i < len(words)-1 {
				onChunk(w + " ")
			} else {
				onChunk(w)
			}
		}
	}

	var promptWords int
	promptWords += len(strings.Fields(req.SystemPrompt))
	for _, msg := range req.Messages {
		promptWords += len(strings.Fields(msg.Content))
	}

	return &Response{
		Text:         turn.Text,
		ToolCalls:    turn.ToolCalls,
		InputTokens:  int64(promptWords),
		OutputTokens: int64(len(words)),
	}, nil
}

func lastUserContent(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
