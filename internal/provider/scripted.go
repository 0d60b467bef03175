package provider

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays a fixed sequence of step responses. It backs the test
// suite: the loop consumes exactly one step per PLAN entry, so the script
// positions map one-to-one to turns.
type Scripted struct {
	mu    sync.Mutex
	id    string
	model string
	steps []ScriptedStep
	pos   int
	// Requests records what the loop sent, for assertions.
	Requests []*ChatRequest
}

// ScriptedStep is one scripted response or error.
type ScriptedStep struct {
	Response *ChatResponse
	Err      error
}

// NewScripted creates a scripted provider.
func NewScripted(model string, steps ...ScriptedStep) *Scripted {
	return &Scripted{id: "scripted", model: model, steps: steps}
}

// Step builds a scripted response from content and optional tool calls.
func Step(content string, calls ...ToolCall) ScriptedStep {
	return ScriptedStep{Response: &ChatResponse{Content: content, ToolCalls: calls}}
}

// StepErr builds a scripted provider failure.
func StepErr(err error) ScriptedStep {
	return ScriptedStep{Err: err}
}

func (s *Scripted) ID() string           { return s.id }
func (s *Scripted) DefaultModel() string { return s.model }

func (s *Scripted) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.pos >= len(s.steps) {
		return nil, fmt.Errorf("scripted provider exhausted after %d steps", len(s.steps))
	}
	step := s.steps[s.pos]
	s.pos++
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}
