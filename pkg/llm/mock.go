package llm

import (
	"context"
	"fmt"
)

// MockProvider is a testing implementation of Provider.
type MockProvider struct {
	Response     string
	Err          error
	GenerateFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

func (m *MockProvider) Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &ChatResponse{
		Content: m.Response,
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 10,
			TotalTokens:      20,
		},
	}, nil
}

// Stream delivers the mock response as a single token followed by the
// terminal token.
func (m *MockProvider) Stream(ctx context.Context, req ChatRequest, fn func(Token) error) error {
	resp, err := m.Generate(ctx, req)
	if err != nil {
		return err
	}
	return streamResponse(ctx, resp, fn)
}

// FailingMockProvider always fails.
type FailingMockProvider struct {
	Err error
}

func (f *FailingMockProvider) Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if f.Err == nil {
		return nil, fmt.Errorf("mock error")
	}
	return nil, f.Err
}

func (f *FailingMockProvider) Stream(ctx context.Context, req ChatRequest, fn func(Token) error) error {
	_, err := f.Generate(ctx, req)
	return err
}

// streamResponse replays a complete response through a token callback.
func streamResponse(ctx context.Context, resp *ChatResponse, fn func(Token) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if resp.Content != "" {
		if err := fn(Token{Content: resp.Content}); err != nil {
			return err
		}
	}
	usage := resp.Usage
	return fn(Token{Done: true, ToolCalls: resp.ToolCalls, Usage: &usage})
}

var (
	_ Provider = (*MockProvider)(nil)
	_ Provider = (*FailingMockProvider)(nil)
)
