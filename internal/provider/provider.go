// Package provider abstracts the external AI backends proctor invokes.
package provider

import (
	"context"

	"github.com/opencode-ai/proctor/internal/models"
)

// Request is one model invocation.
type Request struct {
	// System is the system prompt, empty for none.
	System string

	// Prompt is the user prompt.
	Prompt string

	// MaxTokens bounds the generation. Zero falls back to the invoker's
	// configured limit.
	MaxTokens int
}

// Usage is the token consumption one invocation reported.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is the invocation result.
type Response struct {
	// Text is the generated completion.
	Text string

	// Model is the model that served the invocation.
	Model string

	// Usage is the reported token consumption.
	Usage Usage
}

// Invoker executes model invocations against one provider backend.
type Invoker interface {
	// Name identifies the provider this invoker talks to.
	Name() models.Provider

	// Invoke sends the request and returns the completion with its
	// token usage.
	Invoke(ctx context.Context, req *Request) (*Response, error)
}
