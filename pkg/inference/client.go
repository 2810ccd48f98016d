package inference

import (
	"context"
	"fmt"

	"cropdoc/pkg/ai"
	"cropdoc/pkg/domain"
)

// Client turns a farmer submission into a structured diagnosis using one
// model call.
type Client struct {
	gen ai.Generator
}

// NewClient wraps a generator. A nil generator makes every call fail
// with ai.ErrNotConfigured.
func NewClient(gen ai.Generator) *Client {
	return &Client{gen: gen}
}

// Configured reports whether a model provider is available.
func (c *Client) Configured() bool { return c != nil && c.gen != nil }

// Diagnose sends the prompt (and image, when present) and parses the reply.
// Upstream failures are returned wrapped with their ai.Err* kind.
func (c *Client) Diagnose(ctx context.Context, in Input) (domain.DiagnosisResult, error) {
	if !c.Configured() {
		return domain.DiagnosisResult{}, ai.ErrNotConfigured
	}
	req := ai.Request{Prompt: BuildPrompt(in)}
	if in.HasImage() {
		req.ImageURL = in.ImageURL
	}
	raw, err := c.gen.Generate(ctx, req)
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("diagnose: %w", err)
	}
	return ParseResult(raw), nil
}
