package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiGenerator calls Gemini through the generative-ai SDK. Images are
// sent inline as blobs, so remote URLs are downloaded first.
type GeminiGenerator struct {
	apiKey      string
	model       string
	imageClient *http.Client
}

// NewGeminiGenerator builds a Gemini-based Generator.
func NewGeminiGenerator(apiKey, model string) *GeminiGenerator {
	return &GeminiGenerator{
		apiKey:      strings.TrimSpace(apiKey),
		model:       strings.TrimSpace(model),
		imageClient: NewImageClient(30 * time.Second),
	}
}

// Generate implements Generator using Gemini generateContent.
func (g *GeminiGenerator) Generate(ctx context.Context, in Request) (string, error) {
	if g.apiKey == "" {
		return "", fmt.Errorf("%w: gemini api key required", ErrNotConfigured)
	}
	parts := []genai.Part{genai.Text(in.Prompt)}
	if strings.TrimSpace(in.ImageURL) != "" {
		img, err := LoadImage(ctx, g.imageClient, in.ImageURL)
		if err != nil {
			return "", fmt.Errorf("%w: gemini image: %v", ErrUpstream, err)
		}
		parts = append(parts, &genai.Blob{MIMEType: img.MIMEType, Data: img.Data})
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return "", fmt.Errorf("%w: gemini client: %v", ErrUpstream, err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(g.model)
	m.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
	}
	if strings.TrimSpace(in.System) != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(in.System)},
		}
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	text := firstText(resp)
	if text == "" {
		return "", fmt.Errorf("%w: empty response from gemini", ErrUpstream)
	}
	return text, nil
}

// classifyGeminiError maps REST and gRPC failures onto the shared kinds.
func classifyGeminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(ProviderGemini, apiErr.Code, apiErr.Message)
	}
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: gemini: %v", ErrRateLimited, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: gemini: %v", ErrPaymentRequired, err)
	default:
		return fmt.Errorf("%w: gemini: %v", ErrUpstream, err)
	}
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
