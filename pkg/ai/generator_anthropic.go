package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// AnthropicGenerator calls the Anthropic Messages API. Data URLs are sent
// as base64 image blocks and http(s) URLs as URL image blocks.
type AnthropicGenerator struct {
	client      anthropic.Client
	model       string
	imageClient *http.Client
}

// NewAnthropicGenerator builds an Anthropic-based Generator. baseURL is
// optional and overrides the API endpoint.
func NewAnthropicGenerator(apiKey, model, baseURL string) *AnthropicGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &AnthropicGenerator{
		client:      anthropic.NewClient(opts...),
		model:       strings.TrimSpace(model),
		imageClient: NewImageClient(30 * time.Second),
	}
}

// Generate implements Generator using Messages.New.
func (g *AnthropicGenerator) Generate(ctx context.Context, in Request) (string, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
	switch ref := strings.TrimSpace(in.ImageURL); {
	case ref == "":
	case IsDataURL(ref):
		img, err := LoadImage(ctx, g.imageClient, ref)
		if err != nil {
			return "", fmt.Errorf("%w: anthropic image: %v", ErrUpstream, err)
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MIMEType, base64.StdEncoding.EncodeToString(img.Data)))
	default:
		// remote images are fetched by the API, not by this process
		blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: ref}))
	}
	blocks = append(blocks, anthropic.NewTextBlock(in.Prompt))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}
	if strings.TrimSpace(in.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: in.System}}
	}

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(ProviderAnthropic, apiErr.StatusCode, apiErr.Error())
		}
		return "", fmt.Errorf("%w: anthropic request: %v", ErrUpstream, err)
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("%w: no text content in anthropic response", ErrUpstream)
}
