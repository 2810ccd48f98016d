package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatGenerator calls any OpenAI-compatible /chat/completions endpoint.
// Images are passed through as image_url parts, so data URLs and remote
// URLs both reach the model unchanged.
type OpenAICompatGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatGenerator builds an OpenAI-compatible Generator.
// baseURL should include the /v1 prefix, e.g. "https://gateway.example/v1".
func NewOpenAICompatGenerator(baseURL, apiKey, model string) *OpenAICompatGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &OpenAICompatGenerator{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Generate implements Generator using the chat completions API.
func (g *OpenAICompatGenerator) Generate(ctx context.Context, in Request) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("%w: openai-compat model required", ErrNotConfigured)
	}
	messages := make([]oaiMessage, 0, 2)
	if strings.TrimSpace(in.System) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: in.System})
	}
	if strings.TrimSpace(in.ImageURL) != "" {
		parts := []oaiContentPart{
			{Type: "text", Text: in.Prompt},
			{Type: "image_url", ImageURL: &oaiImageURL{URL: in.ImageURL}},
		}
		messages = append(messages, oaiMessage{Role: "user", Content: parts})
	} else {
		messages = append(messages, oaiMessage{Role: "user", Content: in.Prompt})
	}

	body, err := json.Marshal(oaiChatRequest{Model: g.model, Messages: messages})
	if err != nil {
		return "", err
	}

	url := g.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: openai-compat request: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return "", classifyStatus(ProviderOpenAICompat, resp.StatusCode, errResp.Error.Message)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%w: openai-compat decode: %v", ErrUpstream, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response from openai-compat api", ErrUpstream)
	}
	return chatResp.Choices[0].Message.Content, nil
}

// OpenAI-compatible request/response types.

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

// oaiMessage content is a string or a list of oaiContentPart.
type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
