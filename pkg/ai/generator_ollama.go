package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaGenerator calls a local Ollama /api/chat endpoint, typically with
// a vision model such as llava. Images travel as base64 strings.
type OllamaGenerator struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	imageClient *http.Client
}

// NewOllamaGenerator builds an Ollama-based Generator.
func NewOllamaGenerator(baseURL, model string) *OllamaGenerator {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaGenerator{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       strings.TrimSpace(model),
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		imageClient: NewImageClient(30 * time.Second),
	}
}

// Generate implements Generator using Ollama /api/chat.
func (g *OllamaGenerator) Generate(ctx context.Context, in Request) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("%w: ollama model required", ErrNotConfigured)
	}
	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(in.System) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: in.System})
	}
	user := ollamaChatMessage{Role: "user", Content: in.Prompt}
	if strings.TrimSpace(in.ImageURL) != "" {
		img, err := LoadImage(ctx, g.imageClient, in.ImageURL)
		if err != nil {
			return "", fmt.Errorf("%w: ollama image: %v", ErrUpstream, err)
		}
		user.Images = []string{base64.StdEncoding.EncodeToString(img.Data)}
	}
	messages = append(messages, user)

	reqBody := ollamaChatRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   false,
		Format:   "json",
	}
	var resp ollamaChatResponse
	if err := g.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("%w: empty response from ollama", ErrUpstream)
	}
	return resp.Message.Content, nil
}

func (g *OllamaGenerator) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ollama request: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return classifyStatus(ProviderOllama, resp.StatusCode, errResp.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: ollama decode: %v", ErrUpstream, err)
	}
	return nil
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
