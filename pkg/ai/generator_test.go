package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// 1x1 transparent PNG.
var tinyPNG, _ = base64.StdEncoding.DecodeString("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

func pngDataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(tinyPNG)
}

func TestOpenAICompatSendsMultimodalMessage(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"{\"disease_name\":\"Rust\"}"}}]}`)
	}))
	defer srv.Close()

	g := NewOpenAICompatGenerator(srv.URL+"/v1/", "secret", "google/gemini-2.5-flash")
	out, err := g.Generate(context.Background(), Request{Prompt: "diagnose", ImageURL: "https://img.example/leaf.jpg"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"disease_name":"Rust"}` {
		t.Fatalf("unexpected output %q", out)
	}
	if captured["model"] != "google/gemini-2.5-flash" {
		t.Fatalf("unexpected model %v", captured["model"])
	}
	messages := captured["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected a single user message, got %d", len(messages))
	}
	parts, ok := messages[0].(map[string]any)["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected two content parts, got %#v", messages[0])
	}
	imagePart := parts[1].(map[string]any)
	if imagePart["type"] != "image_url" {
		t.Fatalf("expected image_url part, got %v", imagePart["type"])
	}
	if imagePart["image_url"].(map[string]any)["url"] != "https://img.example/leaf.jpg" {
		t.Fatalf("unexpected image url %v", imagePart["image_url"])
	}
}

func TestOpenAICompatTextOnlyUsesStringContent(t *testing.T) {
	var captured oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	g := NewOpenAICompatGenerator(srv.URL, "k", "m")
	if _, err := g.Generate(context.Background(), Request{System: "sys", Prompt: "hello"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(captured.Messages))
	}
	if content, ok := captured.Messages[1].Content.(string); !ok || content != "hello" {
		t.Fatalf("expected string content, got %#v", captured.Messages[1].Content)
	}
}

func TestOpenAICompatClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusPaymentRequired, ErrPaymentRequired},
		{http.StatusUnauthorized, ErrPaymentRequired},
		{http.StatusForbidden, ErrPaymentRequired},
		{http.StatusInternalServerError, ErrUpstream},
		{http.StatusBadRequest, ErrUpstream},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
		}))
		g := NewOpenAICompatGenerator(srv.URL, "k", "m")
		_, err := g.Generate(context.Background(), Request{Prompt: "x"})
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestOllamaSendsBase64Image(t *testing.T) {
	var captured ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"{}"}}`)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "llava")
	out, err := g.Generate(context.Background(), Request{Prompt: "look", ImageURL: pngDataURL()})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "{}" {
		t.Fatalf("unexpected output %q", out)
	}
	if captured.Format != "json" || captured.Stream {
		t.Fatalf("unexpected request options: %+v", captured)
	}
	user := captured.Messages[len(captured.Messages)-1]
	if len(user.Images) != 1 || user.Images[0] != base64.StdEncoding.EncodeToString(tinyPNG) {
		t.Fatalf("expected base64 image on user message, got %v", user.Images)
	}
}

func TestAnthropicGeneratorReadsTextBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"{\"confidence\":\"high\"}"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`)
	}))
	defer srv.Close()

	g := NewAnthropicGenerator("key", "claude", srv.URL)
	out, err := g.Generate(context.Background(), Request{System: "sys", Prompt: "diagnose"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"confidence":"high"}` {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestAnthropicGeneratorRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	g := NewAnthropicGenerator("key", "claude", srv.URL)
	_, err := g.Generate(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("expected upstream message in error, got %v", err)
	}
}

func TestAnthropicGeneratorImageBlocks(t *testing.T) {
	var captured struct {
		Messages []struct {
			Content []struct {
				Type   string `json:"type"`
				Source struct {
					Type      string `json:"type"`
					URL       string `json:"url"`
					MediaType string `json:"media_type"`
					Data      string `json:"data"`
				} `json:"source"`
			} `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"{}"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()
	g := NewAnthropicGenerator("key", "claude", srv.URL)

	if _, err := g.Generate(context.Background(), Request{Prompt: "x", ImageURL: "https://img.example/leaf.jpg"}); err != nil {
		t.Fatalf("generate with remote image: %v", err)
	}
	block := captured.Messages[0].Content[0]
	if block.Type != "image" || block.Source.Type != "url" || block.Source.URL != "https://img.example/leaf.jpg" {
		t.Fatalf("expected url image block, got %+v", block)
	}

	captured.Messages = nil
	if _, err := g.Generate(context.Background(), Request{Prompt: "x", ImageURL: pngDataURL()}); err != nil {
		t.Fatalf("generate with inline image: %v", err)
	}
	block = captured.Messages[0].Content[0]
	if block.Source.Type != "base64" || block.Source.MediaType != "image/png" || block.Source.Data != base64.StdEncoding.EncodeToString(tinyPNG) {
		t.Fatalf("expected base64 image block, got %+v", block)
	}
}

func TestClassifyGeminiError(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{&googleapi.Error{Code: http.StatusTooManyRequests}, ErrRateLimited},
		{&googleapi.Error{Code: http.StatusForbidden}, ErrPaymentRequired},
		{status.Error(codes.ResourceExhausted, "quota"), ErrRateLimited},
		{status.Error(codes.Unauthenticated, "bad key"), ErrPaymentRequired},
		{errors.New("boom"), ErrUpstream},
	}
	for _, tc := range cases {
		if got := classifyGeminiError(tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestNewGeneratorRequiresCredential(t *testing.T) {
	for _, provider := range []string{"", ProviderOpenAICompat, ProviderGemini, ProviderAnthropic} {
		if _, err := NewGenerator(Config{Provider: provider}); !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("provider %q: expected ErrNotConfigured, got %v", provider, err)
		}
	}
	if _, err := NewGenerator(Config{Provider: ProviderOllama}); err != nil {
		t.Fatalf("ollama needs no credential: %v", err)
	}
	if _, err := NewGenerator(Config{Provider: "bard", APIKey: "k"}); err == nil {
		t.Fatalf("expected unknown provider to fail")
	}
	g, err := NewGenerator(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("default provider: %v", err)
	}
	oai, ok := g.(*OpenAICompatGenerator)
	if !ok {
		t.Fatalf("expected openai-compat default, got %T", g)
	}
	if oai.baseURL != DefaultOpenAICompatBaseURL || oai.model != DefaultOpenAICompatModel {
		t.Fatalf("unexpected defaults: %s %s", oai.baseURL, oai.model)
	}
}
