package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}

	_, err = NewClient(Config{
		BaseURL: "https://example.com",
		APIKey:  "k",
		Flavor:  FlavorAzure,
	}, zaptest.NewLogger(t))
	if err == nil || !strings.Contains(err.Error(), "DeploymentID") {
		t.Fatalf("expected azure deployment validation error, got %v", err)
	}
}

func TestCompletionSuccess(t *testing.T) {
	t.Parallel()

	var gotReq providerChatRequest
	var gotAuth, gotOrg, gotAPIKeyHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}

		gotAuth = r.Header.Get("Authorization")
		gotOrg = r.Header.Get("OpenAI-Organization")
		gotAPIKeyHeader = r.Header.Get("api-key")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}

		resp := providerChatResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Created: time.Unix(1_700_000_000, 0).Unix(),
			Model:   "gpt-4-32k",
			Choices: []providerChatChoice{
				{
					Index: 0,
					Message: ChatMessage{
						Role:    RoleAssistant,
						Content: "response",
					},
					FinishReason: "stop",
				},
			},
			Usage: &providerUsage{
				PromptTokens:     3,
				CompletionTokens: 2,
				TotalTokens:      5,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		OrgID:        "org-77",
		SystemPrompt: "grade the answer",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	req := &ChatRequest{
		Model: "gpt-4",
		Messages: []ChatMessage{
			{Role: RoleUser, Content: "ping"},
		},
		Temperature: 0.3,
		TopP:        0.9,
	}

	resp, err := client.Completion(context.Background(), req)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected Authorization header: %s", gotAuth)
	}
	if gotOrg != "org-77" {
		t.Fatalf("unexpected OpenAI-Organization header: %s", gotOrg)
	}
	if gotAPIKeyHeader != "" {
		t.Fatalf("api-key header must be absent for the openai flavor, got %q", gotAPIKeyHeader)
	}
	if gotReq.Stream {
		t.Fatalf("non-stream request should not set stream=true")
	}

	// Pinning policy: caller model/temperature are overridden.
	if gotReq.Model != "gpt-4-32k" {
		t.Fatalf("expected pinned model gpt-4-32k, got %s", gotReq.Model)
	}
	if gotReq.Temperature != 0 {
		t.Fatalf("expected pinned temperature 0, got %v", gotReq.Temperature)
	}
	if gotReq.MaxTokens != 4000 {
		t.Fatalf("expected pinned max_tokens 4000, got %d", gotReq.MaxTokens)
	}

	// System prompt is prepended as the first message.
	if len(gotReq.Messages) != 2 {
		t.Fatalf("expected 2 messages (system + user), got %#v", gotReq.Messages)
	}
	if gotReq.Messages[0].Role != RoleSystem || gotReq.Messages[0].Content != "grade the answer" {
		t.Fatalf("expected system prompt first, got %#v", gotReq.Messages[0])
	}
	if gotReq.Messages[1].Content != "ping" {
		t.Fatalf("unexpected request messages: %#v", gotReq.Messages)
	}

	if resp == nil || len(resp.Choices) != 1 {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if resp.Choices[0].Message.Content != "response" {
		t.Fatalf("unexpected response message: %#v", resp.Choices[0].Message)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage not mapped correctly: %#v", resp.Usage)
	}
}

func TestCompletionPolicyDisabled(t *testing.T) {
	t.Parallel()

	var gotReq providerChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		writeMinimalCompletion(t, w)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		APIKey:  "k",
		Policy:  Policy{Disabled: true},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	req := &ChatRequest{
		Model:       "gpt-4",
		Messages:    []ChatMessage{{Role: RoleUser, Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   128,
	}
	if _, err := client.Completion(context.Background(), req); err != nil {
		t.Fatalf("Completion: %v", err)
	}

	if gotReq.Model != "gpt-4" {
		t.Fatalf("expected caller model to pass through, got %s", gotReq.Model)
	}
	if gotReq.Temperature != 0.7 {
		t.Fatalf("expected caller temperature to pass through, got %v", gotReq.Temperature)
	}
	if gotReq.MaxTokens != 128 {
		t.Fatalf("expected caller max_tokens to pass through, got %d", gotReq.MaxTokens)
	}
}

func TestAzureFlavorRouting(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery, gotAuth, gotAPIKeyHeader, gotOrg string
	var gotReq providerChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotAPIKeyHeader = r.Header.Get("api-key")
		gotOrg = r.Header.Get("OpenAI-Organization")

		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		writeMinimalCompletion(t, w)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "azure-key",
		Flavor:       FlavorAzure,
		DeploymentID: "grader-prod",
		APIVersion:   "2023-05-15",
		OrgID:        "org-ignored",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	req := &ChatRequest{
		Model:    "gpt-4",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	}
	if _, err := client.Completion(context.Background(), req); err != nil {
		t.Fatalf("Completion: %v", err)
	}

	if gotPath != "/openai/deployments/grader-prod/chat/completions" {
		t.Fatalf("unexpected azure path: %s", gotPath)
	}
	if gotQuery != "api-version=2023-05-15" {
		t.Fatalf("unexpected azure query: %s", gotQuery)
	}
	if gotAPIKeyHeader != "azure-key" {
		t.Fatalf("expected api-key header, got %q", gotAPIKeyHeader)
	}
	if gotAuth != "" {
		t.Fatalf("Authorization header must be absent for the azure flavor, got %q", gotAuth)
	}
	if gotOrg != "" {
		t.Fatalf("OpenAI-Organization must never be sent for the azure flavor, got %q", gotOrg)
	}
	if gotReq.Model != "" {
		t.Fatalf("azure request body must omit the model field, got %q", gotReq.Model)
	}
}

func TestCompletionValidationError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("server should not be called for invalid request")
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		APIKey:  "key",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	_, err = client.Completion(context.Background(), &ChatRequest{})
	if err == nil || !strings.Contains(err.Error(), "invalid request") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCompletionUpstreamAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"m","type":"t","param":"p","code":"c"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(client)

	_, err = client.Completion(context.Background(), &ChatRequest{
		Model:    "gpt-4",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Message != "m" || apiErr.Type != "t" || apiErr.Param != "p" || apiErr.Code != "c" {
		t.Fatalf("error fields not passed through: %#v", apiErr)
	}
}

func writeMinimalCompletion(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	resp := providerChatResponse{
		ID:    "chatcmpl-x",
		Model: "gpt-4-32k",
		Choices: []providerChatChoice{
			{Message: ChatMessage{Role: RoleAssistant, Content: "ok"}, FinishReason: "stop"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func closeClient(c Client) {
	if closer, ok := c.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
