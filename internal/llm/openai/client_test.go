package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenBounty-Chain/internal/llm"
)

func chatResponse(content string) string {
	payload := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error without an API key")
	}
	if _, err := NewClient(Config{APIKey: "   "}); err == nil {
		t.Fatal("expected error for a blank API key")
	}
}

func TestEvaluateSendsChatRequest(t *testing.T) {
	var captured struct {
		path   string
		auth   string
		body   map[string]any
		called bool
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured.called = true
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured.body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse(`{"score": 88}`)))
	})

	raw, err := client.Evaluate(context.Background(), llm.Request{
		System: "你是评审",
		Prompt: "请打分",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if string(raw) != `{"score": 88}` {
		t.Fatalf("raw = %s", raw)
	}

	if !captured.called {
		t.Fatal("server was never called")
	}
	if captured.path != "/chat/completions" {
		t.Fatalf("path = %q", captured.path)
	}
	if captured.auth != "Bearer test-key" {
		t.Fatalf("authorization = %q", captured.auth)
	}
	if captured.body["model"] != "gpt-4o-mini" {
		t.Fatalf("model = %v", captured.body["model"])
	}
	format, ok := captured.body["response_format"].(map[string]any)
	if !ok || format["type"] != "json_object" {
		t.Fatalf("response_format = %v", captured.body["response_format"])
	}
	messages, ok := captured.body["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("messages = %v", captured.body["messages"])
	}
}

func TestEvaluateStripsCodeFence(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatResponse("```json\n{\"relevant\": true}\n```")))
	})

	raw, err := client.Evaluate(context.Background(), llm.Request{Prompt: "判断相关性"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if string(raw) != `{"relevant": true}` {
		t.Fatalf("raw = %s", raw)
	}
}

func TestEvaluateRejectsNonJSONContent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatResponse("我觉得写得不错")))
	})

	if _, err := client.Evaluate(context.Background(), llm.Request{Prompt: "打分"}); err == nil {
		t.Fatal("expected error for non-JSON model output")
	}
}

func TestEvaluateSurfacesHTTPErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "rate limited"}}`, http.StatusTooManyRequests)
	})

	_, err := client.Evaluate(context.Background(), llm.Request{Prompt: "打分"})
	if err == nil {
		t.Fatal("expected error for a 429 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("error should carry the status code: %v", err)
	}
}

func TestEvaluateRejectsEmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	})

	if _, err := client.Evaluate(context.Background(), llm.Request{Prompt: "打分"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestEvaluateHonorsContextCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Evaluate(ctx, llm.Request{Prompt: "打分"}); err == nil {
		t.Fatal("expected error for a cancelled context")
	}
}
