package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAnthropicSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s, want /messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_123",
			"content": []map[string]any{
				{"type": "text", "text": "hello "},
				{"type": "text", "text": "world"},
			},
			"usage": map[string]any{"input_tokens": 100, "output_tokens": 20},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Send(context.Background(), Request{
		Model:        "claude-sonnet-4-5",
		Instructions: "be brief",
		Input:        "hi",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Text != "hello world" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.ResponseID != "msg_123" {
		t.Errorf("ResponseID = %q", resp.ResponseID)
	}
	if resp.TokensUsed != 120 {
		t.Errorf("TokensUsed = %d, want 120", resp.TokensUsed)
	}
	if got["system"] != "be brief" {
		t.Errorf("system = %v", got["system"])
	}
	if _, ok := got["temperature"]; ok {
		t.Error("temperature sent though unset")
	}
}

func TestOpenAISend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %s, want /responses", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "resp_abc",
			"output": []map[string]any{
				{"type": "reasoning", "content": []map[string]any{}},
				{"type": "message", "content": []map[string]any{
					{"type": "output_text", "text": "ok"},
				}},
			},
			"usage": map[string]any{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	temp := 0.7
	p := NewOpenAIProvider("test-key", WithOpenAIBaseURL(srv.URL))
	resp, err := p.Send(context.Background(), Request{
		Model:              "gpt-4.1",
		Instructions:       "sys",
		Input:              "hud",
		PreviousResponseID: "resp_prev",
		Temperature:        &temp,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.ResponseID != "resp_abc" {
		t.Errorf("ResponseID = %q", resp.ResponseID)
	}
	if resp.TokensUsed != 42 {
		t.Errorf("TokensUsed = %d", resp.TokensUsed)
	}
	if got["previous_response_id"] != "resp_prev" {
		t.Errorf("previous_response_id = %v", got["previous_response_id"])
	}
	if got["temperature"] != 0.7 {
		t.Errorf("temperature = %v", got["temperature"])
	}
}

func TestRetryOn429(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "msg_ok",
			"content": []map[string]any{{"type": "text", "text": "done"}},
			"usage":   map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL),
		WithAnthropicRetry(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}))
	resp, err := p.Send(context.Background(), Request{Input: "x"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Text != "done" {
		t.Errorf("Text = %q", resp.Text)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestNoRetryOn400(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", WithOpenAIBaseURL(srv.URL),
		WithOpenAIRetry(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	_, err := p.Send(context.Background(), Request{Input: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Errorf("error = %v, want HTTPError 400", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryDoContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := RetryDo(ctx, RetryConfig{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}, func() (int, error) {
		calls++
		cancel()
		return 0, &HTTPError{Status: 500, Body: "boom"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-1", 0},
		{"garbage", 0},
	}
	for _, c := range cases {
		if got := ParseRetryAfter(c.in); got != c.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSupportsTemperature(t *testing.T) {
	cases := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4-5", true},
		{"gpt-4.1", true},
		{"gpt-5-mini", false},
		{"o3-mini", false},
	}
	for _, c := range cases {
		if got := SupportsTemperature(c.model); got != c.want {
			t.Errorf("SupportsTemperature(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestForModel(t *testing.T) {
	a := NewAnthropicProvider("k")
	o := NewOpenAIProvider("k")
	avail := []Provider{a, o}

	if got := ForModel("claude-sonnet-4-5", avail); got != Provider(a) {
		t.Error("claude model should route to anthropic")
	}
	if got := ForModel("gpt-5-mini", avail); got != Provider(o) {
		t.Error("gpt model should route to openai")
	}
	if got := ForModel("mystery-model", avail); got != Provider(a) {
		t.Error("unknown model should fall back to first provider")
	}
}

func TestRateLimitedPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "msg_1",
			"content": []map[string]any{{"type": "text", "text": "y"}},
			"usage":   map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	p := NewRateLimited(NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL)), 100, 1)
	if p.Name() != "anthropic" {
		t.Errorf("Name = %q", p.Name())
	}
	resp, err := p.Send(context.Background(), Request{Input: "x"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Text != "y" {
		t.Errorf("Text = %q", resp.Text)
	}
}
