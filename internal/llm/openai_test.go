package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/storevoice/internal/failure"
)

func newTestClient(url string, opts OpenAIOptions) *OpenAIClient {
	opts.BaseURL = url
	c := NewOpenAIClient(opts)
	c.initialBackoff = time.Millisecond
	return c
}

func testRequest() Request {
	return Request{
		Model:       "gpt-4o-mini",
		Messages:    []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}},
		MaxTokens:   1000,
		Temperature: 0.2,
		JSON:        true,
	}
}

func TestComplete_RequestShape(t *testing.T) {
	var got map[string]any
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{\"summary\":\"ok\"}"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL+"/", OpenAIOptions{APIKey: "sk-test", Extra: map[string]any{"provider": "fast"}})
	out, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"summary":"ok"}` {
		t.Errorf("content = %q", out)
	}
	if path != "/chat/completions" {
		t.Errorf("path = %q, want /chat/completions", path)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer sk-test")
	}
	if got["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", got["model"])
	}
	if got["max_tokens"] != float64(1000) {
		t.Errorf("max_tokens = %v, want 1000", got["max_tokens"])
	}
	if got["provider"] != "fast" {
		t.Errorf("extra field provider = %v, want fast", got["provider"])
	}
	if rf, ok := got["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
		t.Errorf("response_format = %v", got["response_format"])
	}
	if msgs, ok := got["messages"].([]any); !ok || len(msgs) != 2 {
		t.Errorf("messages = %v", got["messages"])
	}
}

func TestComplete_CustomKeyHeader(t *testing.T) {
	var key, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("api-key")
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"x"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, OpenAIOptions{APIKey: "secret", KeyHeader: "api-key"})
	if _, err := c.Complete(context.Background(), testRequest()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if key != "secret" {
		t.Errorf("api-key = %q, want secret", key)
	}
	if auth != "" {
		t.Errorf("Authorization = %q, want empty", auth)
	}
}

func TestComplete_ContentFallbacks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"message content", `{"choices":[{"message":{"content":"a"}}]}`, "a"},
		{"legacy text", `{"choices":[{"text":"b"}]}`, "b"},
		{"top-level content", `{"content":"c"}`, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			out, err := newTestClient(srv.URL, OpenAIOptions{}).Complete(context.Background(), testRequest())
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if out != tt.want {
				t.Errorf("content = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestComplete_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"done"}}]}`)
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL, OpenAIOptions{}).Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "done" {
		t.Errorf("content = %q", out)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestComplete_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, OpenAIOptions{}).Complete(context.Background(), testRequest())
	if got := failure.KindOf(err); got != failure.UpstreamUnavailable {
		t.Errorf("kind = %q, want %q (err: %v)", got, failure.UpstreamUnavailable, err)
	}
	if calls.Load() != maxRetries+1 {
		t.Errorf("calls = %d, want %d", calls.Load(), maxRetries+1)
	}
}

func TestComplete_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, OpenAIOptions{}).Complete(context.Background(), testRequest())
	if got := failure.KindOf(err); got != failure.UpstreamUnavailable {
		t.Errorf("kind = %q, want %q", got, failure.UpstreamUnavailable)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestComplete_MalformedBody(t *testing.T) {
	for _, body := range []string{`not json`, `{"choices":[]}`, `{"choices":[{"message":{"content":null}}]}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))
		_, err := newTestClient(srv.URL, OpenAIOptions{}).Complete(context.Background(), testRequest())
		if got := failure.KindOf(err); got != failure.MalformedResponse {
			t.Errorf("body %q: kind = %q, want %q", body, got, failure.MalformedResponse)
		}
		srv.Close()
	}
}

func TestComplete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL, OpenAIOptions{}).Complete(ctx, testRequest())
	if got := failure.KindOf(err); got != failure.Timeout {
		t.Errorf("kind = %q, want %q (err: %v)", got, failure.Timeout, err)
	}
}
