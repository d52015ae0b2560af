package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/storevoice/internal/failure"
)

func TestOllamaComplete(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": `{"tone":"positive"}`},
			"done":    true,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	out, err := c.Complete(context.Background(), Request{
		Model:       "qwen2.5",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		MaxTokens:   500,
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"tone":"positive"}` {
		t.Errorf("content = %q", out)
	}
	if got.Stream {
		t.Error("stream should be false")
	}
	if got.Format != "json" {
		t.Errorf("format = %q, want json", got.Format)
	}
	if got.Options.NumPredict != 500 {
		t.Errorf("num_predict = %d, want 500", got.Options.NumPredict)
	}
}

func TestOllamaComplete_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    failure.Kind
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			want:    failure.UpstreamUnavailable,
		},
		{
			name:    "bad json",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("{")) },
			want:    failure.MalformedResponse,
		},
		{
			name:    "empty content",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"message":{"content":""}}`)) },
			want:    failure.MalformedResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewOllamaClient(srv.URL).Complete(context.Background(), Request{Model: "m"})
			if got := failure.KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOllamaComplete_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewOllamaClient(url).Complete(context.Background(), Request{Model: "m"})
	if got := failure.KindOf(err); got != failure.UpstreamUnavailable {
		t.Errorf("kind = %q, want %q", got, failure.UpstreamUnavailable)
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"qwen2.5:latest"},{"name":"llama3.2:3b"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	for name, want := range map[string]bool{"qwen2.5": true, "llama3.2:3b": true, "mistral": false} {
		got, err := c.HasModel(context.Background(), name)
		if err != nil {
			t.Fatalf("HasModel(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("HasModel(%q) = %v, want %v", name, got, want)
		}
	}
}
