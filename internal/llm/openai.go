package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/storevoice/internal/failure"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	maxResponseSize = 4 << 20
	maxRetries      = 2
	initialBackoff  = 500 * time.Millisecond
)

// OpenAIOptions configures an OpenAIClient.
type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	// KeyHeader is the header carrying the API key. "Authorization" (the
	// default) sends "Bearer <key>"; any other header gets the bare key.
	KeyHeader string
	// Extra fields merged into every request body, e.g. provider routing hints.
	Extra map[string]any
}

// OpenAIClient talks to an OpenAI-compatible /chat/completions endpoint.
// Rate limiting and server errors are retried with exponential backoff
// within the caller's deadline.
type OpenAIClient struct {
	baseURL        string
	apiKey         string
	keyHeader      string
	extra          map[string]any
	httpClient     *http.Client
	initialBackoff time.Duration
}

// NewOpenAIClient creates a client from opts.
func NewOpenAIClient(opts OpenAIOptions) *OpenAIClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	header := opts.KeyHeader
	if header == "" {
		header = "Authorization"
	}
	return &OpenAIClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         opts.APIKey,
		keyHeader:      header,
		extra:          opts.Extra,
		httpClient:     &http.Client{},
		initialBackoff: initialBackoff,
	}
}

// statusError is returned for non-200 responses.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func (e *statusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

// Complete sends req and returns the assistant message content.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	body, err := c.marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var content string
	op := func() error {
		var err error
		content, err = c.do(ctx, body)
		if err == nil {
			return nil
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		if failure.KindOf(err) == failure.MalformedResponse {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)); err != nil {
		return "", classify(ctx, err)
	}
	return content, nil
}

func (c *OpenAIClient) marshal(req Request) ([]byte, error) {
	m := make(map[string]any, len(c.extra)+4)
	for k, v := range c.extra {
		m[k] = v
	}
	m["model"] = req.Model
	m["messages"] = req.Messages
	if req.MaxTokens > 0 {
		m["max_tokens"] = req.MaxTokens
	}
	m["temperature"] = req.Temperature
	if req.JSON {
		m["response_format"] = map[string]string{"type": "json_object"}
	}
	return json.Marshal(m)
}

func (c *OpenAIClient) do(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{status: resp.StatusCode, body: snippet(data)}
	}
	return extractContent(data)
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey == "" {
		return
	}
	if strings.EqualFold(c.keyHeader, "Authorization") {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return
	}
	req.Header.Set(c.keyHeader, c.apiKey)
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Content *string `json:"content"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// extractContent reads choices[0].message.content, falling back to legacy
// completion text and a top-level content field some gateways return.
func extractContent(data []byte) (string, error) {
	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", failure.Newf(failure.MalformedResponse, "decoding completion: %v", err)
	}
	if cr.Error != nil && cr.Error.Message != "" {
		return "", failure.Newf(failure.UpstreamUnavailable, "upstream error: %s", cr.Error.Message)
	}
	if len(cr.Choices) > 0 {
		ch := cr.Choices[0]
		if ch.Message.Content != nil && *ch.Message.Content != "" {
			return *ch.Message.Content, nil
		}
		if ch.Text != "" {
			return ch.Text, nil
		}
	}
	if cr.Content != nil && *cr.Content != "" {
		return *cr.Content, nil
	}
	return "", failure.Newf(failure.MalformedResponse, "completion has no content")
}

func classify(ctx context.Context, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return failure.New(failure.Timeout, err)
	}
	return failure.New(failure.UpstreamUnavailable, err)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
