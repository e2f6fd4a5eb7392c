// Package llm talks to an OpenAI-compatible chat-completions service. It is
// the only component that performs external generation calls; everything
// above it depends on success, timeout, abort, and error outcomes alone.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// ErrTimeout reports that a generation call exceeded its hard per-call budget.
var ErrTimeout = errors.New("generation call timed out")

// Message is a chat message in the wire format of the upstream service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries one generation call's parameters.
type Request struct {
	Messages    []Message
	Temperature float64
	// Timeout bounds the whole call, including streaming reads. Zero means
	// the client default.
	Timeout time.Duration
}

// Client communicates with an OpenRouter-style chat completions API.
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	defaultTimeout time.Duration
	httpClient     *http.Client
}

// New creates a Client for the given base URL, API key, and model.
func New(baseURL, apiKey, model string, defaultTimeout time.Duration) *Client {
	if defaultTimeout <= 0 {
		defaultTimeout = 120 * time.Second
	}
	return &Client{
		apiKey:         apiKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		model:          model,
		defaultTimeout: defaultTimeout,
		// Per-call deadlines come from the request context.
		httpClient: &http.Client{Timeout: 0},
	}
}

type chatPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// GenerateStream performs a streaming call, invoking onDelta for each text
// chunk in generation order, and returns the full assistant text. Timeout
// expiry is reported as ErrTimeout; caller cancellation surfaces as the
// context error unchanged.
func (c *Client) GenerateStream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	body, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Tolerate upstream keep-alive noise.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", c.classify(ctx, fmt.Errorf("reading stream: %w", err))
	}

	return full.String(), nil
}

// do issues the HTTP request with 429 retry and returns the response body.
func (c *Client) do(ctx context.Context, req Request) (io.ReadCloser, error) {
	payload := chatPayload{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doOnce(ctx, body, timeout)
		if err == nil {
			return rc, nil
		}
		if !isRateLimit(err) {
			return nil, c.classify(ctx, err)
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	// The timeout context stays live while the caller reads the body; cancel
	// runs when the body is closed.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// classify maps low-level transport failures onto the caller-facing taxonomy:
// caller aborts keep their context error, per-call deadline expiry becomes
// ErrTimeout, everything else passes through.
func (c *Client) classify(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
