package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/config"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/pipeline"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:   cfg.Server.APIToken,
		// No client timeout: stage runs stream for as long as generation takes.
		httpClient: &http.Client{},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable — is vibeflow running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, "GET", path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, "POST", path, body)
}

// stream opens a stage-run SSE stream and invokes onEvent for every frame.
// Connection attempts that fail before the first frame arrives are retried
// with exponential backoff; a 429 waits out the server's Retry-After hint
// first. Once events start flowing there is no retry: a rerun would repeat
// generation calls the budget already counted.
func (c *apiClient) stream(ctx context.Context, path string, onEvent func(pipeline.Event)) error {
	operation := func() error {
		resp, err := c.post(ctx, path, nil)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			if d := retryAfter(resp); d > 0 {
				printWarning("rate limited, retrying in %s", d)
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return fmt.Errorf("rate limited")
		case resp.StatusCode == http.StatusConflict:
			resp.Body.Close()
			return fmt.Errorf("a run is already active for this session")
		case resp.StatusCode >= 400:
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
		}

		defer resp.Body.Close()
		fr := pipeline.NewFrameReader(resp.Body)
		streaming := false
		for {
			e, err := fr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				// A drop mid-stream is final; the server released its lock
				// and a fresh run must be requested explicitly.
				if streaming {
					return backoff.Permanent(fmt.Errorf("stream interrupted: %w", err))
				}
				return err
			}
			streaming = true
			onEvent(e)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(operation, policy)
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
