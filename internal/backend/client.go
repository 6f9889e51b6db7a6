package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/communityforge/inference-gateway/internal/config"
	log "github.com/sirupsen/logrus"
)

const retryBaseDelay = 250 * time.Millisecond

// Client is the HTTP client for the platform inference backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *Breaker
	maxRetries int
}

// NewClient constructs a backend client from config. onBreakerChange
// may be nil.
func NewClient(cfg config.BackendConfig, onBreakerChange func(open bool)) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, onBreakerChange),
		maxRetries: cfg.MaxRetries,
	}
}

// Complete performs one non-streaming inference call with bounded
// retries behind the circuit breaker.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	req.Stream = false
	var resp *Response
	errCall := c.withRetry(ctx, func() error {
		r, errDo := c.doComplete(ctx, req)
		if errDo != nil {
			return errDo
		}
		resp = r
		return nil
	})
	if errCall != nil {
		return nil, errCall
	}
	return resp, nil
}

// Stream performs a streaming call. Streams are not retried once the
// first chunk is out: the partial tokens are already the caller's
// spend record.
func (c *Client) Stream(ctx context.Context, req Request, onChunk func(Chunk) error) (*Response, error) {
	req.Stream = true
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("backend: circuit open: %w", ErrUpstreamUnavailable)
	}
	resp, errStream := c.doStream(ctx, req, onChunk)
	if errStream != nil {
		if retryable(errStream) {
			c.breaker.OnFailure()
		}
		return nil, errStream
	}
	c.breaker.OnSuccess()
	return resp, nil
}

// withRetry runs call with exponential backoff on retryable failures.
func (c *Client) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if !c.breaker.Allow() {
			return fmt.Errorf("backend: circuit open: %w", ErrUpstreamUnavailable)
		}
		lastErr = call()
		if lastErr == nil {
			c.breaker.OnSuccess()
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		c.breaker.OnFailure()
		log.WithError(lastErr).WithField("attempt", attempt+1).Warn("backend: call failed")
	}
	return lastErr
}

// retryable reports whether an error warrants a retry and counts
// against the breaker. Caller cancellation does neither.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUpstreamUnavailable)
}

func (c *Client) doComplete(ctx context.Context, req Request) (*Response, error) {
	httpResp, errDo := c.post(ctx, req)
	if errDo != nil {
		return nil, errDo
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, errRead := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if errRead != nil {
		return nil, fmt.Errorf("backend: read response: %w", ErrUpstreamUnavailable)
	}
	var resp Response
	if errUnmarshal := json.Unmarshal(body, &resp); errUnmarshal != nil {
		return nil, fmt.Errorf("backend: decode response: %w", errUnmarshal)
	}
	return &resp, nil
}

func (c *Client) doStream(ctx context.Context, req Request, onChunk func(Chunk) error) (*Response, error) {
	httpResp, errDo := c.post(ctx, req)
	if errDo != nil {
		return nil, errDo
	}
	defer func() { _ = httpResp.Body.Close() }()

	final := &Response{}
	var content strings.Builder
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk Chunk
		if errUnmarshal := json.Unmarshal([]byte(payload), &chunk); errUnmarshal != nil {
			log.WithError(errUnmarshal).Debug("backend: skipping malformed stream chunk")
			continue
		}
		content.WriteString(chunk.Delta)
		if chunk.PromptTokens > 0 {
			final.PromptTokens = chunk.PromptTokens
		}
		if chunk.CompletionTokens > final.CompletionTokens {
			final.CompletionTokens = chunk.CompletionTokens
		}
		if onChunk != nil {
			if errChunk := onChunk(chunk); errChunk != nil {
				return nil, errChunk
			}
		}
		if chunk.Done {
			break
		}
	}
	if errScan := scanner.Err(); errScan != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("backend: stream interrupted: %w", ErrUpstreamUnavailable)
	}
	final.Content = content.String()
	return final, nil
}

func (c *Client) post(ctx context.Context, req Request) (*http.Response, error) {
	payload, errMarshal := json.Marshal(req)
	if errMarshal != nil {
		return nil, fmt.Errorf("backend: encode request: %w", errMarshal)
	}
	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(payload))
	if errNew != nil {
		return nil, fmt.Errorf("backend: build request: %w", errNew)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, errDo := c.httpClient.Do(httpReq)
	if errDo != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("backend: request: %w", ErrUpstreamUnavailable)
	}
	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		_ = httpResp.Body.Close()
		return nil, fmt.Errorf("backend: status %d: %w", httpResp.StatusCode, ErrUpstreamUnavailable)
	}
	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		_ = httpResp.Body.Close()
		return nil, fmt.Errorf("backend: status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}
	return httpResp, nil
}
