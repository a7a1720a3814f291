package llm

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

	"golang.org/x/time/rate"
)

const (
	defaultSSERetries = 3
	defaultSSEBackoff = 500 * time.Millisecond
	defaultSSERate    = rate.Limit(2)
	defaultSSEBurst   = 4
)

// StreamEvent is one data line of the generation stream.
type StreamEvent struct {
	Content     string `json:"content,omitempty"`
	Phase       Phase  `json:"phase,omitempty"`
	Done        bool   `json:"done,omitempty"`
	FullContent string `json:"fullContent,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StatusError is a non-200 answer from the generation endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation endpoint returned HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// SSETransport posts phase requests to an HTTP endpoint that answers with a
// server-sent event stream of StreamEvent lines terminated by "[DONE]".
type SSETransport struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	retries  int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) SSEOption {
	return func(t *SSETransport) { t.http = c }
}

// WithRateLimit throttles requests to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) SSEOption {
	return func(t *SSETransport) { t.limiter = rate.NewLimiter(r, burst) }
}

// WithRetry sets how many times a failed connection is retried and the
// delay before the first retry; the delay doubles on each retry.
func WithRetry(retries int, backoff time.Duration) SSEOption {
	return func(t *SSETransport) {
		t.retries = retries
		t.backoff = backoff
	}
}

// NewSSETransport creates a transport posting to endpoint.
func NewSSETransport(endpoint string, opts ...SSEOption) *SSETransport {
	t := &SSETransport{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 5 * time.Minute},
		limiter:  rate.NewLimiter(defaultSSERate, defaultSSEBurst),
		retries:  defaultSSERetries,
		backoff:  defaultSSEBackoff,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Stream posts req and accumulates the content fragments. A fullContent
// event replaces what was accumulated; an error event fails the call.
// Connection failures are retried; once the stream has started it is not.
func (t *SSETransport) Stream(ctx context.Context, req Request, onFragment func(string)) (string, error) {
	body := make(map[string]any, len(req.Payload)+3)
	for k, v := range req.Payload {
		body[k] = v
	}
	body["phase"] = req.Phase
	body["system"] = req.System
	body["prompt"] = req.Prompt
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			if err := t.sleep(ctx, t.backoff<<(attempt-1)); err != nil {
				return "", err
			}
		}
		resp, err := t.open(ctx, payload)
		if err != nil {
			lastErr = err
			var se *StatusError
			if errors.As(err, &se) && !se.retryable() {
				return "", err
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		defer resp.Body.Close()
		return parseSSE(ctx, resp.Body, onFragment)
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (t *SSETransport) open(ctx context.Context, payload []byte) (*http.Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func parseSSE(ctx context.Context, r io.Reader, onFragment func(string)) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sb strings.Builder
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return sb.String(), nil
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Malformed lines are skipped.
			continue
		}
		if ev.Error != "" {
			return "", fmt.Errorf("generation service: %s", ev.Error)
		}
		if ev.Content != "" {
			sb.WriteString(ev.Content)
			if onFragment != nil {
				onFragment(ev.Content)
			}
		}
		if ev.FullContent != "" {
			sb.Reset()
			sb.WriteString(ev.FullContent)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	// A stream that ends before [DONE] was cut off.
	return "", fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
