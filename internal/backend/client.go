package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/errors"
)

// Backoff bounds for transient-error retries.
const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
)

// client is the shared HTTP plumbing for both adapters: a counting
// semaphore bounds in-flight requests per backend instance, and every
// call goes through the retry loop in doJSON.
type client struct {
	name       string
	baseURL    string
	http       *http.Client
	sem        *semaphore.Weighted
	maxRetries int
	timeout    time.Duration
	headers    map[string]string
	logger     *slog.Logger
}

func newClient(name string, cfg config.BackendConfig, logger *slog.Logger) *client {
	concurrency := cfg.ConcurrentRequests
	if concurrency < 1 {
		concurrency = 1
	}
	return &client{
		name:       name,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		http:       &http.Client{},
		sem:        semaphore.NewWeighted(int64(concurrency)),
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
}

// doJSON performs a JSON round trip with concurrency capping and retry.
// Retries fire on timeout, connection, 429 and 5xx errors; other 4xx
// errors surface immediately. A 429 honors the server's Retry-After.
// timeoutOverride > 0 replaces the backend's default per-call timeout.
func (c *client) doJSON(ctx context.Context, op, method, path string, timeoutOverride time.Duration, reqBody, respDest any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errors.ErrCanceled("acquire backend slot").WithBackend(c.name, op)
	}
	defer c.sem.Release(1)

	timeout := c.timeout
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}

	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			if ra := errors.RetryAfter(lastErr); ra > 0 {
				delay = ra
			}
			c.logger.Debug("retrying backend call",
				"backend", c.name, "op", op, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return errors.ErrCanceled(op).WithBackend(c.name, op)
			case <-time.After(delay):
			}
		}

		err := c.once(ctx, method, path, timeout, reqBody, respDest)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Retryable(err) {
			break
		}
	}

	if e := errors.AsError(lastErr); e != nil {
		return e.WithBackend(c.name, op)
	}
	return errors.ErrGeneric("backend call failed", lastErr).WithBackend(c.name, op)
}

// once performs a single HTTP attempt.
func (c *client) once(ctx context.Context, method, path string, timeout time.Duration, reqBody, respDest any) error {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return errors.ErrValidation(fmt.Sprintf("encode request: %v", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, body)
	if err != nil {
		return errors.ErrValidation(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return errors.ErrTimeout(err)
		}
		if ctx.Err() == context.Canceled {
			return errors.ErrCanceled("request canceled")
		}
		return errors.ErrConnection(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.ErrConnection(err)
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp, data)
	}

	if respDest != nil {
		if err := json.Unmarshal(data, respDest); err != nil {
			return errors.ErrGeneric("decode response", err)
		}
	}
	return nil
}

// classifyStatus maps an HTTP error response onto the error taxonomy.
func classifyStatus(resp *http.Response, body []byte) error {
	msg := errorMessage(body)
	cause := fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.ErrAuth(cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.ErrRateLimit(parseRetryAfter(resp.Header.Get("Retry-After")), cause)
	case resp.StatusCode == http.StatusNotFound && strings.Contains(strings.ToLower(msg), "model"):
		return errors.ErrModel(msg, cause)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		if strings.Contains(strings.ToLower(msg), "model") {
			return errors.ErrModel(msg, cause)
		}
		return errors.ErrValidation(msg)
	default:
		return errors.ErrGeneric(fmt.Sprintf("server error (HTTP %d)", resp.StatusCode), cause)
	}
}

// errorMessage pulls the human-readable message out of an error body.
// Ollama uses {"error": "..."}, OpenAI uses {"error": {"message": "..."}}.
func errorMessage(body []byte) string {
	var ollamaShape struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &ollamaShape); err == nil && ollamaShape.Error != "" {
		return ollamaShape.Error
	}
	var openaiShape struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &openaiShape); err == nil && openaiShape.Error.Message != "" {
		return openaiShape.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

// validateEmbedInput rejects empty or whitespace-only input before any
// network call is made.
func validateEmbedInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.ErrValidation("embedding input is empty")
	}
	return nil
}

// checkEmbedLength enforces the minimum embedding vector length.
func checkEmbedLength(vec []float64, minLen int, model string) error {
	if len(vec) < minLen {
		return errors.ErrModel(model,
			fmt.Errorf("embedding vector has %d dims, minimum is %d", len(vec), minLen))
	}
	return nil
}
