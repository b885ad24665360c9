package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Yapping72/r2d/internal/telemetry"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Endpoints of the remote job service.
const (
	EndpointSubmitJob  = "/jobs/submit"
	EndpointAbortJob   = "/jobs/abort"
	EndpointFetchJobs  = "/jobs/fetch"
	EndpointJobHistory = "/jobs/history"
	EndpointRefresh    = "/auth/refresh"
	EndpointLogin      = "/auth/login"
	EndpointRegister   = "/auth/register"
)

// TokenSource supplies the bearer token sent with each request.
// Implemented by auth.TokenStore.
type TokenSource interface {
	Token() (string, error)
}

// Response is the envelope every endpoint answers with.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Error is returned for non-2xx answers and for envelopes with success=false.
type Error struct {
	Status  int
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("remote error (HTTP %d): %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the remote service.
func IsUnauthorized(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Status == http.StatusUnauthorized
}

// Client talks to the remote job service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient creates a client for baseURL. tokens may be nil for
// unauthenticated use; a timeout <= 0 means 30s.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     slog.Default(),
	}
}

// Post sends payload as JSON to endpoint and decodes the response envelope.
// Rate-limited requests are retried with exponential backoff.
func (c *Client) Post(ctx context.Context, endpoint string, payload any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshaling request: %w", err)
	}

	start := time.Now()
	resp, err := c.postWithRetry(ctx, endpoint, body)
	telemetry.RemoteRequests.WithLabelValues(endpoint, telemetry.Outcome(err == nil)).Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Debug("remote request failed", "endpoint", endpoint, "error", err)
	}
	return resp, err
}

func (c *Client) postWithRetry(ctx context.Context, endpoint string, body []byte) (Response, error) {
	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.doPost(ctx, endpoint, body)
		if err == nil {
			return resp, nil
		}

		var re *Error
		if !errors.As(err, &re) || re.Status != http.StatusTooManyRequests {
			return Response{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return Response{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doPost(ctx context.Context, endpoint string, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if tok, err := c.tokens.Token(); err == nil && tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("executing request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return Response{}, fmt.Errorf("reading response: %w", err)
	}

	var resp Response
	decodeErr := json.Unmarshal(raw, &resp)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		e := &Error{Status: httpResp.StatusCode, Data: resp.Data, Message: resp.Message}
		if decodeErr != nil {
			e.Message = strings.TrimSpace(string(raw))
		}
		return Response{}, e
	}
	if decodeErr != nil {
		return Response{}, fmt.Errorf("decoding response: %w", decodeErr)
	}
	if !resp.Success {
		return Response{}, &Error{Status: httpResp.StatusCode, Message: resp.Message, Data: resp.Data}
	}
	return resp, nil
}
