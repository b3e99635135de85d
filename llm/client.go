// Package llm provides a provider-agnostic chat-completion client with retry,
// fallback and pacing. Deployments and their fallback chains come from
// model.Registry.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/c360studio/repairplanner/model"
	"github.com/c360studio/repairplanner/retry"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Completer is implemented by anything that can answer a chat completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Observer receives one callback per HTTP attempt.
type Observer interface {
	ObserveCall(deployment string, d time.Duration, err error)
}

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig retry.Config
	limiter     *rate.Limiter
	observer    Observer
	logger      *slog.Logger
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Deployment names the primary deployment. Its fallback chain is taken
	// from the registry.
	Deployment string

	// Messages is the chat history to send.
	Messages []Message

	// Temperature controls randomness. nil uses the provider default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the deployment default.
	MaxTokens int

	// JSONMode asks the provider to constrain output to a JSON object where supported.
	JSONMode bool

	// Timeout bounds each attempt. An attempt that runs past it is retried
	// like any other transient failure. 0 leaves attempts bounded only by ctx.
	Timeout time.Duration
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// RequestID uniquely identifies this call for log correlation.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model reported by the provider.
	Model string

	// Deployment is the registry deployment that answered.
	Deployment string

	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Attempts counts HTTP attempts across all deployments tried.
	Attempts int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg retry.Config) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLimiter paces every HTTP attempt through l.
func WithLimiter(l *rate.Limiter) ClientOption {
	return func(client *Client) {
		client.limiter = l
	}
}

// WithObserver reports per-attempt outcomes to o.
func WithObserver(o Observer) ClientOption {
	return func(client *Client) {
		client.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// NewClient creates a new LLM client with the given deployment registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: retry.DefaultConfig(),
		httpClient: &http.Client{
			Timeout:   180 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, handling retry and fallback logic.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Deployment == "" {
		return nil, NewFatalError(errors.New("deployment is required"))
	}
	if len(req.Messages) == 0 {
		return nil, NewFatalError(errors.New("at least one message is required"))
	}

	requestID := uuid.New().String()
	chain := c.registry.AvailableChain(req.Deployment)

	var lastErr error
	attempts := 0

	for _, name := range chain {
		dep := c.registry.GetDeployment(name)
		if dep == nil {
			c.logger.Debug("No deployment configured, skipping", "deployment", name)
			continue
		}

		resp, n, err := c.tryDeployment(ctx, name, dep, req)
		attempts += n

		if err == nil {
			resp.RequestID = requestID
			resp.Deployment = name
			resp.Attempts = attempts
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, NewFatalError(fmt.Errorf("request %s cancelled: %w", requestID, ctx.Err()))
		}

		if IsFatal(err) {
			c.logger.Warn("Fatal error, not trying fallbacks",
				"request_id", requestID,
				"deployment", name,
				"error", err)
			return nil, err
		}

		c.logger.Warn("Deployment failed, trying fallback",
			"request_id", requestID,
			"deployment", name,
			"provider", dep.Provider,
			"error", err)
	}

	if lastErr == nil {
		return nil, NewFatalError(fmt.Errorf("no deployment configured for %s", req.Deployment))
	}
	return nil, NewTransientError(fmt.Errorf("all deployments failed for %s: %w", req.Deployment, lastErr))
}

// tryDeployment attempts a request with retry logic and returns the attempt count.
func (c *Client) tryDeployment(ctx context.Context, name string, dep *model.DeploymentConfig, req Request) (*Response, int, error) {
	var lastErr error
	maxAttempts := c.retryConfig.Attempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, attempt - 1, NewFatalError(fmt.Errorf("rate limiter: %w", err))
			}
		}

		started := time.Now()
		attemptCtx, cancel := AttemptContext(ctx, req.Timeout)
		resp, err := c.doRequest(attemptCtx, dep, req)
		err = ClassifyAttempt(ctx, attemptCtx, err)
		cancel()
		if c.observer != nil {
			c.observer.ObserveCall(name, time.Since(started), err)
		}
		if err == nil {
			c.registry.MarkSuccess(name)
			return resp, attempt, nil
		}

		lastErr = err

		// Fatal errors don't count against deployment health.
		if IsFatal(err) {
			return nil, attempt, err
		}

		if attempt < maxAttempts {
			backoff := c.retryConfig.Backoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"deployment", name,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff", backoff,
				"error", err)

			if err := retry.Sleep(ctx, backoff); err != nil {
				return nil, attempt, err
			}
		}
	}

	c.registry.MarkFailure(name)
	return nil, maxAttempts, lastErr
}

// doRequest executes a single HTTP request to the deployment.
func (c *Client) doRequest(ctx context.Context, dep *model.DeploymentConfig, req Request) (*Response, error) {
	provider := GetProvider(dep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", dep.Provider))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = dep.MaxTokens
	}

	url := provider.BuildURL(dep.URL, dep.Model)
	body, err := provider.BuildRequestBody(dep.Model, req.Messages, req.Temperature, maxTokens, req.JSONMode)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", dep.Provider,
		"model", dep.Model,
		"url", url,
		"messages", len(req.Messages),
		"json_mode", req.JSONMode)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, dep.Model)
	if err != nil {
		// Unparseable bodies are retried.
		return nil, NewTransientError(err)
	}
	return resp, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		// 400, 401, 403, 404 and anything unexpected.
		return NewFatalError(err)
	}
}
