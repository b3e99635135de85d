// Package gemini implements llm.Completer on Google's Gemini API through the
// genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/c360studio/repairplanner/llm"
	"github.com/c360studio/repairplanner/retry"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Config configures a Gemini client.
type Config struct {
	APIKey string
	// Model is the Gemini model name.
	Model string
	// BaseURL overrides the API endpoint (empty = Google default).
	BaseURL string
}

// Client answers chat completions with Gemini.
type Client struct {
	client   *genai.Client
	model    string
	retry    retry.Config
	limiter  *rate.Limiter
	observer llm.Observer
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithLimiter paces every attempt through l.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithObserver reports per-attempt outcomes to o.
func WithObserver(o llm.Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Gemini client.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	c := &Client{
		client: gc,
		model:  cfg.Model,
		retry:  retry.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete implements llm.Completer. req.Deployment is reported back but the
// configured model is always used.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, llm.NewFatalError(errors.New("at least one message is required"))
	}

	contents, config := buildRequest(req)
	requestID := uuid.New().String()

	var resp *genai.GenerateContentResponse
	attempts, err := retry.Do(ctx, c.retry, llm.IsTransient, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return llm.NewFatalError(fmt.Errorf("rate limiter: %w", err))
			}
		}

		started := time.Now()
		attemptCtx, cancel := llm.AttemptContext(ctx, req.Timeout)
		r, err := c.client.Models.GenerateContent(attemptCtx, c.model, contents, config)
		err = classify(ctx, attemptCtx, err)
		cancel()
		if c.observer != nil {
			c.observer.ObserveCall(req.Deployment, time.Since(started), err)
		}
		if err != nil {
			c.logger.Debug("Gemini request failed", "request_id", requestID, "model", c.model, "error", err)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return toResponse(resp, requestID, req.Deployment, c.model, attempts), nil
}

// buildRequest maps chat messages onto Gemini contents. System messages
// become the system instruction; assistant turns use the model role.
func buildRequest(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	config := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSONMode {
		config.ResponseMIMEType = "application/json"
	}
	return contents, config
}

func toResponse(resp *genai.GenerateContentResponse, requestID, deployment, model string, attempts int) *llm.Response {
	out := &llm.Response{
		RequestID:  requestID,
		Content:    resp.Text(),
		Model:      model,
		Deployment: deployment,
		Attempts:   attempts,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out
}

// classify wraps SDK errors as transient or fatal.
func classify(ctx, attemptCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return llm.NewFatalError(fmt.Errorf("gemini request: %w", err))
	}
	if attemptCtx.Err() != nil {
		return llm.ClassifyAttempt(ctx, attemptCtx, err)
	}

	if code, ok := apiErrorCode(err); ok {
		if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
			return llm.NewTransientError(fmt.Errorf("gemini API error (status %d): %w", code, err))
		}
		return llm.NewFatalError(fmt.Errorf("gemini API error (status %d): %w", code, err))
	}

	// Network failures.
	return llm.NewTransientError(fmt.Errorf("gemini request: %w", err))
}

func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code, true
	}
	return 0, false
}
