package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// ErrorKind classifies backend failures for callers. The gateway never
// retries; the kind tells the caller whether a retry could help.
type ErrorKind string

const (
	// KindUnavailable means the backend failed transiently; retryable.
	KindUnavailable ErrorKind = "unavailable"
	// KindInvalidRequest means the prompt or model id was rejected; not
	// retryable for the same input.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindTimeout means the call exceeded its deadline; retryable with
	// backoff.
	KindTimeout ErrorKind = "timeout"
)

// GatewayError wraps a backend failure with its normalized kind.
type GatewayError struct {
	Kind ErrorKind
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("model gateway: %s: %v", e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsKind reports whether err is a GatewayError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == kind
}

// DefaultModels maps short model names to backend model identifiers.
var DefaultModels = map[string]string{
	"claude-3.5-sonnet": "anthropic/claude-3.5-sonnet",
	"claude-3-opus":     "anthropic/claude-3-opus",
	"claude-3-haiku":    "anthropic/claude-3-haiku",
	"gpt-4o":            "openai/gpt-4o",
	"gpt-4o-mini":       "openai/gpt-4o-mini",
}

// DefaultModel is used when a caller does not name a model.
const DefaultModel = "claude-3.5-sonnet"

// estimatedCharsPerToken is the conservative ratio used to bound prompt
// size before calling out.
const estimatedCharsPerToken = 3

// contextWindowTokens approximates the smallest context window among the
// supported backends; prompts estimated above it are rejected locally
// instead of burning a backend call that would fail.
const contextWindowTokens = 8000

// Gateway fronts a single configured backend, enforces the token ceiling
// and request timeout, and normalizes errors. Retry policy belongs to the
// caller.
type Gateway struct {
	protocol    Protocol
	models      map[string]string
	maxTokens   int
	timeout     time.Duration
	temperature float64
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Models      map[string]string
	MaxTokens   int
	Timeout     time.Duration
	Temperature float64
}

// DefaultGatewayConfig returns the generation limits used in production.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Models:      DefaultModels,
		MaxTokens:   2000,
		Timeout:     30 * time.Second,
		Temperature: 0.1,
	}
}

// NewGateway creates a Gateway over the given backend protocol.
func NewGateway(protocol Protocol, cfg GatewayConfig) *Gateway {
	if cfg.Models == nil {
		cfg.Models = DefaultModels
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Gateway{
		protocol:    protocol,
		models:      cfg.Models,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
	}
}

// SupportedModels returns the short names of configured models, sorted.
func (g *Gateway) SupportedModels() []string {
	names := make([]string, 0, len(g.models))
	for name := range g.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate sends one prompt to the backend and returns the raw completion
// text. maxTokens above the gateway ceiling, unknown model ids, and
// oversized prompts are rejected before any network call.
func (g *Gateway) Generate(ctx context.Context, promptText, modelID string, maxTokens int) (string, error) {
	if modelID == "" {
		modelID = DefaultModel
	}
	backendModel, ok := g.models[modelID]
	if !ok {
		return "", &GatewayError{Kind: KindInvalidRequest, Err: fmt.Errorf("unsupported model %q", modelID)}
	}
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	if maxTokens > g.maxTokens {
		return "", &GatewayError{Kind: KindInvalidRequest, Err: fmt.Errorf("max tokens %d exceeds ceiling %d", maxTokens, g.maxTokens)}
	}
	if len(promptText) == 0 {
		return "", &GatewayError{Kind: KindInvalidRequest, Err: errors.New("empty prompt")}
	}
	if len(promptText)/estimatedCharsPerToken > contextWindowTokens {
		return "", &GatewayError{Kind: KindInvalidRequest, Err: fmt.Errorf("prompt too large (%d bytes)", len(promptText))}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.protocol.CreateChatCompletion(ctx, &ChatCompletionRequest{
		Model: backendModel,
		Messages: []ChatMessage{
			{Role: "user", Content: promptText},
		},
		Temperature: g.temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", normalizeError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", &GatewayError{Kind: KindUnavailable, Err: errors.New("backend returned empty completion")}
	}

	return resp.Choices[0].Message.Content, nil
}

// normalizeError maps heterogeneous backend failures onto the three error
// kinds callers branch on.
func normalizeError(err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.status == http.StatusBadRequest,
			statusErr.status == http.StatusNotFound,
			statusErr.status == http.StatusUnauthorized,
			statusErr.status == http.StatusForbidden,
			statusErr.status == http.StatusUnprocessableEntity:
			return &GatewayError{Kind: KindInvalidRequest, Err: err}
		case statusErr.status == http.StatusRequestTimeout,
			statusErr.status == http.StatusGatewayTimeout:
			return &GatewayError{Kind: KindTimeout, Err: err}
		default:
			return &GatewayError{Kind: KindUnavailable, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{Kind: KindTimeout, Err: err}
	}
	return &GatewayError{Kind: KindUnavailable, Err: err}
}
