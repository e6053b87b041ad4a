package assist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
)

// Messages returned instead of generated code.
const (
	ErrMissingKey   = "Error: Gemini API key is not configured on the server."
	ErrEmptyPrompt  = "Error: Prompt cannot be empty."
	ErrEmptyCode    = "Error: Cannot optimize empty code."
	ErrInvalidKey   = "Error: Invalid or missing Gemini API Key configured on the server."
	ErrQuota        = "Error: API quota exceeded for the AI model."
	ErrTimedOut     = "Error: Request to AI model timed out."
	blockedTemplate = "Error: Code generation failed. The response was blocked (Reason: %s). Please modify your prompt or code."
)

const logPromptChars = 80

// Client asks an OpenAI-compatible model to write or optimize code. It holds
// no credentials: every call builds its own API client from the key it is
// given.
type Client struct {
	baseURL    string
	model      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxRetries sets how often a failed request is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// New creates a Client for the model at baseURL.
func New(baseURL, model string, timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		model:      model,
		timeout:    timeout,
		maxRetries: 2,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig creates a Client from the assist section of cfg.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) *Client {
	return New(cfg.Assist.BaseURL, cfg.Assist.Model, cfg.GetAssistTimeout(), logger)
}

// Generate writes code in lang for the task described by prompt.
func (c *Client) Generate(ctx context.Context, prompt, lang, apiKey string) string {
	if apiKey == "" {
		c.logger.Warn("generate called without API key")
		return ErrMissingKey
	}
	if prompt == "" {
		return ErrEmptyPrompt
	}

	full := fmt.Sprintf("Generate a code snippet in %s for the following task. "+
		"Provide only the raw code, without any introduction, explanation, or markdown formatting "+
		"unless the code itself requires comments.\n\nTask: %s", capitalize(lang), prompt)
	return c.complete(ctx, full, apiKey)
}

// Optimize asks for a faster version of code with the same behaviour.
func (c *Client) Optimize(ctx context.Context, code, lang, apiKey string) string {
	if apiKey == "" {
		c.logger.Warn("optimize called without API key")
		return ErrMissingKey
	}
	if code == "" {
		return ErrEmptyCode
	}

	full := fmt.Sprintf("Analyze the following %s code and provide an optimized version. "+
		"Focus on improving performance (speed) and potentially memory efficiency where applicable, "+
		"without changing the core functionality or output for standard inputs.\n\n"+
		"Provide *only* the optimized code, without any introduction, explanation of changes, or markdown formatting. "+
		"If the code is already reasonably optimized or cannot be significantly improved without changing functionality, "+
		"return the original code.\n%s\n", capitalize(lang), code)
	return c.complete(ctx, full, apiKey)
}

func (c *Client) complete(ctx context.Context, prompt, apiKey string) string {
	opts := []option.RequestOption{
		option.WithBaseURL(c.baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(c.maxRetries),
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	client := openai.NewClient(opts...)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Info("sending prompt to model", zap.String("model", c.model), zap.String("prompt", truncate(prompt, logPromptChars)))
	completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	})
	if err != nil {
		c.logger.Error("model request failed", zap.Error(err))
		return describeError(ctx, err)
	}

	if len(completion.Choices) == 0 {
		c.logger.Warn("model returned no choices")
		return fmt.Sprintf(blockedTemplate, "Unknown reason")
	}
	choice := completion.Choices[0]
	if choice.FinishReason == "content_filter" {
		c.logger.Warn("model response blocked", zap.String("finish_reason", string(choice.FinishReason)))
		return fmt.Sprintf(blockedTemplate, "content_filter")
	}

	c.logger.Info("received response from model")
	return stripFences(choice.Message.Content)
}

func describeError(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimedOut
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Error())
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized,
			apiErr.StatusCode == http.StatusForbidden,
			strings.Contains(msg, "api key not valid"):
			return ErrInvalidKey
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ErrQuota
		case apiErr.StatusCode == http.StatusBadRequest:
			return fmt.Sprintf("Error: Invalid argument sent to AI model (check prompt/config). Details: %v", err)
		}
	}

	return fmt.Sprintf("Error: Failed to communicate with the AI model. Details: %v", err)
}

// stripFences removes a markdown code fence wrapped around the whole text.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
