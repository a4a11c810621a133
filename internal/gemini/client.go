// Package gemini implements gateway.Client on the Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"

	"google.golang.org/genai"

	"github.com/quorum-eval/assessor/internal/gateway"
)

// StaticModels is reported by ListModels when the API cannot be reached.
var StaticModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

// Config configures the client.
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls Gemini models through genai.
type Client struct {
	models *genai.Models
	logger *slog.Logger
}

// New creates a Gemini API client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Client{models: client.Models, logger: cfg.Logger}, nil
}

// Generate implements gateway.Client.
func (c *Client) Generate(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	config := &genai.GenerateContentConfig{}
	if req.StructuredOutput {
		config.ResponseMIMEType = "application/json"
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}

	resp, err := c.models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	out := &gateway.Response{Text: resp.Text()}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		reason := resp.Candidates[0].FinishReason
		out.FinishReason = string(reason)
		out.Truncated = reason == genai.FinishReasonMaxTokens
	}
	if out.Text == "" && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		out.FinishReason = string(resp.PromptFeedback.BlockReason)
	}
	return out, nil
}

// mapError wraps SDK failures in the gateway sentinels.
func mapError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Status == "RESOURCE_EXHAUSTED":
			return fmt.Errorf("%w: %s", gateway.ErrQuotaExhausted, apiErr.Message)
		case apiErr.Code >= 500, apiErr.Code == http.StatusRequestTimeout:
			return fmt.Errorf("%w: %d %s", gateway.ErrTransient, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("gemini: %d %s: %s", apiErr.Code, apiErr.Status, apiErr.Message)
	}
	if ctx.Err() != nil {
		// Parent cancellation is left for the gateway to detect; a local
		// deadline is a transient timeout.
		return fmt.Errorf("%w: %v", gateway.ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", gateway.ErrTransient, err)
	}
	return fmt.Errorf("gemini: %w", err)
}

// ListModels returns the names of models that can generate content. When
// the API cannot be reached StaticModels is returned alongside the error.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var names []string
	for m, err := range c.models.All(ctx) {
		if err != nil {
			c.logger.Warn("model listing failed, using static list", slog.String("error", err.Error()))
			return append([]string(nil), StaticModels...), fmt.Errorf("list models: %w", err)
		}
		if !supportsGenerate(m) {
			continue
		}
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	if len(names) == 0 {
		return append([]string(nil), StaticModels...), nil
	}
	sort.Strings(names)
	return names, nil
}

func supportsGenerate(m *genai.Model) bool {
	if len(m.SupportedActions) == 0 {
		return strings.Contains(m.Name, "gemini")
	}
	for _, a := range m.SupportedActions {
		if a == "generateContent" {
			return true
		}
	}
	return false
}
