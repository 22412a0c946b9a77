// Package gemini implements pixelflow.Generator on top of the Gemini image
// models through google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meikuraledutech/pixelflow"
	"google.golang.org/genai"
)

const (
	DefaultFlashModel     = "gemini-2.5-flash-image"
	DefaultProModel       = "gemini-3-pro-image-preview"
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = time.Second
)

// placeholderKeys are shipped sample credentials that can never generate.
var placeholderKeys = map[string]bool{
	"":                    true,
	"PLACEHOLDER_API_KEY": true,
	"demo":                true,
	"your-api-key":        true,
}

// IsPlaceholderKey reports whether key is a known non-functional sample key.
func IsPlaceholderKey(key string) bool {
	return placeholderKeys[strings.TrimSpace(key)]
}

type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	FlashModel     string        `mapstructure:"flash_model"`
	ProModel       string        `mapstructure:"pro_model"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

func (c Config) withDefaults() Config {
	if c.FlashModel == "" {
		c.FlashModel = DefaultFlashModel
	}
	if c.ProModel == "" {
		c.ProModel = DefaultProModel
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	return c
}

// KeySource yields a user-supplied API key, "" when the user has none.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// ContentGenerator is the part of the genai client the Client uses.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Factory builds a ContentGenerator for an API key.
type Factory func(ctx context.Context, apiKey string) (ContentGenerator, error)

// GenAIFactory creates real Gemini API clients.
func GenAIFactory(ctx context.Context, apiKey string) (ContentGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return client.Models, nil
}

// Client generates images with Gemini. The user's own key, when set, takes
// precedence over the configured key.
type Client struct {
	cfg     Config
	keys    KeySource
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]ContentGenerator
}

type Option func(*Client)

// WithKeySource sets where the user-supplied key is read from.
func WithKeySource(ks KeySource) Option {
	return func(c *Client) { c.keys = ks }
}

// WithFactory replaces the genai client constructor.
func WithFactory(f Factory) Option {
	return func(c *Client) { c.factory = f }
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg.withDefaults(),
		factory: GenAIFactory,
		logger:  logger.With("component", "gemini"),
		clients: make(map[string]ContentGenerator),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ModelName maps a model tier to the configured Gemini model id.
func (c *Client) ModelName(m pixelflow.Model) string {
	if m == pixelflow.ModelPro {
		return c.cfg.ProModel
	}
	return c.cfg.FlashModel
}

func (c *Client) apiKey(ctx context.Context) (string, error) {
	if c.keys != nil {
		key, err := c.keys.APIKey(ctx)
		if err != nil {
			return "", err
		}
		if key = strings.TrimSpace(key); key != "" {
			return key, nil
		}
	}
	return strings.TrimSpace(c.cfg.APIKey), nil
}

func (c *Client) generator(ctx context.Context, key string) (ContentGenerator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.clients[key]; ok {
		return g, nil
	}
	g, err := c.factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.clients[key] = g
	return g, nil
}

// Generate sends the prompt and reference images to the model for
// req.Model and returns the first image (as a data URL) or, failing that,
// the text of the answer. Every failed call, safety blocks included, is
// retried with exponential backoff.
func (c *Client) Generate(ctx context.Context, req pixelflow.GenerateRequest) (pixelflow.GenerateResult, error) {
	key, err := c.apiKey(ctx)
	if err != nil {
		return pixelflow.GenerateResult{}, fmt.Errorf("gemini: read api key: %w", err)
	}
	if IsPlaceholderKey(key) {
		return pixelflow.GenerateResult{}, pixelflow.ErrDemoCredential
	}
	gen, err := c.generator(ctx, key)
	if err != nil {
		return pixelflow.GenerateResult{}, err
	}

	contents, err := buildContents(req)
	if err != nil {
		return pixelflow.GenerateResult{}, err
	}
	model := c.ModelName(req.Model)
	config := c.buildConfig(req)

	var result pixelflow.GenerateResult
	attempt := 0
	op := func() error {
		attempt++
		resp, err := gen.GenerateContent(ctx, model, contents, config)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result, err = parseResponse(resp)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("generation attempt failed", "model", model, "attempt", attempt, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, c.retryPolicy(ctx), notify); err != nil {
		return pixelflow.GenerateResult{}, fmt.Errorf("gemini: generate with %s: %w", model, err)
	}
	return result, nil
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.cfg.InitialBackoff << uint(c.cfg.MaxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
}

func (c *Client) buildConfig(req pixelflow.GenerateRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	}
	img := &genai.ImageConfig{AspectRatio: req.AspectRatio}
	if req.Model == pixelflow.ModelPro && req.Resolution != "" {
		img.ImageSize = req.Resolution
	}
	if img.AspectRatio != "" || img.ImageSize != "" {
		cfg.ImageConfig = img
	}
	return cfg
}

func buildContents(req pixelflow.GenerateRequest) ([]*genai.Content, error) {
	parts := []*genai.Part{{Text: req.Prompt}}
	for i, img := range req.Images {
		mime, data, err := DecodeImage(img)
		if err != nil {
			return nil, fmt.Errorf("gemini: reference image %d: %w", i, err)
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: data}})
	}
	return []*genai.Content{{Role: genai.RoleUser, Parts: parts}}, nil
}

var errEmptyResponse = errors.New("gemini: response contained neither an image nor text")

func parseResponse(resp *genai.GenerateContentResponse) (pixelflow.GenerateResult, error) {
	if resp == nil {
		return pixelflow.GenerateResult{}, errEmptyResponse
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return pixelflow.GenerateResult{}, fmt.Errorf("gemini: prompt blocked: %s", fb.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return pixelflow.GenerateResult{}, errEmptyResponse
	}
	cand := resp.Candidates[0]

	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil {
			continue
		}
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return pixelflow.GenerateResult{Image: EncodeImage(part.InlineData.MIMEType, part.InlineData.Data)}, nil
		}
		text.WriteString(part.Text)
	}
	if text.Len() > 0 {
		return pixelflow.GenerateResult{Text: text.String()}, nil
	}
	if cand.FinishReason == genai.FinishReasonSafety {
		return pixelflow.GenerateResult{}, fmt.Errorf("gemini: response blocked: %s", cand.FinishReason)
	}
	return pixelflow.GenerateResult{}, errEmptyResponse
}
