package aiconnectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/chatkeeper/internal/config"
	"github.com/chatkeeper/pkg/models"
)

// Provider represents an AI provider type
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderCohere Provider = "cohere"
	ProviderOllama Provider = "ollama"
)

const defaultOllamaURL = "http://localhost:11434"

var (
	// ErrEmptyResponse is returned when a provider answers without usable content
	ErrEmptyResponse = errors.New("provider returned an empty response")
	// ErrRateLimited is returned when the local budget for a provider is spent
	ErrRateLimited = errors.New("provider rate limit reached")
	// ErrImagesUnsupported is returned by connectors without an image endpoint
	ErrImagesUnsupported = errors.New("provider does not generate images")
)

// ModelConfig contains the configuration for a specific model
type ModelConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// ConnectorOptions contains options for creating a connector
type ConnectorOptions struct {
	Name          string        `json:"name"`
	Provider      Provider      `json:"provider"`
	APIKey        string        `json:"api_key"`
	BaseURL       string        `json:"base_url,omitempty"`
	ModelConfig   ModelConfig   `json:"model_config,omitempty"`
	SystemPrompt  string        `json:"system_prompt,omitempty"`
	RatePerMinute int           `json:"rate_per_minute,omitempty"`
	Image         *ImageOptions `json:"image,omitempty"`
}

// Connector represents a connection to an AI provider
type Connector struct {
	name     string
	provider Provider
	llm      llms.Model
	images   *ImageClient
	limiter  *rate.Limiter
	options  ConnectorOptions
}

// NewConnector creates a new connector for the specified provider
func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("name", options.Name).
		Str("provider", string(options.Provider)).
		Str("model", options.ModelConfig.Model).
		Msg("Creating new connector")

	switch options.Provider {
	case ProviderOpenAI:
		model, err = createOpenAIModel(options)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, options)
	case ProviderClaude:
		model, err = createAnthropicModel(options)
	case ProviderCohere:
		model, err = createCohereModel(options)
	case ProviderOllama:
		model, err = createOllamaModel(options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return NewConnectorWithModel(model, options), nil
}

// NewConnectorWithModel wraps an already constructed model
func NewConnectorWithModel(model llms.Model, options ConnectorOptions) *Connector {
	name := options.Name
	if name == "" {
		name = string(options.Provider)
	}
	c := &Connector{
		name:     name,
		provider: options.Provider,
		llm:      model,
		options:  options,
	}
	if options.RatePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(options.RatePerMinute)), 1)
	}
	if options.Image != nil {
		c.images = NewImageClient(*options.Image)
	}
	return c
}

// FromConfig builds a connector from one configured provider entry
func FromConfig(ctx context.Context, pc config.ProviderConfig, systemPrompt string) (*Connector, error) {
	opts := ConnectorOptions{
		Name:     pc.Name,
		Provider: Provider(pc.Kind),
		APIKey:   pc.APIKey,
		BaseURL:  pc.BaseURL,
		ModelConfig: ModelConfig{
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
			Model:       pc.Model,
		},
		SystemPrompt:  systemPrompt,
		RatePerMinute: pc.RatePerMinute,
	}
	if pc.SupportsImages() {
		baseURL := pc.ImageBaseURL
		if baseURL == "" {
			baseURL = pc.BaseURL
		}
		opts.Image = &ImageOptions{
			BaseURL: baseURL,
			APIKey:  pc.APIKey,
			Model:   pc.ImageModel,
			Size:    pc.ImageSize,
		}
	}
	return NewConnector(ctx, opts)
}

// Helper functions to create models for specific providers

func createOpenAIModel(options ConnectorOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.ModelConfig.Model),
		openai.WithToken(options.APIKey),
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func createGeminiModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(options.APIKey),
	}
	if options.ModelConfig.Model != "" {
		opts = append(opts, googleai.WithDefaultModel(options.ModelConfig.Model))
	}

	model, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return model, nil
}

func createAnthropicModel(options ConnectorOptions) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(options.APIKey),
		anthropic.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(options.BaseURL))
	}
	return anthropic.New(opts...)
}

func createCohereModel(options ConnectorOptions) (llms.Model, error) {
	opts := []cohere.Option{
		cohere.WithToken(options.APIKey),
		cohere.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, cohere.WithBaseURL(options.BaseURL))
	}
	return cohere.New(opts...)
}

func createOllamaModel(options ConnectorOptions) (llms.Model, error) {
	if options.BaseURL == "" {
		options.BaseURL = defaultOllamaURL
	}
	// Ollama takes temperature and token limits per call, see GenerateText
	return ollama.New(
		ollama.WithServerURL(options.BaseURL),
		ollama.WithModel(options.ModelConfig.Model),
	)
}

// GenerateText sends the prompt with the prior turns and the system prompt as context
func (c *Connector) GenerateText(ctx context.Context, prompt string, history []models.Turn) (string, error) {
	if err := c.allow(); err != nil {
		return "", err
	}

	messages := make([]llms.MessageContent, 0, len(history)+2)
	if c.options.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, c.options.SystemPrompt))
	}
	for _, turn := range history {
		switch turn.Role {
		case models.RoleUser:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, turn.Content))
		case models.RoleAssistant:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, turn.Content))
		}
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	callOptions := []llms.CallOption{
		llms.WithTemperature(c.options.ModelConfig.Temperature),
	}
	if c.options.ModelConfig.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(c.options.ModelConfig.MaxTokens))
	}
	if c.provider == ProviderGemini && c.options.ModelConfig.Model != "" {
		callOptions = append(callOptions, llms.WithModel(c.options.ModelConfig.Model))
	}

	log.Debug().
		Str("connector", c.name).
		Int("turns", len(history)).
		Msg("Requesting text completion")

	resp, err := c.llm.GenerateContent(ctx, messages, callOptions...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.name, err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", fmt.Errorf("%s: %w", c.name, ErrEmptyResponse)
	}
	return resp.Choices[0].Content, nil
}

// GenerateImage asks the connector's image endpoint for one picture
func (c *Connector) GenerateImage(ctx context.Context, prompt string) (*models.Image, error) {
	if c.images == nil {
		return nil, fmt.Errorf("%s: %w", c.name, ErrImagesUnsupported)
	}
	if err := c.allow(); err != nil {
		return nil, err
	}
	img, err := c.images.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return img, nil
}

func (c *Connector) allow() error {
	if c.limiter != nil && !c.limiter.Allow() {
		return fmt.Errorf("%s: %w", c.name, ErrRateLimited)
	}
	return nil
}

// Name returns the configured name of this connector
func (c *Connector) Name() string {
	return c.name
}

// GetProvider returns the provider of this connector
func (c *Connector) GetProvider() Provider {
	return c.provider
}

// GetModel returns the model name from the config
func (c *Connector) GetModel() string {
	return c.options.ModelConfig.Model
}

// SupportsImages reports whether GenerateImage can succeed at all
func (c *Connector) SupportsImages() bool {
	return c.images != nil
}
