package aiconnectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatkeeper/pkg/models"
)

const (
	defaultImageBaseURL = "https://api.openai.com/v1"
	defaultImageModel   = "dall-e-2"
	defaultImageSize    = "512x512"
)

// ImageOptions configures an OpenAI-compatible image generation endpoint
type ImageOptions struct {
	BaseURL string        `json:"base_url,omitempty"`
	APIKey  string        `json:"api_key"`
	Model   string        `json:"model,omitempty"`
	Size    string        `json:"size,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ImageClient calls POST {base}/images/generations
type ImageClient struct {
	opts   ImageOptions
	client *http.Client
}

type imageRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewImageClient creates an image client, filling in defaults
func NewImageClient(opts ImageOptions) *ImageClient {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultImageBaseURL
	}
	if opts.Model == "" {
		opts.Model = defaultImageModel
	}
	if opts.Size == "" {
		opts.Size = defaultImageSize
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	return &ImageClient{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Generate requests a single image. A reply with neither a URL nor inline data
// is reported as ErrEmptyResponse.
func (c *ImageClient) Generate(ctx context.Context, prompt string) (*models.Image, error) {
	body, err := json.Marshal(imageRequest{
		Model:  c.opts.Model,
		Prompt: prompt,
		N:      1,
		Size:   c.opts.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode image request: %w", err)
	}

	apiURL := strings.TrimSuffix(c.opts.BaseURL, "/") + "/images/generations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image request to %s failed: %w", c.opts.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("image API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse image response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, fmt.Errorf("image API error: %s", parsed.Error.Message)
	}

	log.Debug().
		Str("model", c.opts.Model).
		Int("results", len(parsed.Data)).
		Msg("Image response received")

	if len(parsed.Data) == 0 {
		return nil, ErrEmptyResponse
	}
	first := parsed.Data[0]
	switch {
	case first.URL != "":
		return &models.Image{Kind: models.ImageURL, Data: first.URL}, nil
	case first.B64JSON != "":
		return &models.Image{Kind: models.ImageBase64, Data: first.B64JSON}, nil
	}
	return nil, ErrEmptyResponse
}
