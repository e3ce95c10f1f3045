package aiconnectors

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/chatkeeper/internal/config"
	"github.com/chatkeeper/internal/metrics"
	"github.com/chatkeeper/pkg/models"
)

// ErrProvidersExhausted is returned when every provider in a chain failed
var ErrProvidersExhausted = errors.New("all providers failed")

// Generator is a single completion provider
type Generator interface {
	Name() string
	GenerateText(ctx context.Context, prompt string, history []models.Turn) (string, error)
	GenerateImage(ctx context.Context, prompt string) (*models.Image, error)
}

// Chain tries its generators in order and returns the first success
type Chain struct {
	generators []Generator
}

// NewChain creates a chain. Order is priority.
func NewChain(generators ...Generator) *Chain {
	return &Chain{generators: generators}
}

// BuildChain creates one connector per configured provider, in config order
func BuildChain(ctx context.Context, cfg *config.Config) (*Chain, error) {
	generators := make([]Generator, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		conn, err := FromConfig(ctx, pc, cfg.General.SystemPrompt)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		generators = append(generators, conn)
	}
	return NewChain(generators...), nil
}

// Names lists the generators in the order they are tried
func (c *Chain) Names() []string {
	names := make([]string, len(c.generators))
	for i, g := range c.generators {
		names[i] = g.Name()
	}
	return names
}

// GenerateText returns the first non-empty reply. When every provider fails the
// error wraps ErrProvidersExhausted and joins the individual causes.
func (c *Chain) GenerateText(ctx context.Context, prompt string, history []models.Turn) (string, error) {
	var errs []error
	for i, g := range c.generators {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if i > 0 {
			metrics.ProviderFallbacks.WithLabelValues("text").Inc()
		}

		text, err := g.GenerateText(ctx, prompt, history)
		if err == nil && text == "" {
			err = fmt.Errorf("%s: %w", g.Name(), ErrEmptyResponse)
		}
		if err != nil {
			metrics.ProviderRequests.WithLabelValues(g.Name(), "text", "error").Inc()
			log.Warn().Err(err).Str("provider", g.Name()).Msg("Text provider failed, trying next")
			errs = append(errs, err)
			continue
		}

		metrics.ProviderRequests.WithLabelValues(g.Name(), "text", "ok").Inc()
		return text, nil
	}
	metrics.ProvidersExhausted.WithLabelValues("text").Inc()
	return "", exhausted(errs)
}

// GenerateImage returns the first usable image. Generators without an image
// endpoint are skipped.
func (c *Chain) GenerateImage(ctx context.Context, prompt string) (*models.Image, error) {
	var errs []error
	attempted := 0
	for _, g := range c.generators {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		if attempted > 0 {
			metrics.ProviderFallbacks.WithLabelValues("image").Inc()
		}
		img, err := g.GenerateImage(ctx, prompt)
		if errors.Is(err, ErrImagesUnsupported) {
			errs = append(errs, err)
			continue
		}
		attempted++
		if err == nil && !img.Usable() {
			err = fmt.Errorf("%s: %w", g.Name(), ErrEmptyResponse)
		}
		if err != nil {
			metrics.ProviderRequests.WithLabelValues(g.Name(), "image", "error").Inc()
			log.Warn().Err(err).Str("provider", g.Name()).Msg("Image provider failed, trying next")
			errs = append(errs, err)
			continue
		}

		metrics.ProviderRequests.WithLabelValues(g.Name(), "image", "ok").Inc()
		return img, nil
	}
	metrics.ProvidersExhausted.WithLabelValues("image").Inc()
	return nil, exhausted(errs)
}

func exhausted(errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("%w: no providers configured", ErrProvidersExhausted)
	}
	return fmt.Errorf("%w: %w", ErrProvidersExhausted, errors.Join(errs...))
}
