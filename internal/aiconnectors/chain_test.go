package aiconnectors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatkeeper/internal/config"
	"github.com/chatkeeper/pkg/models"
)

type fakeGenerator struct {
	name    string
	text    string
	image   *models.Image
	err     error
	calls   int
	prompts []string
}

func (f *fakeGenerator) Name() string { return f.name }

func (f *fakeGenerator) GenerateText(ctx context.Context, prompt string, history []models.Turn) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	return f.text, f.err
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, prompt string) (*models.Image, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	return f.image, f.err
}

func TestChainText_PrimarySucceeds(t *testing.T) {
	primary := &fakeGenerator{name: "a", text: "from a"}
	secondary := &fakeGenerator{name: "b", text: "from b"}

	out, err := NewChain(primary, secondary).GenerateText(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "from a", out)
	assert.Equal(t, 0, secondary.calls)
}

func TestChainText_FallsBackInOrder(t *testing.T) {
	primary := &fakeGenerator{name: "a", err: errors.New("503")}
	secondary := &fakeGenerator{name: "b", text: ""}
	tertiary := &fakeGenerator{name: "c", text: "from c"}

	out, err := NewChain(primary, secondary, tertiary).GenerateText(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "from c", out)
	assert.Equal(t, []string{"q"}, secondary.prompts)
}

func TestChainText_Exhausted(t *testing.T) {
	first := errors.New("first down")
	second := errors.New("second down")

	_, err := NewChain(
		&fakeGenerator{name: "a", err: first},
		&fakeGenerator{name: "b", err: second},
	).GenerateText(context.Background(), "q", nil)

	assert.ErrorIs(t, err, ErrProvidersExhausted)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}

func TestChain_Empty(t *testing.T) {
	_, err := NewChain().GenerateText(context.Background(), "q", nil)
	assert.ErrorIs(t, err, ErrProvidersExhausted)

	_, err = NewChain().GenerateImage(context.Background(), "q")
	assert.ErrorIs(t, err, ErrProvidersExhausted)
}

func TestChain_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := &fakeGenerator{name: "a", text: "never"}

	_, err := NewChain(g).GenerateText(ctx, "q", nil)
	assert.ErrorIs(t, err, ErrProvidersExhausted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, g.calls)
}

func TestChainImage_UnusablePayloadFallsBack(t *testing.T) {
	primary := &fakeGenerator{name: "a", image: &models.Image{Kind: models.ImageURL}}
	secondary := &fakeGenerator{name: "b", image: &models.Image{Kind: models.ImageBase64, Data: "AAAA"}}

	img, err := NewChain(primary, secondary).GenerateImage(context.Background(), "cat")
	require.NoError(t, err)
	assert.Equal(t, "AAAA", img.Data)
	assert.Equal(t, 1, primary.calls)
}

func TestChainImage_SkipsTextOnlyConnectors(t *testing.T) {
	textOnly := NewConnectorWithModel(&stubModel{reply: "x"}, ConnectorOptions{Name: "text"})
	imager := &fakeGenerator{name: "img", image: &models.Image{Kind: models.ImageURL, Data: "https://x/y.png"}}

	img, err := NewChain(textOnly, imager).GenerateImage(context.Background(), "cat")
	require.NoError(t, err)
	assert.Equal(t, models.ImageURL, img.Kind)
}

func TestChainImage_NilImageIsFailure(t *testing.T) {
	_, err := NewChain(&fakeGenerator{name: "a"}).GenerateImage(context.Background(), "cat")
	assert.ErrorIs(t, err, ErrProvidersExhausted)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestBuildChain_KeepsConfigOrder(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers = []config.ProviderConfig{
		{Name: "local", Kind: "ollama", Model: "llama3", BaseURL: "http://localhost:11434"},
		{Name: "cloud", Kind: "openai", APIKey: "sk-test", Model: "gpt-4o-mini", ImageModel: "dall-e-3"},
	}

	chain, err := BuildChain(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "cloud"}, chain.Names())
}

func TestBuildChain_RejectsUnknownKind(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers = []config.ProviderConfig{{Name: "x", Kind: "mystery"}}

	_, err := BuildChain(context.Background(), cfg)
	assert.Error(t, err)
}
