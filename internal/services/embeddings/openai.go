package embeddings

import (
	"context"
	"fmt"

	"github.com/Egham-7/adaptive-cache/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/openai/openai-go/v2"
	openaiOption "github.com/openai/openai-go/v2/option"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// Embedder generates a vector for a piece of text. Implementations must
// honor the caller's context deadline.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder generates embeddings through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder from the embeddings configuration.
func NewOpenAIEmbedder(cfg models.EmbeddingsConfig) (*OpenAIEmbedder, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, models.NewConfigurationError("OpenAI API key not set in embeddings configuration", nil)
	}

	model := cfg.Model
	if model == "" {
		model = defaultEmbeddingModel
	}

	client := openai.NewClient(openaiOption.WithAPIKey(cfg.OpenAIAPIKey))
	fiberlog.Debugf("OpenAIEmbedder: initialized with model=%s", model)

	return &OpenAIEmbedder{
		client: &client,
		model:  model,
	}, nil
}

// Embed generates the embedding for the given text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, models.NewValidationError("text cannot be empty", nil)
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, models.NewEmbeddingError(fmt.Sprintf("embedding generation failed for model %s", e.model), err)
	}
	if len(resp.Data) == 0 {
		return nil, models.NewEmbeddingError("embedding response contained no data", nil)
	}

	raw := resp.Data[0].Embedding
	embedding := make([]float32, len(raw))
	for i, v := range raw {
		embedding[i] = float32(v)
	}
	return embedding, nil
}
