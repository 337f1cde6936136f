package provider

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder generates vector embeddings for text, used by the memory
// orchestrator's canonical adapter for deduplication and semantic context
// retrieval. Embedders are not resolved through the Registry: an
// EmbedderFactory is called directly with a Credential, and no BYOK
// credential lookup takes place.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbeddingClient captures the subset of the go-openai client used by
// OpenAIEmbedder, satisfied by *openai.Client or a test fake.
type OpenAIEmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder implements Embedder against the OpenAI embeddings
// endpoint. Anthropic and Bedrock adapters do not implement Embedder:
// Anthropic has no embeddings endpoint, and the Bedrock Titan embedding
// model uses a distinct invocation shape this adapter does not cover.
type OpenAIEmbedder struct {
	client OpenAIEmbeddingClient
	model  string
}

// NewOpenAIEmbedder builds an OpenAIEmbedder from an explicit embeddings
// client and the embedding model to request (e.g. "text-embedding-3-small").
func NewOpenAIEmbedder(client OpenAIEmbeddingClient, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{client: client, model: model}
}

// Embed returns one embedding vector per input text, in the same order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("provider: embed: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// EmbedderFactory builds an Embedder for a resolved Credential, mirroring
// Factory's role for model.Client.
type EmbedderFactory func(cred Credential) (Embedder, error)

// NewOpenAIEmbedderFactory returns an EmbedderFactory that builds an
// OpenAIEmbedder from a resolved Credential.
func NewOpenAIEmbedderFactory(model string) EmbedderFactory {
	return func(cred Credential) (Embedder, error) {
		if cred.APIKey == "" {
			return nil, errors.New("provider: openai credential has no API key")
		}
		return NewOpenAIEmbedder(openai.NewClient(cred.APIKey), model), nil
	}
}
