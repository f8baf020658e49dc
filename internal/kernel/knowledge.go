package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aixgo-dev/convergence/pkg/embeddings"
	"github.com/aixgo-dev/convergence/pkg/vectorstore"
	"github.com/google/uuid"
)

// Knowledge answers similarity queries over an embedded document store.
type Knowledge struct {
	embedder embeddings.EmbeddingService
	store    vectorstore.VectorStore
	topK     int
	minScore float32
}

// NewKnowledge binds an embedding service to a store. topK is the default
// result count when a search passes zero.
func NewKnowledge(embedder embeddings.EmbeddingService, store vectorstore.VectorStore, topK int, minScore float64) *Knowledge {
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}
	return &Knowledge{embedder: embedder, store: store, topK: topK, minScore: float32(minScore)}
}

// Search embeds query and returns the closest documents.
func (k *Knowledge) Search(ctx context.Context, query string, topK int) ([]vectorstore.SearchResult, error) {
	if topK <= 0 {
		topK = k.topK
	}
	vec, err := k.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return k.store.Search(ctx, vectorstore.SearchQuery{Embedding: vec, TopK: topK, MinScore: k.minScore})
}

// Add embeds and stores texts, returning the generated document IDs.
func (k *Knowledge) Add(ctx context.Context, texts []string, metadata map[string]any) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := k.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed documents: %w", err)
	}

	now := time.Now()
	docs := make([]vectorstore.Document, len(texts))
	ids := make([]string, len(texts))
	for i, text := range texts {
		ids[i] = uuid.New().String()
		docs[i] = vectorstore.Document{
			ID:        ids[i],
			Content:   text,
			Embedding: vecs[i],
			Metadata:  metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if err := k.store.Upsert(ctx, docs); err != nil {
		return nil, err
	}
	return ids, nil
}

// Context renders the top matches for query as a system prompt, or "" when
// nothing matches.
func (k *Knowledge) Context(ctx context.Context, query string) (string, error) {
	results, err := k.Search(ctx, query, 0)
	if err != nil || len(results) == 0 {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Use the following context to answer:\n")
	for _, r := range results {
		sb.WriteString("\n---\n")
		sb.WriteString(r.Document.Content)
	}
	return sb.String(), nil
}

// Close closes the embedding service and the store.
func (k *Knowledge) Close() error {
	embedErr := k.embedder.Close()
	if err := k.store.Close(); err != nil {
		return err
	}
	return embedErr
}
