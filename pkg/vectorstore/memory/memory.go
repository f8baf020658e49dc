// Package memory is an in-process vector store with brute-force search.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/convergence/pkg/vectorstore"
)

const defaultMaxDocuments = 10000

// Store implements vectorstore.VectorStore in memory. It is meant for
// development and small knowledge bases.
type Store struct {
	documents    map[string]vectorstore.Document
	maxDocuments int
	mu           sync.RWMutex
}

// New creates an empty store holding at most maxDocuments (10000 when <= 0).
func New(maxDocuments int) *Store {
	if maxDocuments <= 0 {
		maxDocuments = defaultMaxDocuments
	}
	return &Store{
		documents:    make(map[string]vectorstore.Document),
		maxDocuments: maxDocuments,
	}
}

// Upsert inserts or updates documents with embeddings.
func (m *Store) Upsert(ctx context.Context, documents []vectorstore.Document) error {
	if len(documents) == 0 {
		return nil
	}
	for i := range documents {
		if err := vectorstore.ValidateDocument(&documents[i]); err != nil {
			return fmt.Errorf("invalid document at index %d: %w", i, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, doc := range documents {
		if _, exists := m.documents[doc.ID]; !exists {
			added++
		}
	}
	if len(m.documents)+added > m.maxDocuments {
		return fmt.Errorf("would exceed max documents limit: %d (current: %d, adding: %d)",
			m.maxDocuments, len(m.documents), added)
	}

	now := time.Now()
	for _, doc := range documents {
		doc = copyDocument(doc)
		if existing, ok := m.documents[doc.ID]; ok {
			doc.CreatedAt = existing.CreatedAt
		} else if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
		doc.UpdatedAt = now
		m.documents[doc.ID] = doc
	}
	return nil
}

// Search performs brute-force cosine similarity search.
func (m *Store) Search(ctx context.Context, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("invalid search query: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []vectorstore.SearchResult
	for _, doc := range m.documents {
		if !vectorstore.MatchesFilter(doc.Metadata, query.Filter) {
			continue
		}
		score := vectorstore.CosineSimilarity(query.Embedding, doc.Embedding)
		if score < query.MinScore {
			continue
		}
		candidates = append(candidates, vectorstore.SearchResult{Document: copyDocument(doc), Score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Document.ID < candidates[j].Document.ID
	})
	if len(candidates) > query.TopK {
		candidates = candidates[:query.TopK]
	}
	return candidates, nil
}

// Delete removes documents by their IDs.
func (m *Store) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.documents, id)
	}
	return nil
}

// Get retrieves documents by their IDs.
func (m *Store) Get(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	documents := make([]vectorstore.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := m.documents[id]; ok {
			documents = append(documents, copyDocument(doc))
		}
	}
	return documents, nil
}

// Close is a no-op for memory store but implements the interface.
func (m *Store) Close() error {
	return nil
}

// Count returns the number of documents stored.
func (m *Store) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.documents)
}

func copyDocument(doc vectorstore.Document) vectorstore.Document {
	doc.Embedding = slices.Clone(doc.Embedding)
	if doc.Metadata != nil {
		doc.Metadata = maps.Clone(doc.Metadata)
	}
	return doc
}
