// Package vectorstore stores embedded documents and answers similarity queries.
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"time"
)

// VectorStore is the main interface for vector database operations.
type VectorStore interface {
	// Upsert inserts or updates documents with embeddings
	Upsert(ctx context.Context, documents []Document) error

	// Search performs similarity search and returns the most similar documents
	Search(ctx context.Context, query SearchQuery) ([]SearchResult, error)

	// Delete removes documents by their IDs
	Delete(ctx context.Context, ids []string) error

	// Get retrieves documents by their IDs. Unknown IDs are skipped.
	Get(ctx context.Context, ids []string) ([]Document, error)

	// Close closes the connection to the vector database
	Close() error
}

// Document represents a document with embeddings and metadata.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SearchQuery defines the parameters for a similarity search.
type SearchQuery struct {
	Embedding []float32

	// TopK is the number of results to return (default: 5)
	TopK int

	// MinScore is the minimum cosine similarity; lower scoring documents are dropped.
	MinScore float32

	// Filter requires exact metadata matches.
	Filter map[string]any
}

// SearchResult represents a single search result with similarity score.
type SearchResult struct {
	Document Document

	// Score is the cosine similarity, higher is more similar.
	Score float32
}

// DefaultTopK is used when a query leaves TopK unset.
const DefaultTopK = 5

// ValidateDocument checks if a document is valid before storage.
func ValidateDocument(doc *Document) error {
	if err := ValidateDocumentID(doc.ID); err != nil {
		return fmt.Errorf("invalid document ID: %w", err)
	}
	if doc.Content == "" {
		return fmt.Errorf("document content cannot be empty")
	}
	if err := validateVector(doc.Embedding); err != nil {
		return fmt.Errorf("document %w", err)
	}
	return nil
}

// ValidateSearchQuery checks a query and applies the default TopK.
func ValidateSearchQuery(query *SearchQuery) error {
	if err := validateVector(query.Embedding); err != nil {
		return fmt.Errorf("query %w", err)
	}
	if query.TopK == 0 {
		query.TopK = DefaultTopK
	}
	if query.TopK < 1 || query.TopK > 1000 {
		return fmt.Errorf("TopK must be between 1 and 1000, got %d", query.TopK)
	}
	if query.MinScore < 0 || query.MinScore > 1 {
		return fmt.Errorf("MinScore must be between 0 and 1, got %f", query.MinScore)
	}
	return nil
}

// ValidateDocumentID checks if a document ID is safe to use as a storage key.
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("document ID cannot be empty")
	}
	if len(id) > 512 {
		return fmt.Errorf("document ID too long: maximum 512 characters, got %d", len(id))
	}
	if id == "." || id == ".." {
		return fmt.Errorf("document ID cannot be '.' or '..'")
	}
	for i, r := range id {
		if r < 0x20 || r == 0x7F {
			return fmt.Errorf("document ID contains control character at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("document ID contains path separator at position %d", i)
		}
	}
	return nil
}

func validateVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("embedding cannot be empty")
	}
	for i, val := range v {
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding contains invalid value at index %d: %f", i, val)
		}
	}
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// MatchesFilter reports whether every filter key is present in metadata with an equal value.
func MatchesFilter(metadata, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}
