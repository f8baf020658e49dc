// Package firestore stores knowledge documents in Cloud Firestore and
// searches them with Firestore's native nearest-neighbour vector queries.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/aixgo-dev/convergence/pkg/vectorstore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	embeddingField = "embedding"
	distanceField  = "vector_distance"
)

// Config contains configuration for the Firestore vector store.
type Config struct {
	ProjectID       string
	Collection      string
	CredentialsFile string
}

// Store implements vectorstore.VectorStore on a single Firestore collection.
// Vector search requires a vector index on the "embedding" field.
type Store struct {
	client  *firestore.Client
	collRef *firestore.CollectionRef
}

// firestoreDocument is the stored shape of a vectorstore.Document.
type firestoreDocument struct {
	ID        string             `firestore:"id"`
	Content   string             `firestore:"content"`
	Embedding firestore.Vector32 `firestore:"embedding"`
	Metadata  map[string]any     `firestore:"metadata,omitempty"`
	CreatedAt time.Time          `firestore:"created_at"`
	UpdatedAt time.Time          `firestore:"updated_at"`
}

// New connects to Firestore with Application Default Credentials unless a
// credentials file is given.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &Store{client: client, collRef: client.Collection(cfg.Collection)}, nil
}

// Upsert writes documents with a BulkWriter. CreatedAt is kept for documents
// that already exist.
func (s *Store) Upsert(ctx context.Context, documents []vectorstore.Document) error {
	if len(documents) == 0 {
		return nil
	}
	for i := range documents {
		if err := vectorstore.ValidateDocument(&documents[i]); err != nil {
			return fmt.Errorf("invalid document at index %d: %w", i, err)
		}
	}

	bulkWriter := s.client.BulkWriter(ctx)
	defer bulkWriter.End()

	now := time.Now()
	for _, doc := range documents {
		docRef := s.collRef.Doc(doc.ID)
		created := doc.CreatedAt
		if snap, err := docRef.Get(ctx); err == nil && snap.Exists() {
			var existing firestoreDocument
			if err := snap.DataTo(&existing); err == nil {
				created = existing.CreatedAt
			}
		} else if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read document %s: %w", doc.ID, err)
		}
		if created.IsZero() {
			created = now
		}

		fsDoc := &firestoreDocument{
			ID:        doc.ID,
			Content:   doc.Content,
			Embedding: firestore.Vector32(doc.Embedding),
			Metadata:  doc.Metadata,
			CreatedAt: created,
			UpdatedAt: now,
		}
		if _, err := bulkWriter.Set(docRef, fsDoc); err != nil {
			return fmt.Errorf("failed to queue document %s: %w", doc.ID, err)
		}
	}
	return nil
}

// Search runs a cosine FindNearest query. Metadata filters are applied as
// equality clauses before the vector stage.
func (s *Store) Search(ctx context.Context, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("invalid search query: %w", err)
	}

	q := s.collRef.Query
	for key, value := range query.Filter {
		q = q.Where("metadata."+key, "==", value)
	}

	vq := q.FindNearest(embeddingField, firestore.Vector32(query.Embedding), query.TopK,
		firestore.DistanceMeasureCosine, &firestore.FindNearestOptions{DistanceResultField: distanceField})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var results []vectorstore.SearchResult
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate documents: %w", err)
		}

		var fsDoc firestoreDocument
		if err := snap.DataTo(&fsDoc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		distance, _ := snap.Data()[distanceField].(float64)
		score := float32(1 - distance)
		if score < query.MinScore {
			continue
		}
		results = append(results, vectorstore.SearchResult{Document: toDocument(&fsDoc), Score: score})
	}
	return results, nil
}

// Delete removes documents by their IDs.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	bulkWriter := s.client.BulkWriter(ctx)
	defer bulkWriter.End()
	for _, id := range ids {
		if _, err := bulkWriter.Delete(s.collRef.Doc(id)); err != nil {
			return fmt.Errorf("failed to queue delete for document %s: %w", id, err)
		}
	}
	return nil
}

// Get retrieves documents by their IDs.
func (s *Store) Get(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	documents := make([]vectorstore.Document, 0, len(ids))
	for _, id := range ids {
		snap, err := s.collRef.Doc(id).Get(ctx)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				continue
			}
			return nil, fmt.Errorf("failed to get document %s: %w", id, err)
		}
		var fsDoc firestoreDocument
		if err := snap.DataTo(&fsDoc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
		}
		documents = append(documents, toDocument(&fsDoc))
	}
	return documents, nil
}

// Close closes the Firestore client.
func (s *Store) Close() error {
	return s.client.Close()
}

func toDocument(fsDoc *firestoreDocument) vectorstore.Document {
	return vectorstore.Document{
		ID:        fsDoc.ID,
		Content:   fsDoc.Content,
		Embedding: []float32(fsDoc.Embedding),
		Metadata:  fsDoc.Metadata,
		CreatedAt: fsDoc.CreatedAt,
		UpdatedAt: fsDoc.UpdatedAt,
	}
}
