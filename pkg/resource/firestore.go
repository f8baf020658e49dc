package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aixgo-dev/convergence/pkg/definition"
)

// FirestoreRepository stores resources as documents in one Firestore
// collection. Conditional writes run inside a transaction.
type FirestoreRepository struct {
	client     *firestore.Client
	collection *firestore.CollectionRef
	now        func() time.Time
}

// FirestoreConfig configures the Firestore repository.
type FirestoreConfig struct {
	ProjectID       string `mapstructure:"project"`
	CredentialsFile string `mapstructure:"credentials_file"`
	// Collection defaults to "resources".
	Collection string `mapstructure:"collection"`
}

// firestoreDoc is the stored document shape.
type firestoreDoc struct {
	Kind      string            `firestore:"kind"`
	Name      string            `firestore:"name"`
	Namespace string            `firestore:"namespace"`
	Labels    map[string]string `firestore:"labels,omitempty"`
	Version   string            `firestore:"version"`
	Spec      map[string]any    `firestore:"spec"`
	CreatedAt time.Time         `firestore:"created_at"`
	UpdatedAt time.Time         `firestore:"updated_at"`
}

// NewFirestoreRepository creates a Firestore client for the project.
func NewFirestoreRepository(ctx context.Context, cfg FirestoreConfig) (*FirestoreRepository, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return NewFirestoreRepositoryFromClient(client, cfg.Collection), nil
}

// NewFirestoreRepositoryFromClient wraps an existing client.
func NewFirestoreRepositoryFromClient(client *firestore.Client, collection string) *FirestoreRepository {
	if collection == "" {
		collection = "resources"
	}
	return &FirestoreRepository{
		client:     client,
		collection: client.Collection(collection),
		now:        time.Now,
	}
}

// docID flattens the key; Firestore document IDs cannot contain slashes.
func docID(kind Kind, name, namespace string) string {
	return strings.ReplaceAll(key(kind, name, namespace), "/", ":")
}

func toDoc(r *Resource) *firestoreDoc {
	return &firestoreDoc{
		Kind:      string(r.Kind),
		Name:      r.Metadata.Name,
		Namespace: r.Metadata.Namespace,
		Labels:    r.Metadata.Labels,
		Version:   r.Metadata.Version,
		Spec:      r.Spec,
		CreatedAt: r.Metadata.CreatedAt,
		UpdatedAt: r.Metadata.UpdatedAt,
	}
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (*Resource, error) {
	var d firestoreDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	spec, err := definition.Encode(d.Spec)
	if err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	return &Resource{
		Kind: Kind(d.Kind),
		Metadata: Metadata{
			Name:      d.Name,
			Namespace: d.Namespace,
			Labels:    d.Labels,
			Version:   d.Version,
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
		},
		Spec: spec,
	}, nil
}

// Get loads a resource.
func (f *FirestoreRepository) Get(ctx context.Context, kind Kind, name, namespace string) (*Resource, error) {
	snap, err := f.collection.Doc(docID(kind, name, namespace)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, notFound(kind, name, namespace)
		}
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return fromSnapshot(snap)
}

// List queries by kind and namespace; labels are matched client side.
func (f *FirestoreRepository) List(ctx context.Context, kind Kind, namespace string, selector map[string]string) ([]*Resource, error) {
	query := f.collection.Where("kind", "==", string(kind))
	if namespace != "" {
		query = query.Where("namespace", "==", namespace)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	out := make([]*Resource, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list resources: %w", err)
		}
		r, err := fromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		if r.Matches(selector) {
			out = append(out, r)
		}
	}
	sortResources(out)
	return out, nil
}

// Add creates a resource; an existing document yields ErrAlreadyExists.
func (f *FirestoreRepository) Add(ctx context.Context, r *Resource) (*Resource, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	stored := r.Clone()
	now := f.now().UTC()
	stored.Metadata.Version = nextVersion("")
	stored.Metadata.CreatedAt = now
	stored.Metadata.UpdatedAt = now

	_, err := f.collection.Doc(docID(r.Kind, r.Metadata.Name, r.Metadata.Namespace)).Create(ctx, toDoc(stored))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("add resource: %w", err)
	}
	return stored, nil
}

// Update replaces a stored resource.
func (f *FirestoreRepository) Update(ctx context.Context, r *Resource, expectedVersion string) (*Resource, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return f.write(ctx, r.Kind, r.Metadata.Name, r.Metadata.Namespace, expectedVersion, func(*Resource) (*Resource, error) {
		return r.Clone(), nil
	})
}

// Patch merge-patches the spec of a stored resource.
func (f *FirestoreRepository) Patch(ctx context.Context, kind Kind, name, namespace string, patch definition.Tree, expectedVersion string) (*Resource, error) {
	return f.write(ctx, kind, name, namespace, expectedVersion, func(current *Resource) (*Resource, error) {
		return applyPatch(current, patch)
	})
}

func (f *FirestoreRepository) write(ctx context.Context, kind Kind, name, namespace, expectedVersion string, mutate func(*Resource) (*Resource, error)) (*Resource, error) {
	ref := f.collection.Doc(docID(kind, name, namespace))
	var stored *Resource
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return notFound(kind, name, namespace)
			}
			return err
		}
		current, err := fromSnapshot(snap)
		if err != nil {
			return err
		}
		if expectedVersion != "" && expectedVersion != current.Metadata.Version {
			return conflict(kind, name, namespace, expectedVersion, current.Metadata.Version)
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		next.Metadata.Version = nextVersion(current.Metadata.Version)
		next.Metadata.CreatedAt = current.Metadata.CreatedAt
		next.Metadata.UpdatedAt = f.now().UTC()
		if err := tx.Set(ref, toDoc(next)); err != nil {
			return err
		}
		stored = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Delete removes a resource.
func (f *FirestoreRepository) Delete(ctx context.Context, kind Kind, name, namespace string) error {
	ref := f.collection.Doc(docID(kind, name, namespace))
	if _, err := ref.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return notFound(kind, name, namespace)
		}
		return fmt.Errorf("get resource: %w", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	return nil
}

// Close releases the client.
func (f *FirestoreRepository) Close() error {
	return f.client.Close()
}
