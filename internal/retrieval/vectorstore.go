package retrieval

import "context"

// Metadata is the structured field payload attached to a vector entry and
// returned alongside similarity scores.
type Metadata map[string]string

// Entry is a stored vector with its metadata.
type Entry struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Match is a query result: an entry ID with its similarity score and the
// metadata that was stored with it.
type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// VectorIndex is the interface for vector storage and similarity search
// backends. Entries are keyed by (id, namespace); one namespace per owner
// keeps tenants isolated from each other. The default implementation uses
// SQLite with brute-force cosine similarity; a hosted ANN index (Pinecone,
// Qdrant, pgvector) would implement the same surface.
type VectorIndex interface {
	// Upsert stores or replaces the entry in the given namespace.
	Upsert(ctx context.Context, namespace string, e Entry) error

	// Query returns the topK nearest entries in the namespace, sorted by
	// score descending, with full metadata per match.
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error)

	// Get returns the entry with the given ID scoped to the namespace, or
	// nil when no such entry exists.
	Get(ctx context.Context, namespace, id string) (*Entry, error)

	// Delete removes the entry. Deleting an absent entry is not an error.
	Delete(ctx context.Context, namespace, id string) error

	// Count returns the number of entries in the namespace.
	Count(ctx context.Context, namespace string) (int, error)
}
