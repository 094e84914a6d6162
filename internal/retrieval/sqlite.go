package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteIndex implements VectorIndex.
var _ VectorIndex = (*SQLiteIndex)(nil)

// SQLiteIndex provides vector storage and brute-force cosine similarity
// search backed by SQLite. Embeddings are little-endian float32 blobs;
// metadata is a JSON object stored as text. Scans are namespace-scoped, so
// one owner's entries never appear in another owner's results.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for vector operations.
// The email_vectors table must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// Upsert stores or replaces the entry keyed by (id, namespace).
func (s *SQLiteIndex) Upsert(ctx context.Context, namespace string, e Entry) error {
	meta := e.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshalling metadata for %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_vectors (id, namespace, embedding, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id, namespace) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		e.ID, namespace, encodeFloat32s(e.Vector), string(metaJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting vector %s: %w", e.ID, err)
	}
	return nil
}

// idScore holds only the ID and score during the scan phase of Query.
// Metadata is fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Query performs brute-force cosine similarity search over the namespace,
// returning the top-K most similar entries sorted by score descending.
func (s *SQLiteIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM email_vectors WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch metadata only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]interface{}, 0, len(topIDs)+1)
	queryArgs = append(queryArgs, namespace)
	for _, id := range topIDs {
		queryArgs = append(queryArgs, id)
	}
	fullQuery := `SELECT id, metadata FROM email_vectors
		WHERE namespace = ? AND id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	metaRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K metadata: %w", err)
	}
	defer metaRows.Close()

	matchByID := make(map[string]Match, len(topIDs))
	for metaRows.Next() {
		var id, metaJSON string
		if err := metaRows.Scan(&id, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning metadata row: %w", err)
		}
		meta := Metadata{}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", id, err)
		}
		matchByID[id] = Match{ID: id, Score: scores[id], Metadata: meta}
	}
	if err := metaRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metadata rows: %w", err)
	}

	// Reassemble in descending-score order (IN query doesn't preserve order;
	// topIDs already holds the heap output best-first).
	results := make([]Match, 0, len(topIDs))
	for _, id := range topIDs {
		if m, ok := matchByID[id]; ok {
			results = append(results, m)
		}
	}
	return results, nil
}

// Get returns the entry keyed by (id, namespace), or nil when absent.
func (s *SQLiteIndex) Get(ctx context.Context, namespace, id string) (*Entry, error) {
	var blob []byte
	var metaJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding, metadata FROM email_vectors WHERE id = ? AND namespace = ?`,
		id, namespace,
	).Scan(&blob, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching vector %s: %w", id, err)
	}

	vec, err := decodeFloat32s(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
	}
	meta := Metadata{}
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", id, err)
	}
	return &Entry{ID: id, Vector: vec, Metadata: meta}, nil
}

// Delete removes the entry. Absent entries are ignored.
func (s *SQLiteIndex) Delete(ctx context.Context, namespace, id string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM email_vectors WHERE id = ? AND namespace = ?", id, namespace); err != nil {
		return fmt.Errorf("deleting vector %s: %w", id, err)
	}
	return nil
}

// Count returns the number of entries in the namespace.
func (s *SQLiteIndex) Count(ctx context.Context, namespace string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM email_vectors WHERE namespace = ?", namespace).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4
// (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score. Used during the
// scan phase of Query to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
