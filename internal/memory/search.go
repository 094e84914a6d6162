package memory

import (
	"context"
	"sort"
	"time"

	"github.com/jkoski/mailvault/internal/storage"
)

// Filters are conjunctive predicates applied to search matches after the
// nearest-neighbor query returns. Zero-valued fields are inactive.
type Filters struct {
	// SenderEmail keeps only matches with this exact sender address.
	SenderEmail string
	// ThreadID keeps only matches with this exact thread identifier.
	ThreadID string
	// SentAfter/SentBefore keep matches whose sent timestamp falls inside
	// the inclusive range. Both bounds must be supplied together.
	SentAfter  time.Time
	SentBefore time.Time
	// HasAttachments keeps only matches with a non-empty attachment list.
	HasAttachments bool
}

// matches reports whether the email satisfies every active predicate.
func (f Filters) matches(e storage.Email) bool {
	if f.SenderEmail != "" && e.SenderEmail != f.SenderEmail {
		return false
	}
	if f.ThreadID != "" && e.ThreadID != f.ThreadID {
		return false
	}
	if !f.SentAfter.IsZero() {
		if e.SentAt.Before(f.SentAfter) || e.SentAt.After(f.SentBefore) {
			return false
		}
	}
	if f.HasAttachments && e.Attachments == "" {
		return false
	}
	return true
}

// Result is one search or similarity match: the entry ID, its similarity
// score, and the metadata payload rebuilt into structured form.
type Result struct {
	ID    string
	Score float32
	Email storage.Email
}

// Search embeds the query with the same model and dimensionality used for
// ingestion, fetches the topK nearest entries in the owner's namespace,
// drops matches below the minimum score, applies all supplied filters
// conjunctively, and returns the survivors sorted by score descending.
// Ties keep the index's original order. No truncation happens beyond the
// topK fetched; callers wanting fewer results truncate client-side.
func (s *Service) Search(ctx context.Context, query, owner string, f Filters, topK int) ([]Result, error) {
	if query == "" {
		return nil, validationf("query text is required")
	}
	if owner == "" {
		return nil, validationf("owner is required")
	}
	if f.SentAfter.IsZero() != f.SentBefore.IsZero() {
		return nil, validationf("date range filter requires both bounds")
	}
	if topK <= 0 {
		topK = DefaultSearchTopK
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := s.index.Query(ctx, owner, vec, topK)
	if err != nil {
		return nil, &StorageError{Op: "query vector index", Err: err}
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if m.Score < s.minScore {
			continue
		}
		e := emailFromMetadata(m.ID, owner, m.Metadata)
		if !f.matches(e) {
			continue
		}
		results = append(results, Result{ID: m.ID, Score: m.Score, Email: e})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// FindSimilar returns the topK entries nearest to an already-stored email.
// The stored vector is fetched by ID (namespace-scoped); the query asks for
// topK+1 neighbors because the email matches itself, and the self-match is
// removed before truncation.
func (s *Service) FindSimilar(ctx context.Context, id, owner string, topK int) ([]Result, error) {
	if id == "" || owner == "" {
		return nil, validationf("id and owner are required")
	}
	if topK <= 0 {
		topK = DefaultSimilarTopK
	}

	entry, err := s.index.Get(ctx, owner, id)
	if err != nil {
		return nil, &StorageError{Op: "fetch vector entry", Err: err}
	}
	if entry == nil {
		return nil, &NotFoundError{Kind: "email", ID: id}
	}

	matches, err := s.index.Query(ctx, owner, entry.Vector, topK+1)
	if err != nil {
		return nil, &StorageError{Op: "query vector index", Err: err}
	}

	results := make([]Result, 0, topK)
	for _, m := range matches {
		if m.ID == id {
			continue
		}
		if len(results) == topK {
			break
		}
		results = append(results, Result{ID: m.ID, Score: m.Score, Email: emailFromMetadata(m.ID, owner, m.Metadata)})
	}
	return results, nil
}
