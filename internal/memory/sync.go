package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkoski/mailvault/internal/retrieval"
	"github.com/jkoski/mailvault/internal/storage"
)

// Ingest stores a new email memory: derive the embedding text, embed it,
// upsert the vector entry, then insert the relational row under the same ID.
//
// The vector write deliberately happens first; a relational failure after a
// successful upsert leaves an orphaned vector entry, which is reported to
// the caller rather than repaired. There is no transaction spanning the two
// stores.
func (s *Service) Ingest(ctx context.Context, e storage.Email) (string, error) {
	if e.Owner == "" {
		return "", validationf("owner is required")
	}
	if e.SenderEmail == "" {
		return "", validationf("sender address is required")
	}
	if e.Body == "" {
		return "", validationf("body is required")
	}
	if e.SentAt.IsZero() {
		return "", validationf("sent timestamp is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	vec, err := s.embed(ctx, DeriveEmbeddingText(e))
	if err != nil {
		return "", err
	}

	entry := retrieval.Entry{ID: e.ID, Vector: vec, Metadata: metadataFromEmail(e)}
	if err := s.index.Upsert(ctx, e.Owner, entry); err != nil {
		return "", &StorageError{Op: "upsert vector entry", Err: err}
	}

	if err := s.store.SaveEmail(ctx, e); err != nil {
		// The vector entry is already written; the caller learns about the
		// orphan instead of getting a silent partial success.
		return "", &StorageError{Op: "insert email row (vector entry " + e.ID + " already written)", Err: err}
	}

	s.logger.Debug("email ingested", "id", e.ID, "owner", e.Owner)
	return e.ID, nil
}

// Update applies a partial update to both halves of an email memory. The
// merge base is the existing vector metadata, fetched namespace-scoped; a
// missing vector entry contributes an empty base. The merged fields are
// re-embedded and upserted before the relational row is patched, so the two
// writes remain independent and either may fail alone.
func (s *Service) Update(ctx context.Context, id, owner string, patch storage.EmailPatch) error {
	if id == "" || owner == "" {
		return validationf("id and owner are required")
	}
	if patch.IsEmpty() {
		return validationf("no fields to update")
	}

	existing, err := s.index.Get(ctx, owner, id)
	if err != nil {
		return &StorageError{Op: "fetch vector metadata", Err: err}
	}

	var meta retrieval.Metadata
	if existing != nil {
		meta = existing.Metadata
	} else {
		// No vector entry. Confirm the email exists relationally before any
		// write so an update of a nonexistent id leaves no trace anywhere.
		if _, err := s.store.GetEmail(ctx, id, owner); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return &NotFoundError{Kind: "email", ID: id}
			}
			return &StorageError{Op: "fetch email row", Err: err}
		}
	}

	merged := mergePatch(emailFromMetadata(id, owner, meta), patch)

	vec, err := s.embed(ctx, DeriveEmbeddingText(merged))
	if err != nil {
		return err
	}

	entry := retrieval.Entry{ID: id, Vector: vec, Metadata: metadataFromEmail(merged)}
	if err := s.index.Upsert(ctx, owner, entry); err != nil {
		return &StorageError{Op: "upsert vector entry", Err: err}
	}

	if err := s.store.UpdateEmail(ctx, id, owner, patch); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{Kind: "email", ID: id}
		}
		return &StorageError{Op: "update email row (vector entry already rewritten)", Err: err}
	}

	s.logger.Debug("email updated", "id", id, "owner", owner)
	return nil
}

// Delete removes an email memory everywhere it appears: relationships in
// both directions, the relational row, and the vector entry. Cleanup is
// best-effort: a failure in one store is recorded, the remaining stores are
// still attempted, and all failures are joined into the returned error.
func (s *Service) Delete(ctx context.Context, id, owner string) error {
	if id == "" || owner == "" {
		return validationf("id and owner are required")
	}

	var errs []error

	if _, err := s.store.DeleteRelationshipsFor(ctx, id); err != nil {
		errs = append(errs, &StorageError{Op: "delete relationships", Err: err})
	}

	switch err := s.store.DeleteEmail(ctx, id, owner); {
	case errors.Is(err, storage.ErrNotFound):
		errs = append(errs, &NotFoundError{Kind: "email", ID: id})
	case err != nil:
		errs = append(errs, &StorageError{Op: "delete email row", Err: err})
	}

	if err := s.index.Delete(ctx, owner, id); err != nil {
		errs = append(errs, &StorageError{Op: "delete vector entry", Err: err})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Debug("email deleted", "id", id, "owner", owner)
	return nil
}

// AddRelationship links two emails with a free-form kind tag. Pure
// relational insert; neither endpoint is checked for existence.
func (s *Service) AddRelationship(ctx context.Context, fromID, toID, kind string) (string, error) {
	if fromID == "" || toID == "" {
		return "", validationf("from and to email ids are required")
	}
	if kind == "" {
		return "", validationf("relationship kind is required")
	}

	r := storage.Relationship{
		ID:        uuid.New().String(),
		FromEmail: fromID,
		ToEmail:   toID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveRelationship(ctx, r); err != nil {
		return "", &StorageError{Op: "insert relationship", Err: err}
	}
	return r.ID, nil
}

// Reindex re-derives and re-embeds every email the owner has stored and
// rewrites the vector entries in place, page by page. Run it after changing
// the embedding model or dimensionality, when existing entries no longer
// match what the embedder produces. The relational rows are the source of
// truth and are not touched. Returns the number of entries rewritten.
func (s *Service) Reindex(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, validationf("owner is required")
	}

	const pageSize = 100
	total := 0
	for offset := 0; ; offset += pageSize {
		emails, err := s.store.ListEmails(ctx, owner, pageSize, offset)
		if err != nil {
			return total, &StorageError{Op: "list email rows", Err: err}
		}
		if len(emails) == 0 {
			break
		}

		texts := make([]string, len(emails))
		for i, e := range emails {
			texts[i] = DeriveEmbeddingText(e)
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			var dim *retrieval.DimensionError
			if errors.As(err, &dim) {
				return total, &EmbeddingError{Expected: dim.Want, Observed: dim.Got, Err: err}
			}
			return total, &EmbeddingError{Err: err}
		}

		for i, e := range emails {
			entry := retrieval.Entry{ID: e.ID, Vector: vecs[i], Metadata: metadataFromEmail(e)}
			if err := s.index.Upsert(ctx, owner, entry); err != nil {
				return total, &StorageError{Op: "upsert vector entry", Err: err}
			}
			total++
		}
		if len(emails) < pageSize {
			break
		}
	}

	s.logger.Debug("reindex complete", "owner", owner, "count", total)
	return total, nil
}

// GetEmail reads the relational row for an email memory.
func (s *Service) GetEmail(ctx context.Context, id, owner string) (storage.Email, error) {
	e, err := s.store.GetEmail(ctx, id, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Email{}, &NotFoundError{Kind: "email", ID: id}
	}
	if err != nil {
		return storage.Email{}, &StorageError{Op: "fetch email row", Err: err}
	}
	return e, nil
}

// ListEmails returns the owner's emails ordered by sent date descending.
func (s *Service) ListEmails(ctx context.Context, owner string, limit, offset int) ([]storage.Email, error) {
	emails, err := s.store.ListEmails(ctx, owner, limit, offset)
	if err != nil {
		return nil, &StorageError{Op: "list email rows", Err: err}
	}
	return emails, nil
}

// ListRelationships returns relationships whose from endpoint equals id.
func (s *Service) ListRelationships(ctx context.Context, id string) ([]storage.Relationship, error) {
	rels, err := s.store.ListRelationshipsFrom(ctx, id)
	if err != nil {
		return nil, &StorageError{Op: "list relationships", Err: err}
	}
	return rels, nil
}
