// Package memory keeps one relational row and one vector entry in sync per
// email memory, and answers similarity searches over the vector half with
// metadata post-filtering.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkoski/mailvault/internal/retrieval"
	"github.com/jkoski/mailvault/internal/storage"
)

// Default result counts for the two query operations.
const (
	DefaultSearchTopK  = 20
	DefaultSimilarTopK = 5
)

// typeTag marks vector entries written by this service.
const typeTag = "email_memory"

// Metadata keys attached to every vector entry. Absent optional fields are
// stored as empty strings so the key set is stable across entries.
const (
	metaType           = "type"
	metaSenderEmail    = "sender_email"
	metaSenderName     = "sender_name"
	metaSubject        = "subject"
	metaBody           = "body"
	metaAttachments    = "attachments"
	metaSentAt         = "sent_at"
	metaThreadID       = "thread_id"
	metaConversationID = "conversation_id"
)

// Service is the record synchronizer plus similarity search filter. It holds
// no in-process state; every call is parameterized by its id/owner arguments
// and the two external stores.
type Service struct {
	store    *storage.Store
	index    retrieval.VectorIndex
	embedder *retrieval.Embedder
	minScore float32
	logger   *slog.Logger
}

// Options tunes search behavior.
type Options struct {
	// MinScore drops search matches scoring below it. Zero accepts
	// everything non-negative.
	MinScore float32
}

// New creates a Service over the given relational store, vector index, and
// embedder.
func New(store *storage.Store, index retrieval.VectorIndex, embedder *retrieval.Embedder, opts Options) *Service {
	return &Service{
		store:    store,
		index:    index,
		embedder: embedder,
		minScore: opts.MinScore,
		logger:   slog.Default(),
	}
}

// embed generates a dimension-validated vector, translating failures into
// the typed EmbeddingError the callers surface.
func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		var dim *retrieval.DimensionError
		if errors.As(err, &dim) {
			return nil, &EmbeddingError{Expected: dim.Want, Observed: dim.Got, Err: err}
		}
		return nil, &EmbeddingError{Err: err}
	}
	return vec, nil
}

// metadataFromEmail flattens the structured fields into the vector payload,
// normalizing absent optionals to empty strings and adding the type tag.
func metadataFromEmail(e storage.Email) retrieval.Metadata {
	return retrieval.Metadata{
		metaType:           typeTag,
		metaSenderEmail:    e.SenderEmail,
		metaSenderName:     e.SenderName,
		metaSubject:        e.Subject,
		metaBody:           e.Body,
		metaAttachments:    e.Attachments,
		metaSentAt:         e.SentAt.UTC().Format(time.RFC3339),
		metaThreadID:       e.ThreadID,
		metaConversationID: e.ConversationID,
	}
}

// emailFromMetadata rebuilds the structured fields from a vector payload.
// An unparseable or missing sent_at becomes the zero time.
func emailFromMetadata(id, owner string, m retrieval.Metadata) storage.Email {
	e := storage.Email{
		ID:             id,
		Owner:          owner,
		SenderEmail:    m[metaSenderEmail],
		SenderName:     m[metaSenderName],
		Subject:        m[metaSubject],
		Body:           m[metaBody],
		Attachments:    m[metaAttachments],
		ThreadID:       m[metaThreadID],
		ConversationID: m[metaConversationID],
	}
	if raw := m[metaSentAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			e.SentAt = t
		}
	}
	return e
}

// mergePatch applies a partial update over base as a pure function: set
// fields overwrite, unset fields are retained.
func mergePatch(base storage.Email, p storage.EmailPatch) storage.Email {
	if p.SenderEmail != nil {
		base.SenderEmail = *p.SenderEmail
	}
	if p.SenderName != nil {
		base.SenderName = *p.SenderName
	}
	if p.Subject != nil {
		base.Subject = *p.Subject
	}
	if p.Body != nil {
		base.Body = *p.Body
	}
	if p.Attachments != nil {
		base.Attachments = *p.Attachments
	}
	if p.SentAt != nil {
		base.SentAt = *p.SentAt
	}
	if p.ThreadID != nil {
		base.ThreadID = *p.ThreadID
	}
	if p.ConversationID != nil {
		base.ConversationID = *p.ConversationID
	}
	return base
}
