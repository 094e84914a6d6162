// Package api exposes the email memory service over HTTP and MCP. Both
// surfaces are thin: they parse requests, call the memory service, and
// translate its typed errors into protocol responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jkoski/mailvault/internal/memory"
	"github.com/jkoski/mailvault/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Memory       *memory.Service
	Token        string
	DefaultOwner string
	// DefaultTopK caps search results when the request omits top_k.
	// Zero falls back to the service default.
	DefaultTopK int
}

// NewAppHandler builds the management API router. Every route except
// /health requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/emails", handleIngest(deps))
		r.Get("/emails", handleListEmails(deps))
		r.Get("/emails/{id}", handleGetEmail(deps))
		r.Patch("/emails/{id}", handleUpdateEmail(deps))
		r.Delete("/emails/{id}", handleDeleteEmail(deps))
		r.Get("/emails/{id}/relationships", handleListRelationships(deps))
		r.Get("/emails/{id}/similar", handleFindSimilar(deps))
		r.Post("/relationships", handleAddRelationship(deps))
		r.Get("/search", handleSearch(deps))
		r.Post("/reindex", handleReindex(deps))
	})

	return r
}

// EmailRequest is the ingestion payload.
type EmailRequest struct {
	ID             string   `json:"id,omitempty"`
	Owner          string   `json:"owner,omitempty"`
	SenderEmail    string   `json:"sender_email"`
	SenderName     string   `json:"sender_name,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	Body           string   `json:"body"`
	Attachments    []string `json:"attachments,omitempty"`
	SentAt         string   `json:"sent_at"`
	ThreadID       string   `json:"thread_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// EmailResponse mirrors the stored relational row.
type EmailResponse struct {
	ID             string   `json:"id"`
	Owner          string   `json:"owner"`
	SenderEmail    string   `json:"sender_email"`
	SenderName     string   `json:"sender_name,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	Body           string   `json:"body"`
	Attachments    []string `json:"attachments,omitempty"`
	SentAt         string   `json:"sent_at"`
	ThreadID       string   `json:"thread_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

// SearchResult is one scored match.
type SearchResult struct {
	ID    string        `json:"id"`
	Score float32       `json:"score"`
	Email EmailResponse `json:"email"`
}

func emailResponse(e storage.Email) EmailResponse {
	resp := EmailResponse{
		ID:             e.ID,
		Owner:          e.Owner,
		SenderEmail:    e.SenderEmail,
		SenderName:     e.SenderName,
		Subject:        e.Subject,
		Body:           e.Body,
		Attachments:    SplitAttachments(e.Attachments),
		ThreadID:       e.ThreadID,
		ConversationID: e.ConversationID,
	}
	if !e.SentAt.IsZero() {
		resp.SentAt = e.SentAt.UTC().Format(time.RFC3339)
	}
	if !e.CreatedAt.IsZero() {
		resp.CreatedAt = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func searchResults(results []memory.Result) []SearchResult {
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{ID: r.ID, Score: r.Score, Email: emailResponse(r.Email)}
	}
	return out
}

// JoinAttachments flattens an attachment name list into the delimited
// string the stores keep.
func JoinAttachments(names []string) string {
	trimmed := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			trimmed = append(trimmed, n)
		}
	}
	return strings.Join(trimmed, ", ")
}

// SplitAttachments is the inverse of JoinAttachments.
func SplitAttachments(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EmailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		owner := req.Owner
		if owner == "" {
			owner = deps.DefaultOwner
		}

		var sentAt time.Time
		if req.SentAt != "" {
			var err error
			if sentAt, err = time.Parse(time.RFC3339, req.SentAt); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid sent_at (want RFC 3339): %v", err)
				return
			}
		}

		email := storage.Email{
			ID:             req.ID,
			Owner:          owner,
			SenderEmail:    req.SenderEmail,
			SenderName:     req.SenderName,
			Subject:        req.Subject,
			Body:           req.Body,
			Attachments:    JoinAttachments(req.Attachments),
			SentAt:         sentAt,
			ThreadID:       req.ThreadID,
			ConversationID: req.ConversationID,
		}

		id, err := deps.Memory.Ingest(r.Context(), email)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "stored"})
	}
}

func handleListEmails(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerParam(r, deps)
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		emails, err := deps.Memory.ListEmails(r.Context(), owner, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		out := make([]EmailResponse, len(emails))
		for i, e := range emails {
			out[i] = emailResponse(e)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetEmail(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, err := deps.Memory.GetEmail(r.Context(), chi.URLParam(r, "id"), ownerParam(r, deps))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(emailResponse(email))
	}
}

// EmailPatchRequest carries a partial update. Absent JSON fields stay nil
// and leave the stored value unchanged; present fields overwrite, including
// overwriting with an empty value.
type EmailPatchRequest struct {
	SenderEmail    *string   `json:"sender_email"`
	SenderName     *string   `json:"sender_name"`
	Subject        *string   `json:"subject"`
	Body           *string   `json:"body"`
	Attachments    *[]string `json:"attachments"`
	SentAt         *string   `json:"sent_at"`
	ThreadID       *string   `json:"thread_id"`
	ConversationID *string   `json:"conversation_id"`
}

func (req EmailPatchRequest) toPatch() (storage.EmailPatch, error) {
	p := storage.EmailPatch{
		SenderEmail:    req.SenderEmail,
		SenderName:     req.SenderName,
		Subject:        req.Subject,
		Body:           req.Body,
		ThreadID:       req.ThreadID,
		ConversationID: req.ConversationID,
	}
	if req.Attachments != nil {
		joined := JoinAttachments(*req.Attachments)
		p.Attachments = &joined
	}
	if req.SentAt != nil {
		t, err := time.Parse(time.RFC3339, *req.SentAt)
		if err != nil {
			return storage.EmailPatch{}, fmt.Errorf("invalid sent_at (want RFC 3339): %w", err)
		}
		p.SentAt = &t
	}
	return p, nil
}

func handleUpdateEmail(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EmailPatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		patch, err := req.toPatch()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		if err := deps.Memory.Update(r.Context(), chi.URLParam(r, "id"), ownerParam(r, deps), patch); err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

func handleDeleteEmail(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Memory.Delete(r.Context(), chi.URLParam(r, "id"), ownerParam(r, deps)); err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

// RelationshipRequest links two emails.
type RelationshipRequest struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Kind   string `json:"kind"`
}

func handleAddRelationship(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RelationshipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := deps.Memory.AddRelationship(r.Context(), req.FromID, req.ToID, req.Kind)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "linked"})
	}
}

func handleListRelationships(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rels, err := deps.Memory.ListRelationships(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		type relResponse struct {
			ID        string `json:"id"`
			FromID    string `json:"from_id"`
			ToID      string `json:"to_id"`
			Kind      string `json:"kind"`
			CreatedAt string `json:"created_at"`
		}
		out := make([]relResponse, len(rels))
		for i, rel := range rels {
			out[i] = relResponse{
				ID:        rel.ID,
				FromID:    rel.FromEmail,
				ToID:      rel.ToEmail,
				Kind:      rel.Kind,
				CreatedAt: rel.CreatedAt.UTC().Format(time.RFC3339),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filters := memory.Filters{
			SenderEmail:    q.Get("sender"),
			ThreadID:       q.Get("thread"),
			HasAttachments: q.Get("has_attachments") == "true",
		}
		if raw := q.Get("sent_after"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid sent_after: %v", err)
				return
			}
			filters.SentAfter = t
		}
		if raw := q.Get("sent_before"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid sent_before: %v", err)
				return
			}
			filters.SentBefore = t
		}

		results, err := deps.Memory.Search(r.Context(), q.Get("q"), ownerParam(r, deps), filters, parseIntParam(r, "top_k", deps.DefaultTopK, 100))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(searchResults(results))
	}
}

func handleReindex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Memory.Reindex(r.Context(), ownerParam(r, deps))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "reindexed", "count": count})
	}
}

func handleFindSimilar(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := deps.Memory.FindSimilar(r.Context(),
			chi.URLParam(r, "id"), ownerParam(r, deps), parseIntParam(r, "top_k", 0, 100))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(searchResults(results))
	}
}

func ownerParam(r *http.Request, deps AppDeps) string {
	if owner := r.URL.Query().Get("owner"); owner != "" {
		return owner
	}
	return deps.DefaultOwner
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// writeServiceError maps the memory package's typed errors onto HTTP
// statuses. Unknown errors become opaque 500s.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		ve *memory.ValidationError
		nf *memory.NotFoundError
		ee *memory.EmbeddingError
		se *memory.StorageError
	)
	switch {
	case errors.As(err, &ve):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &nf):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.As(err, &ee):
		httpError(w, http.StatusBadGateway, "embedding_error", "%v", err)
	case errors.As(err, &se):
		httpError(w, http.StatusInternalServerError, "storage_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
