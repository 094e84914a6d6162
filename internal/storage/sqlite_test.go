package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEmail(id string) Email {
	return Email{
		ID:          id,
		Owner:       "primary",
		SenderEmail: "alice@example.com",
		SenderName:  "Alice",
		Subject:     "Quarterly report",
		Body:        "The numbers look good this quarter.",
		Attachments: "report.pdf",
		SentAt:      time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		ThreadID:    "thread-1",
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	countVersions := func(s *Store) int {
		t.Helper()
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
			t.Fatalf("counting schema_version rows: %v", err)
		}
		return n
	}

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1 := countVersions(s1)
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	if v2 := countVersions(s2); v2 != v1 {
		t.Errorf("migration count changed: %d -> %d", v1, v2)
	}
	if v1 == 0 {
		t.Error("expected at least one applied migration")
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_emails_owner_sent_at", "idx_emails_owner_thread", "idx_relationships_from", "idx_relationships_to", "idx_email_vectors_namespace"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestSaveAndGetEmail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := testEmail("e1")
	if err := s.SaveEmail(ctx, in); err != nil {
		t.Fatalf("SaveEmail: %v", err)
	}

	got, err := s.GetEmail(ctx, "e1", "primary")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if got.SenderEmail != in.SenderEmail || got.Subject != in.Subject || got.Body != in.Body {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if !got.SentAt.Equal(in.SentAt) {
		t.Errorf("sent_at mismatch: got %v, want %v", got.SentAt, in.SentAt)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestGetEmailScopedByOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveEmail(ctx, testEmail("e1")); err != nil {
		t.Fatalf("SaveEmail: %v", err)
	}

	if _, err := s.GetEmail(ctx, "e1", "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for wrong owner, got %v", err)
	}
}

func TestGetEmailNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetEmail(context.Background(), "missing", "primary"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListEmailsOrderedBySentAtDesc(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := testEmail(fmt.Sprintf("e%d", i))
		e.SentAt = base.Add(time.Duration(i) * time.Hour)
		if err := s.SaveEmail(ctx, e); err != nil {
			t.Fatalf("SaveEmail: %v", err)
		}
	}

	emails, err := s.ListEmails(ctx, "primary", 10, 0)
	if err != nil {
		t.Fatalf("ListEmails: %v", err)
	}
	if len(emails) != 3 {
		t.Fatalf("expected 3 emails, got %d", len(emails))
	}
	if emails[0].ID != "e2" || emails[2].ID != "e0" {
		t.Errorf("wrong order: %s, %s, %s", emails[0].ID, emails[1].ID, emails[2].ID)
	}

	page, err := s.ListEmails(ctx, "primary", 1, 1)
	if err != nil {
		t.Fatalf("ListEmails paginated: %v", err)
	}
	if len(page) != 1 || page[0].ID != "e1" {
		t.Errorf("pagination wrong: %+v", page)
	}
}

func TestUpdateEmailPartial(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveEmail(ctx, testEmail("e1")); err != nil {
		t.Fatalf("SaveEmail: %v", err)
	}

	subject := "Revised quarterly report"
	empty := ""
	if err := s.UpdateEmail(ctx, "e1", "primary", EmailPatch{Subject: &subject, Attachments: &empty}); err != nil {
		t.Fatalf("UpdateEmail: %v", err)
	}

	got, err := s.GetEmail(ctx, "e1", "primary")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if got.Subject != subject {
		t.Errorf("subject not updated: %q", got.Subject)
	}
	if got.Attachments != "" {
		t.Errorf("attachments not cleared: %q", got.Attachments)
	}
	if got.Body != testEmail("e1").Body {
		t.Errorf("unpatched field changed: %q", got.Body)
	}
}

func TestUpdateEmailNotFound(t *testing.T) {
	s := openTestStore(t)

	subject := "anything"
	err := s.UpdateEmail(context.Background(), "missing", "primary", EmailPatch{Subject: &subject})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateEmailEmptyPatchIsNoOp(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpdateEmail(context.Background(), "missing", "primary", EmailPatch{}); err != nil {
		t.Errorf("empty patch should be a no-op, got %v", err)
	}
}

func TestDeleteEmail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveEmail(ctx, testEmail("e1")); err != nil {
		t.Fatalf("SaveEmail: %v", err)
	}
	if err := s.DeleteEmail(ctx, "e1", "primary"); err != nil {
		t.Fatalf("DeleteEmail: %v", err)
	}
	if _, err := s.GetEmail(ctx, "e1", "primary"); !errors.Is(err, ErrNotFound) {
		t.Errorf("email still present after delete: %v", err)
	}
	if err := s.DeleteEmail(ctx, "e1", "primary"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestRelationships(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rels := []Relationship{
		{ID: "r1", FromEmail: "e1", ToEmail: "e2", Kind: "reply_to"},
		{ID: "r2", FromEmail: "e1", ToEmail: "e3", Kind: "forward_of"},
		{ID: "r3", FromEmail: "e4", ToEmail: "e1", Kind: "reply_to"},
	}
	for _, r := range rels {
		if err := s.SaveRelationship(ctx, r); err != nil {
			t.Fatalf("SaveRelationship(%s): %v", r.ID, err)
		}
	}

	from, err := s.ListRelationshipsFrom(ctx, "e1")
	if err != nil {
		t.Fatalf("ListRelationshipsFrom: %v", err)
	}
	if len(from) != 2 {
		t.Fatalf("expected 2 relationships from e1, got %d", len(from))
	}

	// Deleting for e1 removes links in both directions.
	n, err := s.DeleteRelationshipsFor(ctx, "e1")
	if err != nil {
		t.Fatalf("DeleteRelationshipsFor: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deleted relationships, got %d", n)
	}

	left, err := s.ListRelationshipsFrom(ctx, "e4")
	if err != nil {
		t.Fatalf("ListRelationshipsFrom(e4): %v", err)
	}
	if len(left) != 0 {
		t.Errorf("expected no relationships left for e4, got %d", len(left))
	}
}
