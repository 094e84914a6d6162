package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the relational half of email
// memories plus their relationships.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
// Migrations use CREATE IF NOT EXISTS semantics, so Open is safe to call
// repeatedly; no process-wide "initialized" state is kept.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mailvault.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection so the vector index can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Emails ---

// SaveEmail inserts the relational row for an email memory.
func (s *Store) SaveEmail(ctx context.Context, e Email) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emails (id, owner, sender_email, sender_name, subject, body, attachments, sent_at, thread_id, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Owner, e.SenderEmail, e.SenderName, e.Subject, e.Body, e.Attachments,
		e.SentAt.UTC().Format(time.RFC3339), e.ThreadID, e.ConversationID,
		createdAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetEmail(ctx context.Context, id, owner string) (Email, error) {
	var e Email
	var sentAt, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, sender_email, sender_name, subject, body, attachments, sent_at, thread_id, conversation_id, created_at
		FROM emails WHERE id = ? AND owner = ?`, id, owner,
	).Scan(&e.ID, &e.Owner, &e.SenderEmail, &e.SenderName, &e.Subject, &e.Body,
		&e.Attachments, &sentAt, &e.ThreadID, &e.ConversationID, &createdAt)
	if err == sql.ErrNoRows {
		return Email{}, ErrNotFound
	}
	if err != nil {
		return Email{}, err
	}
	if e.SentAt, err = time.Parse(time.RFC3339, sentAt); err != nil {
		return Email{}, fmt.Errorf("parsing sent_at: %w", err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Email{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return e, nil
}

// ListEmails returns the owner's emails ordered by sent_at descending.
func (s *Store) ListEmails(ctx context.Context, owner string, limit, offset int) ([]Email, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, sender_email, sender_name, subject, body, attachments, sent_at, thread_id, conversation_id, created_at
		FROM emails WHERE owner = ? ORDER BY sent_at DESC LIMIT ? OFFSET ?`,
		owner, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Email
	for rows.Next() {
		var e Email
		var sentAt, createdAt string
		if err := rows.Scan(&e.ID, &e.Owner, &e.SenderEmail, &e.SenderName, &e.Subject, &e.Body,
			&e.Attachments, &sentAt, &e.ThreadID, &e.ConversationID, &createdAt); err != nil {
			return nil, err
		}
		if e.SentAt, err = time.Parse(time.RFC3339, sentAt); err != nil {
			return nil, fmt.Errorf("parsing sent_at for %s: %w", e.ID, err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", e.ID, err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// UpdateEmail applies a partial update scoped to id+owner. Only fields set
// on the patch appear in the SET clause. Returns ErrNotFound when no row
// matched. created_at is never touched.
func (s *Store) UpdateEmail(ctx context.Context, id, owner string, p EmailPatch) error {
	if p.IsEmpty() {
		return nil
	}

	var sets []string
	var args []interface{}
	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if p.SenderEmail != nil {
		add("sender_email", *p.SenderEmail)
	}
	if p.SenderName != nil {
		add("sender_name", *p.SenderName)
	}
	if p.Subject != nil {
		add("subject", *p.Subject)
	}
	if p.Body != nil {
		add("body", *p.Body)
	}
	if p.Attachments != nil {
		add("attachments", *p.Attachments)
	}
	if p.SentAt != nil {
		add("sent_at", p.SentAt.UTC().Format(time.RFC3339))
	}
	if p.ThreadID != nil {
		add("thread_id", *p.ThreadID)
	}
	if p.ConversationID != nil {
		add("conversation_id", *p.ConversationID)
	}

	args = append(args, id, owner)
	query := "UPDATE emails SET " + strings.Join(sets, ", ") + " WHERE id = ? AND owner = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEmail removes the relational row. Returns ErrNotFound when the
// row did not exist.
func (s *Store) DeleteEmail(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM emails WHERE id = ? AND owner = ?", id, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Relationships ---

// SaveRelationship inserts a link between two emails. No existence check is
// made on either endpoint.
func (s *Store) SaveRelationship(ctx context.Context, r Relationship) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, from_email, to_email, kind, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.FromEmail, r.ToEmail, r.Kind, createdAt.Format(time.RFC3339),
	)
	return err
}

// ListRelationshipsFrom returns relationships whose from_email equals id.
func (s *Store) ListRelationshipsFrom(ctx context.Context, id string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_email, to_email, kind, created_at
		FROM relationships WHERE from_email = ? ORDER BY created_at ASC`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Relationship
	for rows.Next() {
		var r Relationship
		var createdAt string
		if err := rows.Scan(&r.ID, &r.FromEmail, &r.ToEmail, &r.Kind, &createdAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteRelationshipsFor removes every relationship referencing id as either
// endpoint and returns how many rows were removed.
func (s *Store) DeleteRelationshipsFor(ctx context.Context, id string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM relationships WHERE from_email = ? OR to_email = ?", id, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
