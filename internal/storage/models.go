package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Email is the relational half of a stored email memory. The vector half
// lives in the vector index under the same ID and owner namespace.
type Email struct {
	ID             string
	Owner          string
	SenderEmail    string
	SenderName     string
	Subject        string
	Body           string
	Attachments    string // comma-separated file names stored as text
	SentAt         time.Time
	ThreadID       string
	ConversationID string
	CreatedAt      time.Time
}

// Relationship links two emails. Directional in storage (from/to) but
// informational only; no traversal happens beyond listing by from_email.
type Relationship struct {
	ID        string
	FromEmail string
	ToEmail   string
	Kind      string
	CreatedAt time.Time
}

// EmailPatch is a partial update. A nil field means "leave unchanged";
// a non-nil field overwrites, including overwriting with the zero value.
type EmailPatch struct {
	SenderEmail    *string
	SenderName     *string
	Subject        *string
	Body           *string
	Attachments    *string
	SentAt         *time.Time
	ThreadID       *string
	ConversationID *string
}

// IsEmpty reports whether the patch sets no fields at all.
func (p EmailPatch) IsEmpty() bool {
	return p.SenderEmail == nil && p.SenderName == nil && p.Subject == nil &&
		p.Body == nil && p.Attachments == nil && p.SentAt == nil &&
		p.ThreadID == nil && p.ConversationID == nil
}
