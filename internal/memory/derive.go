package memory

import (
	"strings"
	"time"

	"github.com/jkoski/mailvault/internal/storage"
	"github.com/jkoski/mailvault/internal/textutil"
)

// fragmentSeparator joins the body and the labeled fragments of the
// embedding text. Changing it changes every stored embedding, so treat it
// as part of the index format.
const fragmentSeparator = "\n"

// DeriveEmbeddingText builds the single text blob an email is embedded
// from: the body first, then labeled fragments for subject, sender, sent
// date, and attachments. Fragments whose source field is empty are omitted
// entirely, so the label for an absent field never appears in the output.
// Deterministic for the same field values.
func DeriveEmbeddingText(e storage.Email) string {
	body := e.Body
	if textutil.LooksLikeHTML(body) {
		body = textutil.HTMLToText(body)
	}

	parts := make([]string, 0, 6)
	if body != "" {
		parts = append(parts, body)
	}
	if e.Subject != "" {
		parts = append(parts, "Subject: "+e.Subject)
	}
	if from := senderLabel(e); from != "" {
		parts = append(parts, "From: "+from)
	}
	if e.SenderEmail != "" {
		parts = append(parts, "Sender: "+e.SenderEmail)
	}
	if !e.SentAt.IsZero() {
		parts = append(parts, "Sent: "+e.SentAt.UTC().Format(time.RFC3339))
	}
	if e.Attachments != "" {
		parts = append(parts, "Attachments: "+e.Attachments)
	}
	return strings.Join(parts, fragmentSeparator)
}

// senderLabel prefers the display name and falls back to the address.
func senderLabel(e storage.Email) string {
	if e.SenderName != "" {
		return e.SenderName
	}
	return e.SenderEmail
}
