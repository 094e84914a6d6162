package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkoski/mailvault/internal/memory"
	"github.com/jkoski/mailvault/internal/storage"
)

// MCPCompleter abstracts chat completion for the summarization tool.
type MCPCompleter interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Memory       *memory.Service
	Completer    MCPCompleter // optional; if nil, summarize_email returns an error
	DefaultOwner string
}

// NewMCPServer creates an MCP server with all mailvault tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"mailvault",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mailvault: synchronized email memory with semantic search over stored messages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("store_email",
			mcp.WithDescription("Store an email in the memory vault for later semantic retrieval."),
			mcp.WithString("sender_email", mcp.Description("Sender address"), mcp.Required()),
			mcp.WithString("sender_name", mcp.Description("Sender display name")),
			mcp.WithString("subject", mcp.Description("Email subject line")),
			mcp.WithString("body", mcp.Description("Plain text or HTML body"), mcp.Required()),
			mcp.WithString("sent_at", mcp.Description("Send timestamp, RFC 3339"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Thread identifier")),
			mcp.WithString("conversation_id", mcp.Description("Conversation identifier")),
			mcp.WithArray("attachments", mcp.Description("Attachment file names")),
			mcp.WithString("owner", mcp.Description("Owner namespace (defaults to the configured owner)")),
		),
		mcpStoreEmail(deps),
	)

	s.AddTool(
		mcp.NewTool("search_emails",
			mcp.WithDescription("Semantically search stored emails. Optional filters narrow the results after scoring."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("sender", mcp.Description("Only emails from this exact sender address")),
			mcp.WithString("thread", mcp.Description("Only emails in this thread")),
			mcp.WithString("sent_after", mcp.Description("Lower date bound, RFC 3339 (requires sent_before)")),
			mcp.WithString("sent_before", mcp.Description("Upper date bound, RFC 3339 (requires sent_after)")),
			mcp.WithBoolean("has_attachments", mcp.Description("Only emails carrying attachments")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
			mcp.WithString("owner", mcp.Description("Owner namespace (defaults to the configured owner)")),
		),
		mcpSearchEmails(deps),
	)

	s.AddTool(
		mcp.NewTool("find_similar_emails",
			mcp.WithDescription("Find emails most similar to a stored email, using its stored vector."),
			mcp.WithString("id", mcp.Description("ID of the anchor email"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("owner", mcp.Description("Owner namespace (defaults to the configured owner)")),
		),
		mcpFindSimilar(deps),
	)

	s.AddTool(
		mcp.NewTool("update_email",
			mcp.WithDescription("Partially update a stored email. Only the provided fields change; the search vector is rebuilt."),
			mcp.WithString("id", mcp.Description("ID of the email to update"), mcp.Required()),
			mcp.WithString("sender_email", mcp.Description("New sender address")),
			mcp.WithString("sender_name", mcp.Description("New sender display name")),
			mcp.WithString("subject", mcp.Description("New subject line")),
			mcp.WithString("body", mcp.Description("New body")),
			mcp.WithString("sent_at", mcp.Description("New send timestamp, RFC 3339")),
			mcp.WithString("thread_id", mcp.Description("New thread identifier")),
			mcp.WithString("conversation_id", mcp.Description("New conversation identifier")),
			mcp.WithArray("attachments", mcp.Description("New attachment file names")),
			mcp.WithString("owner", mcp.Description("Owner namespace (defaults to the configured owner)")),
		),
		mcpUpdateEmail(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_email",
			mcp.WithDescription("Delete an email from both the relational store and the vector index."),
			mcp.WithString("id", mcp.Description("ID of the email to delete"), mcp.Required()),
			mcp.WithString("owner", mcp.Description("Owner namespace (defaults to the configured owner)")),
		),
		mcpDeleteEmail(deps),
	)

	s.AddTool(
		mcp.NewTool("link_emails",
			mcp.WithDescription("Record a relationship between two stored emails."),
			mcp.WithString("from_id", mcp.Description("Source email ID"), mcp.Required()),
			mcp.WithString("to_id", mcp.Description("Target email ID"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("Relationship kind, e.g. reply_to or forward_of"), mcp.Required()),
		),
		mcpLinkEmails(deps),
	)

	s.AddTool(
		mcp.NewTool("summarize_email",
			mcp.WithDescription("Summarize a stored email with the configured chat model. Optionally store the summary as a linked email."),
			mcp.WithString("id", mcp.Description("ID of the email to summarize"), mcp.Required()),
			mcp.WithBoolean("store", mcp.Description("Store the summary as a new email linked to the original")),
			mcp.WithString("owner", mcp.Description("Owner namespace (defaults to the configured owner)")),
		),
		mcpSummarizeEmail(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"vault://recent",
			"Recent Emails",
			mcp.WithResourceDescription("Last 10 stored emails (headers only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpOwner(req mcp.CallToolRequest, deps MCPDeps) string {
	if owner := req.GetString("owner", ""); owner != "" {
		return owner
	}
	return deps.DefaultOwner
}

// emailJSON is the shape tools return for a stored email.
type emailJSON struct {
	ID             string   `json:"id"`
	SenderEmail    string   `json:"sender_email"`
	SenderName     string   `json:"sender_name,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	Body           string   `json:"body"`
	Attachments    []string `json:"attachments,omitempty"`
	SentAt         string   `json:"sent_at,omitempty"`
	ThreadID       string   `json:"thread_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Score          float32  `json:"score,omitempty"`
}

func toEmailJSON(e storage.Email, score float32) emailJSON {
	out := emailJSON{
		ID:             e.ID,
		SenderEmail:    e.SenderEmail,
		SenderName:     e.SenderName,
		Subject:        e.Subject,
		Body:           e.Body,
		Attachments:    SplitAttachments(e.Attachments),
		ThreadID:       e.ThreadID,
		ConversationID: e.ConversationID,
		Score:          score,
	}
	if !e.SentAt.IsZero() {
		out.SentAt = e.SentAt.UTC().Format(time.RFC3339)
	}
	return out
}

func mcpStoreEmail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sender, err := req.RequireString("sender_email")
		if err != nil {
			return mcpError("sender_email is required"), nil
		}
		body, err := req.RequireString("body")
		if err != nil {
			return mcpError("body is required"), nil
		}
		sentAtRaw, err := req.RequireString("sent_at")
		if err != nil {
			return mcpError("sent_at is required"), nil
		}
		sentAt, err := time.Parse(time.RFC3339, sentAtRaw)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid sent_at (want RFC 3339): %v", err)), nil
		}

		email := storage.Email{
			Owner:          mcpOwner(req, deps),
			SenderEmail:    sender,
			SenderName:     req.GetString("sender_name", ""),
			Subject:        req.GetString("subject", ""),
			Body:           body,
			Attachments:    JoinAttachments(req.GetStringSlice("attachments", nil)),
			SentAt:         sentAt,
			ThreadID:       req.GetString("thread_id", ""),
			ConversationID: req.GetString("conversation_id", ""),
		}

		id, err := deps.Memory.Ingest(ctx, email)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store email: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored email %s", id)), nil
	}
}

func mcpSearchEmails(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		filters := memory.Filters{
			SenderEmail:    req.GetString("sender", ""),
			ThreadID:       req.GetString("thread", ""),
			HasAttachments: req.GetBool("has_attachments", false),
		}
		if raw := req.GetString("sent_after", ""); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid sent_after: %v", err)), nil
			}
			filters.SentAfter = t
		}
		if raw := req.GetString("sent_before", ""); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid sent_before: %v", err)), nil
			}
			filters.SentBefore = t
		}

		limit := req.GetInt("limit", 0)
		if limit > 100 {
			limit = 100
		}

		results, err := deps.Memory.Search(ctx, query, mcpOwner(req, deps), filters, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpResultsJSON(results)
	}
}

func mcpFindSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		limit := req.GetInt("limit", 0)
		if limit > 100 {
			limit = 100
		}

		results, err := deps.Memory.FindSimilar(ctx, id, mcpOwner(req, deps), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("similarity lookup failed: %v", err)), nil
		}
		return mcpResultsJSON(results)
	}
}

func mcpResultsJSON(results []memory.Result) (*mcp.CallToolResult, error) {
	if len(results) == 0 {
		return mcpText("[]"), nil
	}
	out := make([]emailJSON, len(results))
	for i, r := range results {
		out[i] = toEmailJSON(r.Email, r.Score)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpUpdateEmail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		// Presence in the argument map decides whether a field changes,
		// so an explicit empty string clears the stored value.
		args := req.GetArguments()
		var patch storage.EmailPatch
		strField := func(key string, dst **string) *mcp.CallToolResult {
			raw, ok := args[key]
			if !ok {
				return nil
			}
			s, ok := raw.(string)
			if !ok {
				return mcpError(fmt.Sprintf("%s must be a string", key))
			}
			*dst = &s
			return nil
		}
		for key, dst := range map[string]**string{
			"sender_email":    &patch.SenderEmail,
			"sender_name":     &patch.SenderName,
			"subject":         &patch.Subject,
			"body":            &patch.Body,
			"thread_id":       &patch.ThreadID,
			"conversation_id": &patch.ConversationID,
		} {
			if res := strField(key, dst); res != nil {
				return res, nil
			}
		}
		if _, ok := args["attachments"]; ok {
			joined := JoinAttachments(req.GetStringSlice("attachments", nil))
			patch.Attachments = &joined
		}
		if raw, ok := args["sent_at"]; ok {
			s, ok := raw.(string)
			if !ok {
				return mcpError("sent_at must be a string"), nil
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid sent_at (want RFC 3339): %v", err)), nil
			}
			patch.SentAt = &t
		}

		if err := deps.Memory.Update(ctx, id, mcpOwner(req, deps), patch); err != nil {
			return mcpError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Updated email %s", id)), nil
	}
}

func mcpDeleteEmail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Memory.Delete(ctx, id, mcpOwner(req, deps)); err != nil {
			return mcpError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted email %s", id)), nil
	}
}

func mcpLinkEmails(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromID, err := req.RequireString("from_id")
		if err != nil {
			return mcpError("from_id is required"), nil
		}
		toID, err := req.RequireString("to_id")
		if err != nil {
			return mcpError("to_id is required"), nil
		}
		kind, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}

		id, err := deps.Memory.AddRelationship(ctx, fromID, toID, kind)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to link emails: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Linked %s -> %s (%s) as relationship %s", fromID, toID, kind, id)), nil
	}
}

func mcpSummarizeEmail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Completer == nil {
			return mcpError("summarization not available: no chat model configured"), nil
		}

		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		owner := mcpOwner(req, deps)

		email, err := deps.Memory.GetEmail(ctx, id, owner)
		if err != nil {
			var nf *memory.NotFoundError
			if errors.As(err, &nf) {
				return mcpError(fmt.Sprintf("email %s not found", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to load email: %v", err)), nil
		}

		const systemPrompt = "Summarize the following email concisely, focusing on who sent it, what it asks or announces, and any deadlines or action items. Output a single paragraph."
		user := fmt.Sprintf("From: %s\nSubject: %s\n\n%s", email.SenderEmail, email.Subject, email.Body)
		summary, err := deps.Completer.Complete(ctx, systemPrompt, user)
		if err != nil {
			return mcpError(fmt.Sprintf("summarization failed: %v", err)), nil
		}

		if req.GetBool("store", false) {
			sentAt := email.SentAt
			if sentAt.IsZero() {
				sentAt = time.Now().UTC()
			}
			summaryID, err := deps.Memory.Ingest(ctx, storage.Email{
				Owner:          owner,
				SenderEmail:    email.SenderEmail,
				SenderName:     email.SenderName,
				Subject:        "Summary: " + email.Subject,
				Body:           summary,
				SentAt:         sentAt,
				ThreadID:       email.ThreadID,
				ConversationID: email.ConversationID,
			})
			if err != nil {
				return mcpError(fmt.Sprintf("summary generated but failed to store: %v", err)), nil
			}
			if _, err := deps.Memory.AddRelationship(ctx, summaryID, id, "summary_of"); err != nil {
				return mcpError(fmt.Sprintf("summary stored as %s but failed to link: %v", summaryID, err)), nil
			}
		}

		return mcpText(summary), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		emails, err := deps.Memory.ListEmails(ctx, deps.DefaultOwner, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent emails: %w", err)
		}

		type emailHeader struct {
			ID          string `json:"id"`
			SenderEmail string `json:"sender_email"`
			Subject     string `json:"subject"`
			SentAt      string `json:"sent_at"`
		}

		headers := make([]emailHeader, len(emails))
		for i, e := range emails {
			subject := e.Subject
			if utf8.RuneCountInString(subject) > 200 {
				runes := []rune(subject)
				subject = string(runes[:200]) + "..."
			}
			headers[i] = emailHeader{
				ID:          e.ID,
				SenderEmail: e.SenderEmail,
				Subject:     subject,
				SentAt:      e.SentAt.UTC().Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(headers)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal headers: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
