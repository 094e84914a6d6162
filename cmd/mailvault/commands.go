package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/spf13/cobra"

	"github.com/jkoski/mailvault/internal/config"
)

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Store an email in the vault",
	Long: `Store an email in the vault.

The body comes from --body or --file. PDF files are converted to plain
text before storage.

Examples:
  mailvault add --from alice@example.com --subject "Q3 roadmap" --body "Here is the plan..."
  mailvault add --from billing@vendor.com --file ./invoice.pdf --attachments invoice.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		fromName, _ := cmd.Flags().GetString("from-name")
		subject, _ := cmd.Flags().GetString("subject")
		body, _ := cmd.Flags().GetString("body")
		file, _ := cmd.Flags().GetString("file")
		sentRaw, _ := cmd.Flags().GetString("sent")
		thread, _ := cmd.Flags().GetString("thread")
		conversation, _ := cmd.Flags().GetString("conversation")
		attachmentsStr, _ := cmd.Flags().GetString("attachments")
		owner, _ := cmd.Flags().GetString("owner")

		if body == "" && file == "" {
			return fmt.Errorf("one of --body or --file is required")
		}
		if file != "" {
			content, err := readBodyFile(file)
			if err != nil {
				return err
			}
			body = content
			if subject == "" {
				subject = filepath.Base(file)
			}
		}

		sentAt := time.Now().UTC()
		if sentRaw != "" {
			t, err := time.Parse(time.RFC3339, sentRaw)
			if err != nil {
				return fmt.Errorf("invalid --sent (want RFC 3339): %w", err)
			}
			sentAt = t
		}

		req := map[string]any{
			"sender_email": from,
			"body":         body,
			"sent_at":      sentAt.Format(time.RFC3339),
		}
		if fromName != "" {
			req["sender_name"] = fromName
		}
		if subject != "" {
			req["subject"] = subject
		}
		if thread != "" {
			req["thread_id"] = thread
		}
		if conversation != "" {
			req["conversation_id"] = conversation
		}
		if owner != "" {
			req["owner"] = owner
		}
		if attachmentsStr != "" {
			parts := strings.Split(attachmentsStr, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			req["attachments"] = parts
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/emails", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored email %s", result["id"])
		return nil
	},
}

// readBodyFile loads an email body from disk, extracting plain text from
// PDF files.
func readBodyFile(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		f, r, err := pdf.Open(path)
		if err != nil {
			return "", fmt.Errorf("opening PDF: %w", err)
		}
		defer f.Close()

		reader, err := r.GetPlainText()
		if err != nil {
			return "", fmt.Errorf("extracting PDF text: %w", err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(reader); err != nil {
			return "", fmt.Errorf("reading PDF text: %w", err)
		}
		text := strings.TrimSpace(buf.String())
		if text == "" {
			return "", fmt.Errorf("PDF %s contains no extractable text", path)
		}
		return text, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

func init() {
	addCmd.Flags().String("from", "", "sender email address (required)")
	addCmd.Flags().String("from-name", "", "sender display name")
	addCmd.Flags().String("subject", "", "subject line")
	addCmd.Flags().String("body", "", "email body text")
	addCmd.Flags().String("file", "", "read body from file (PDF or plain text)")
	addCmd.Flags().String("sent", "", "send timestamp, RFC 3339 (default: now)")
	addCmd.Flags().String("thread", "", "thread identifier")
	addCmd.Flags().String("conversation", "", "conversation identifier")
	addCmd.Flags().String("attachments", "", "comma-separated attachment names")
	addCmd.Flags().String("owner", "", "owner namespace")
	addCmd.MarkFlagRequired("from")
}

// --- list / show ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored emails, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		owner, _ := cmd.Flags().GetString("owner")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		q.Set("offset", fmt.Sprint(offset))
		if owner != "" {
			q.Set("owner", owner)
		}

		resp, err := client.get(cmd.Context(), "/emails?"+q.Encode())
		if err != nil {
			return err
		}

		var emails []struct {
			ID          string `json:"id"`
			SenderEmail string `json:"sender_email"`
			Subject     string `json:"subject"`
			SentAt      string `json:"sent_at"`
		}
		if err := decodeJSON(resp, &emails); err != nil {
			return err
		}

		if len(emails) == 0 {
			fmt.Println("No emails stored.")
			return nil
		}

		for _, e := range emails {
			fmt.Printf("%s  %s  %-30s  %s\n",
				colorize(colorCyan, shortID(e.ID)),
				e.SentAt,
				e.SenderEmail,
				truncateRunes(e.Subject, 60),
			)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored email as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/emails/"+url.PathEscape(args[0])+ownerQuery(cmd))
		if err != nil {
			return err
		}

		var email any
		if err := decodeJSON(resp, &email); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(email)
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum number of emails to list")
	listCmd.Flags().Int("offset", 0, "number of emails to skip")
	listCmd.Flags().String("owner", "", "owner namespace")
	showCmd.Flags().String("owner", "", "owner namespace")
}

// --- search / similar ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over stored emails",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		sender, _ := cmd.Flags().GetString("sender")
		thread, _ := cmd.Flags().GetString("thread")
		after, _ := cmd.Flags().GetString("after")
		before, _ := cmd.Flags().GetString("before")
		hasAttachments, _ := cmd.Flags().GetBool("has-attachments")
		owner, _ := cmd.Flags().GetString("owner")

		q := url.Values{}
		q.Set("q", query)
		q.Set("top_k", fmt.Sprint(limit))
		if sender != "" {
			q.Set("sender", sender)
		}
		if thread != "" {
			q.Set("thread", thread)
		}
		if after != "" {
			q.Set("sent_after", after)
		}
		if before != "" {
			q.Set("sent_before", before)
		}
		if hasAttachments {
			q.Set("has_attachments", "true")
		}
		if owner != "" {
			q.Set("owner", owner)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/search?"+q.Encode())
		if err != nil {
			return err
		}
		return printResults(resp)
	},
}

var similarCmd = &cobra.Command{
	Use:   "similar <id>",
	Short: "Find emails similar to a stored email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		owner, _ := cmd.Flags().GetString("owner")

		q := url.Values{}
		q.Set("top_k", fmt.Sprint(limit))
		if owner != "" {
			q.Set("owner", owner)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/emails/"+url.PathEscape(args[0])+"/similar?"+q.Encode())
		if err != nil {
			return err
		}
		return printResults(resp)
	},
}

func printResults(resp *http.Response) error {
	var results []struct {
		ID    string  `json:"id"`
		Score float32 `json:"score"`
		Email struct {
			SenderEmail string `json:"sender_email"`
			Subject     string `json:"subject"`
			Body        string `json:"body"`
			SentAt      string `json:"sent_at"`
		} `json:"email"`
	}
	if err := decodeJSON(resp, &results); err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	for i, r := range results {
		fmt.Printf("\n%s [score: %.3f]  %s\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score, colorize(colorCyan, r.ID))
		fmt.Printf("  From: %s  Sent: %s\n", r.Email.SenderEmail, r.Email.SentAt)
		if r.Email.Subject != "" {
			fmt.Printf("  Subject: %s\n", r.Email.Subject)
		}
		fmt.Printf("  %s\n", truncateRunes(r.Email.Body, 300))
	}
	return nil
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().String("sender", "", "only emails from this exact sender address")
	searchCmd.Flags().String("thread", "", "only emails in this thread")
	searchCmd.Flags().String("after", "", "lower date bound, RFC 3339 (requires --before)")
	searchCmd.Flags().String("before", "", "upper date bound, RFC 3339 (requires --after)")
	searchCmd.Flags().Bool("has-attachments", false, "only emails carrying attachments")
	searchCmd.Flags().String("owner", "", "owner namespace")
	similarCmd.Flags().Int("limit", 5, "maximum number of results")
	similarCmd.Flags().String("owner", "", "owner namespace")
}

// --- update / delete / link ---

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update fields of a stored email",
	Long: `Update fields of a stored email. Only flags you pass change; the
search vector is rebuilt from the merged result. Passing an empty value
clears the field.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := map[string]any{}
		for flag, key := range map[string]string{
			"from":         "sender_email",
			"from-name":    "sender_name",
			"subject":      "subject",
			"body":         "body",
			"sent":         "sent_at",
			"thread":       "thread_id",
			"conversation": "conversation_id",
		} {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetString(flag)
				patch[key] = v
			}
		}
		if cmd.Flags().Changed("attachments") {
			raw, _ := cmd.Flags().GetString("attachments")
			var parts []string
			if raw != "" {
				parts = strings.Split(raw, ",")
				for i := range parts {
					parts[i] = strings.TrimSpace(parts[i])
				}
			}
			patch["attachments"] = parts
		}
		if len(patch) == 0 {
			return fmt.Errorf("no fields to update; pass at least one flag")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/emails/"+url.PathEscape(args[0])+ownerQuery(cmd), patch)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Updated email %s", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/emails/"+url.PathEscape(args[0])+ownerQuery(cmd))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted email %s", args[0])
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <from-id> <to-id>",
	Short: "Record a relationship between two emails",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{
			"from_id": args[0],
			"to_id":   args[1],
			"kind":    kind,
		}
		resp, err := client.post(cmd.Context(), "/relationships", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Linked %s -> %s (%s)", args[0], args[1], kind)
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-embed every stored email and rewrite its vector entry",
	Long:  "Re-derives and re-embeds all stored emails, rewriting their vector entries. Run after changing the embedding model or dimensionality.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/reindex"+ownerQuery(cmd), nil)
		if err != nil {
			return err
		}

		var result struct {
			Count int `json:"count"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Reindexed %d emails", result.Count)
		return nil
	},
}

func ownerQuery(cmd *cobra.Command) string {
	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		return ""
	}
	return "?owner=" + url.QueryEscape(owner)
}

// shortID abbreviates generated UUIDs for table output. Caller-supplied IDs
// can be arbitrarily short, so never slice past the end.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncateRunes shortens display text at a rune boundary.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func init() {
	reindexCmd.Flags().String("owner", "", "owner namespace")
	updateCmd.Flags().String("from", "", "new sender email address")
	updateCmd.Flags().String("from-name", "", "new sender display name")
	updateCmd.Flags().String("subject", "", "new subject line")
	updateCmd.Flags().String("body", "", "new body text")
	updateCmd.Flags().String("sent", "", "new send timestamp, RFC 3339")
	updateCmd.Flags().String("thread", "", "new thread identifier")
	updateCmd.Flags().String("conversation", "", "new conversation identifier")
	updateCmd.Flags().String("attachments", "", "new comma-separated attachment names")
	updateCmd.Flags().String("owner", "", "owner namespace")
	deleteCmd.Flags().String("owner", "", "owner namespace")
	linkCmd.Flags().String("kind", "related_to", "relationship kind (e.g. reply_to, forward_of)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
