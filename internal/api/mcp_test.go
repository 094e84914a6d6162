package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkoski/mailvault/internal/memory"
	"github.com/jkoski/mailvault/internal/retrieval"
	"github.com/jkoski/mailvault/internal/storage"
)

type mockCompleter struct {
	response string
	err      error
}

func (m *mockCompleter) Complete(_ context.Context, _, _ string) (string, error) {
	return m.response, m.err
}

func newTestMCPDeps(t *testing.T) (MCPDeps, *memory.Service) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	index := retrieval.NewSQLiteIndex(store.DB())
	embedder := retrieval.NewEmbedder(fakeEmbedProvider{}, 4)
	svc := memory.New(store, index, embedder, memory.Options{})

	return MCPDeps{
		Memory:       svc,
		Completer:    &mockCompleter{response: "test summary"},
		DefaultOwner: "primary",
	}, svc
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func storeEmailArgs() map[string]interface{} {
	return map[string]interface{}{
		"sender_email": "alice@example.com",
		"subject":      "Budget review",
		"body":         "Please review the numbers.",
		"sent_at":      "2026-03-10T09:00:00Z",
		"attachments":  []string{"budget.xlsx"},
	}
}

func TestMCPTool_StoreEmail(t *testing.T) {
	deps, svc := newTestMCPDeps(t)
	handler := mcpStoreEmail(deps)

	result, err := handler(context.Background(), makeCallToolRequest("store_email", storeEmailArgs()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	emails, err := svc.ListEmails(context.Background(), "primary", 10, 0)
	if err != nil {
		t.Fatalf("listing emails: %v", err)
	}
	if len(emails) != 1 {
		t.Fatalf("expected 1 email, got %d", len(emails))
	}
	if emails[0].Subject != "Budget review" || emails[0].Attachments != "budget.xlsx" {
		t.Errorf("unexpected stored email: %+v", emails[0])
	}
}

func TestMCPTool_StoreEmail_MissingRequired(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpStoreEmail(deps)

	args := storeEmailArgs()
	delete(args, "body")
	result, err := handler(context.Background(), makeCallToolRequest("store_email", args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing body")
	}
}

func TestMCPTool_SearchEmails(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	storeHandler := mcpStoreEmail(deps)
	if _, err := storeHandler(context.Background(), makeCallToolRequest("store_email", storeEmailArgs())); err != nil {
		t.Fatalf("storing: %v", err)
	}

	handler := mcpSearchEmails(deps)
	result, err := handler(context.Background(), makeCallToolRequest("search_emails", map[string]interface{}{
		"query": "budget numbers",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var results []emailJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("decoding results: %v", err)
	}
	if len(results) != 1 || results[0].Subject != "Budget review" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestMCPTool_SearchEmails_FilterMismatch(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	storeHandler := mcpStoreEmail(deps)
	if _, err := storeHandler(context.Background(), makeCallToolRequest("store_email", storeEmailArgs())); err != nil {
		t.Fatalf("storing: %v", err)
	}

	handler := mcpSearchEmails(deps)
	result, err := handler(context.Background(), makeCallToolRequest("search_emails", map[string]interface{}{
		"query":  "budget numbers",
		"sender": "nobody@example.com",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolText(t, result) != "[]" {
		t.Errorf("expected empty results, got: %s", toolText(t, result))
	}
}

func TestMCPTool_UpdateEmail(t *testing.T) {
	deps, svc := newTestMCPDeps(t)
	ctx := context.Background()

	storeHandler := mcpStoreEmail(deps)
	if _, err := storeHandler(ctx, makeCallToolRequest("store_email", storeEmailArgs())); err != nil {
		t.Fatalf("storing: %v", err)
	}
	emails, _ := svc.ListEmails(ctx, "primary", 1, 0)
	id := emails[0].ID

	handler := mcpUpdateEmail(deps)
	result, err := handler(ctx, makeCallToolRequest("update_email", map[string]interface{}{
		"id":      id,
		"subject": "Revised",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	got, err := svc.GetEmail(ctx, id, "primary")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if got.Subject != "Revised" {
		t.Errorf("subject not updated: %q", got.Subject)
	}
	if got.Body != "Please review the numbers." {
		t.Errorf("unpatched field changed: %q", got.Body)
	}
}

func TestMCPTool_UpdateEmail_NoFields(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpUpdateEmail(deps)

	result, err := handler(context.Background(), makeCallToolRequest("update_email", map[string]interface{}{
		"id": "some-id",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for empty update")
	}
}

func TestMCPTool_DeleteEmail(t *testing.T) {
	deps, svc := newTestMCPDeps(t)
	ctx := context.Background()

	storeHandler := mcpStoreEmail(deps)
	if _, err := storeHandler(ctx, makeCallToolRequest("store_email", storeEmailArgs())); err != nil {
		t.Fatalf("storing: %v", err)
	}
	emails, _ := svc.ListEmails(ctx, "primary", 1, 0)
	id := emails[0].ID

	handler := mcpDeleteEmail(deps)
	result, err := handler(ctx, makeCallToolRequest("delete_email", map[string]interface{}{"id": id}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var nf *memory.NotFoundError
	if _, err := svc.GetEmail(ctx, id, "primary"); !errors.As(err, &nf) {
		t.Errorf("email still present after delete: %v", err)
	}
}

func TestMCPTool_LinkEmails(t *testing.T) {
	deps, svc := newTestMCPDeps(t)
	ctx := context.Background()

	handler := mcpLinkEmails(deps)
	result, err := handler(ctx, makeCallToolRequest("link_emails", map[string]interface{}{
		"from_id": "a",
		"to_id":   "b",
		"kind":    "reply_to",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	rels, err := svc.ListRelationships(ctx, "a")
	if err != nil {
		t.Fatalf("ListRelationships: %v", err)
	}
	if len(rels) != 1 || rels[0].Kind != "reply_to" {
		t.Errorf("unexpected relationships: %+v", rels)
	}
}

func TestMCPTool_SummarizeEmail(t *testing.T) {
	deps, svc := newTestMCPDeps(t)
	ctx := context.Background()

	storeHandler := mcpStoreEmail(deps)
	if _, err := storeHandler(ctx, makeCallToolRequest("store_email", storeEmailArgs())); err != nil {
		t.Fatalf("storing: %v", err)
	}
	emails, _ := svc.ListEmails(ctx, "primary", 1, 0)
	id := emails[0].ID

	handler := mcpSummarizeEmail(deps)
	result, err := handler(ctx, makeCallToolRequest("summarize_email", map[string]interface{}{"id": id}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if toolText(t, result) != "test summary" {
		t.Errorf("unexpected summary: %s", toolText(t, result))
	}
}

func TestMCPTool_SummarizeEmail_StoresLinkedSummary(t *testing.T) {
	deps, svc := newTestMCPDeps(t)
	ctx := context.Background()

	storeHandler := mcpStoreEmail(deps)
	if _, err := storeHandler(ctx, makeCallToolRequest("store_email", storeEmailArgs())); err != nil {
		t.Fatalf("storing: %v", err)
	}
	emails, _ := svc.ListEmails(ctx, "primary", 1, 0)
	id := emails[0].ID

	handler := mcpSummarizeEmail(deps)
	result, err := handler(ctx, makeCallToolRequest("summarize_email", map[string]interface{}{
		"id":    id,
		"store": true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	all, err := svc.ListEmails(ctx, "primary", 10, 0)
	if err != nil {
		t.Fatalf("ListEmails: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected summary stored as second email, got %d", len(all))
	}

	var summaryID string
	for _, e := range all {
		if e.ID != id {
			summaryID = e.ID
			if e.Subject != "Summary: Budget review" || e.Body != "test summary" {
				t.Errorf("unexpected summary email: %+v", e)
			}
		}
	}

	rels, err := svc.ListRelationships(ctx, summaryID)
	if err != nil {
		t.Fatalf("ListRelationships: %v", err)
	}
	if len(rels) != 1 || rels[0].Kind != "summary_of" || rels[0].ToEmail != id {
		t.Errorf("summary not linked to original: %+v", rels)
	}
}

func TestMCPTool_SummarizeEmail_NoCompleter(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Completer = nil

	handler := mcpSummarizeEmail(deps)
	result, err := handler(context.Background(), makeCallToolRequest("summarize_email", map[string]interface{}{"id": "x"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error when no completer configured")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ctx := context.Background()

	storeHandler := mcpStoreEmail(deps)
	if _, err := storeHandler(ctx, makeCallToolRequest("store_email", storeEmailArgs())); err != nil {
		t.Fatalf("storing: %v", err)
	}

	handler := mcpResourceRecent(deps)
	contents, err := handler(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "vault://recent"},
	})
	if err != nil {
		t.Fatalf("resource handler: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var headers []struct {
		SenderEmail string `json:"sender_email"`
		Subject     string `json:"subject"`
	}
	if err := json.Unmarshal([]byte(text.Text), &headers); err != nil {
		t.Fatalf("decoding headers: %v", err)
	}
	if len(headers) != 1 || headers[0].Subject != "Budget review" {
		t.Errorf("unexpected headers: %+v", headers)
	}
}
