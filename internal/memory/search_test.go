package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkoski/mailvault/internal/storage"
)

// seedEmail ingests an email whose embedding is pinned to vec by keying the
// fake provider on the email body.
func seedEmail(t *testing.T, env testEnv, e storage.Email, vec []float32) string {
	t.Helper()
	env.prov.vectors[e.Body] = vec
	id, err := env.svc.Ingest(context.Background(), e)
	if err != nil {
		t.Fatalf("Ingest(%s): %v", e.Subject, err)
	}
	return id
}

func seedCorpus(t *testing.T, env testEnv) (budgetID, lunchID, invoiceID string) {
	t.Helper()

	budget := validEmail()
	budget.Body = "the quarterly budget numbers are ready for review"
	budget.Subject = "Budget"
	budget.ThreadID = "thread-budget"
	budget.SentAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	budgetID = seedEmail(t, env, budget, []float32{1, 0, 0})

	lunch := validEmail()
	lunch.Body = "team lunch on thursday at the usual place"
	lunch.Subject = "Lunch"
	lunch.SenderEmail = "bob@example.com"
	lunch.SenderName = "Bob"
	lunch.Attachments = ""
	lunch.ThreadID = "thread-lunch"
	lunch.SentAt = time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	lunchID = seedEmail(t, env, lunch, []float32{0, 1, 0})

	invoice := validEmail()
	invoice.Body = "invoice for the budget software subscription attached"
	invoice.Subject = "Invoice"
	invoice.SenderEmail = "billing@vendor.com"
	invoice.SenderName = ""
	invoice.Attachments = "invoice.pdf"
	invoice.ThreadID = "thread-budget"
	invoice.SentAt = time.Date(2026, 3, 20, 8, 0, 0, 0, time.UTC)
	invoiceID = seedEmail(t, env, invoice, []float32{0.9, 0.1, 0})

	return budgetID, lunchID, invoiceID
}

func TestSearchRanksBySimilarity(t *testing.T) {
	env := newTestEnv(t, Options{})
	budgetID, _, invoiceID := seedCorpus(t, env)

	env.prov.vectors["budget query"] = []float32{1, 0, 0}
	results, err := env.svc.Search(context.Background(), "budget query", "primary", Filters{}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != budgetID {
		t.Errorf("best match should be the budget email, got %s", results[0].ID)
	}
	if results[1].ID != invoiceID {
		t.Errorf("second match should be the invoice email, got %s", results[1].ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at %d", i)
		}
	}
	if results[0].Email.Subject != "Budget" {
		t.Errorf("result email not rebuilt from metadata: %+v", results[0].Email)
	}
}

func TestSearchTwoEmailsNearAndFar(t *testing.T) {
	env := newTestEnv(t, Options{})

	near := validEmail()
	near.Body = "contract renewal terms for the data center"
	nearID := seedEmail(t, env, near, []float32{1, 0, 0})

	far := validEmail()
	far.Body = "birthday cake in the kitchen"
	farID := seedEmail(t, env, far, []float32{0, 0, 1})

	env.prov.vectors["contract terms"] = []float32{1, 0, 0}
	results, err := env.svc.Search(context.Background(), "contract terms", "primary", Filters{}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != nearID || results[1].ID != farID {
		t.Errorf("wrong ranking: %s then %s", results[0].ID, results[1].ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("near email should outscore far email: %f vs %f", results[0].Score, results[1].Score)
	}
}

func TestSearchValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	var ve *ValidationError
	if _, err := env.svc.Search(ctx, "", "primary", Filters{}, 5); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for empty query, got %v", err)
	}
	if _, err := env.svc.Search(ctx, "q", "", Filters{}, 5); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for empty owner, got %v", err)
	}
	oneSided := Filters{SentAfter: time.Now()}
	if _, err := env.svc.Search(ctx, "q", "primary", oneSided, 5); !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for one-sided date range, got %v", err)
	}
}

func TestSearchFilters(t *testing.T) {
	env := newTestEnv(t, Options{})
	budgetID, lunchID, invoiceID := seedCorpus(t, env)

	env.prov.vectors["anything"] = []float32{0.5, 0.5, 0}
	ctx := context.Background()

	run := func(f Filters) []string {
		t.Helper()
		results, err := env.svc.Search(ctx, "anything", "primary", f, 10)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		return ids
	}

	if ids := run(Filters{SenderEmail: "bob@example.com"}); len(ids) != 1 || ids[0] != lunchID {
		t.Errorf("sender filter: %v", ids)
	}

	if ids := run(Filters{ThreadID: "thread-budget"}); len(ids) != 2 || (ids[0] != budgetID && ids[1] != budgetID) {
		t.Errorf("thread filter: %v", ids)
	}

	if ids := run(Filters{HasAttachments: true}); len(ids) != 2 {
		t.Errorf("attachments filter: %v", ids)
	}

	// Inclusive range covering only the first two sends.
	f := Filters{
		SentAfter:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		SentBefore: time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC),
	}
	ids := run(f)
	if len(ids) != 2 {
		t.Fatalf("date range filter: %v", ids)
	}
	for _, id := range ids {
		if id == invoiceID {
			t.Error("date range let the late email through")
		}
	}

	// Conjunction: both predicates must hold.
	if ids := run(Filters{ThreadID: "thread-budget", SenderEmail: "billing@vendor.com"}); len(ids) != 1 || ids[0] != invoiceID {
		t.Errorf("conjunctive filter: %v", ids)
	}
}

func TestSearchMinScoreDropsWeakMatches(t *testing.T) {
	env := newTestEnv(t, Options{MinScore: 0.5})

	strong := validEmail()
	strong.Body = "kubernetes cluster upgrade schedule"
	strongID := seedEmail(t, env, strong, []float32{1, 0, 0})

	weak := validEmail()
	weak.Body = "parking garage closed next week"
	seedEmail(t, env, weak, []float32{0, 0, 1})

	env.prov.vectors["cluster upgrade"] = []float32{1, 0, 0}
	results, err := env.svc.Search(context.Background(), "cluster upgrade", "primary", Filters{}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != strongID {
		t.Errorf("expected only the strong match, got %+v", results)
	}
}

func TestSearchOwnerIsolation(t *testing.T) {
	env := newTestEnv(t, Options{})

	mine := validEmail()
	mine.Body = "secret project plans"
	seedEmail(t, env, mine, []float32{1, 0, 0})

	theirs := validEmail()
	theirs.Owner = "other"
	theirs.Body = "other tenant notes"
	seedEmail(t, env, theirs, []float32{1, 0, 0})

	env.prov.vectors["plans"] = []float32{1, 0, 0}
	results, err := env.svc.Search(context.Background(), "plans", "other", Filters{}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Email.Body != "other tenant notes" {
		t.Errorf("owner isolation broken: %+v", results)
	}
}

func TestFindSimilarExcludesSelf(t *testing.T) {
	env := newTestEnv(t, Options{})
	budgetID, lunchID, invoiceID := seedCorpus(t, env)

	results, err := env.svc.FindSimilar(context.Background(), budgetID, "primary", 2)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.ID == budgetID {
			t.Error("self appeared in similarity results")
		}
	}
	if results[0].ID != invoiceID {
		t.Errorf("nearest neighbor should be the invoice email, got %s", results[0].ID)
	}
	if results[1].ID != lunchID {
		t.Errorf("second neighbor should be the lunch email, got %s", results[1].ID)
	}
}

func TestFindSimilarTruncatesToTopK(t *testing.T) {
	env := newTestEnv(t, Options{})
	budgetID, _, _ := seedCorpus(t, env)

	results, err := env.svc.FindSimilar(context.Background(), budgetID, "primary", 1)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
}

func TestFindSimilarUnknownID(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedCorpus(t, env)

	_, err := env.svc.FindSimilar(context.Background(), "ghost", "primary", 3)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}
