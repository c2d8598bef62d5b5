package usecase

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/infrastructure/chunking"
	"github.com/kirillkom/statsrag/internal/infrastructure/embedding"
	"github.com/kirillkom/statsrag/internal/infrastructure/extractor/plaintext"
)

func corpus(n int) []domain.SubmitDocumentRequest {
	base := []domain.SubmitDocumentRequest{gdpRelease, cpiRelease, plfsRelease}
	out := make([]domain.SubmitDocumentRequest, 0, n)
	for i := range n {
		req := base[i%len(base)]
		req.ID = fmt.Sprintf("%s-%02d", req.ID, i)
		req.Text = fmt.Sprintf("%s Release number %d of the series.", req.Text, i)
		out = append(out, req)
	}
	return out
}

func TestRebuildIsDeterministicAcrossConcurrency(t *testing.T) {
	docs := corpus(9)
	queries := []string{"GDP growth Q4", "consumer price inflation", "urban unemployment rate", "release number 4"}

	var baseline [][]domain.ScoredID
	for _, concurrency := range []int{1, 3, 8} {
		h := newHarness(t, harnessOptions{concurrency: concurrency})
		for _, req := range docs {
			doc := domain.Document{ID: req.ID, SourceURL: req.SourceURL, Title: req.Title, Category: req.Category, Text: req.Text}
			if err := h.docs.Upsert(context.Background(), &doc); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := h.process.RebuildAll(context.Background()); err != nil {
			t.Fatalf("RebuildAll() error = %v", err)
		}

		var results [][]domain.ScoredID
		for _, q := range queries {
			vec, err := h.embedder.EmbedQuery(context.Background(), q)
			if err != nil {
				t.Fatal(err)
			}
			hits, err := h.index.Search(vec, 5, nil)
			if err != nil {
				t.Fatal(err)
			}
			results = append(results, hits)
		}
		if baseline == nil {
			baseline = results
			continue
		}
		for i := range results {
			if !slices.Equal(results[i], baseline[i]) {
				t.Fatalf("concurrency=%d query %q: %v != %v", concurrency, queries[i], results[i], baseline[i])
			}
		}
	}
}

func TestRebuildAllMarksDocumentStatus(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	good := domain.Document{ID: "good", SourceURL: "https://mospi.gov.in/good", Text: gdpRelease.Text}
	missing := domain.Document{ID: "missing", SourceURL: "https://mospi.gov.in/missing", StoragePath: "documents/missing/none.txt"}
	for _, doc := range []domain.Document{good, missing} {
		if err := h.docs.Upsert(context.Background(), &doc); err != nil {
			t.Fatal(err)
		}
	}

	report, err := h.process.RebuildAll(context.Background())
	if err != nil {
		t.Fatalf("RebuildAll() error = %v", err)
	}
	if len(report.Indexed) != 1 || len(report.Failed) != 1 || report.Failed[0].DocumentID != "missing" {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.docs.status("good") != domain.StatusIndexed || h.docs.status("missing") != domain.StatusFailed {
		t.Fatalf("unexpected statuses good=%s missing=%s", h.docs.status("good"), h.docs.status("missing"))
	}
}

func TestUpdateSkipsUnchangedDocuments(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t, gdpRelease)
	embeds := h.embedder.embeds.Load()

	doc, err := h.docs.GetByID(context.Background(), gdpRelease.ID)
	if err != nil {
		t.Fatal(err)
	}
	report, err := h.builder.Update(context.Background(), []domain.Document{*doc})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !slices.Equal(report.Unchanged, []string{gdpRelease.ID}) || len(report.Indexed) != 0 {
		t.Fatalf("expected document to be unchanged, got %+v", report)
	}
	if h.embedder.embeds.Load() != embeds {
		t.Fatal("unchanged document must not be re-embedded")
	}
}

func TestUpdateReplacesChangedDocument(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t, gdpRelease, cpiRelease)
	oldIDs := h.chunks.ids(gdpRelease.ID)
	before := h.index.Status().TotalChunks

	revised := gdpRelease
	revised.Text = "Revised estimates: GDP grew by 8.0 percent in Q4 2023-24."
	h.submit(t, revised)

	newIDs := h.chunks.ids(gdpRelease.ID)
	if len(newIDs) == 0 {
		t.Fatal("expected chunks for the revised document")
	}
	for _, id := range oldIDs {
		if h.index.Has(id) {
			t.Fatalf("stale chunk %s still in index", id)
		}
		if slices.Contains(newIDs, id) {
			t.Fatalf("stale chunk row %s still in side store", id)
		}
	}
	for _, id := range newIDs {
		if !h.index.Has(id) {
			t.Fatalf("new chunk %s missing from index", id)
		}
	}
	if got := h.index.Status().TotalChunks; got != before-len(oldIDs)+len(newIDs) {
		t.Fatalf("total chunks = %d", got)
	}
	if h.docs.status(gdpRelease.ID) != domain.StatusIndexed {
		t.Fatalf("revised document status = %s", h.docs.status(gdpRelease.ID))
	}
}

func TestBuildKeepsPreviousEmbeddingsOfFailedDocuments(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t, gdpRelease, cpiRelease)
	cpiIDs := h.chunks.ids(cpiRelease.ID)

	h.embedder.failOn("Consumer Price Index")
	report, err := h.process.RebuildAll(context.Background())
	if err != nil {
		t.Fatalf("RebuildAll() error = %v", err)
	}
	if _, failed := report.FailureFor(cpiRelease.ID); !failed {
		t.Fatalf("expected CPI failure in report, got %+v", report)
	}
	for _, id := range cpiIDs {
		if !h.index.Has(id) {
			t.Fatalf("previous embedding %s of failed document was dropped", id)
		}
	}
	if h.index.Status().TotalChunks != len(cpiIDs)+len(h.chunks.ids(gdpRelease.ID)) {
		t.Fatalf("unexpected total %d", h.index.Status().TotalChunks)
	}
}

func TestUpdateRejectsModelMismatch(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t, gdpRelease)

	other := NewIndexBuilder(
		h.chunks,
		plaintext.NewExtractor(h.storage),
		chunking.NewSplitter(40, 8),
		embedding.NewNormalizing(embedding.NewHashing(64), 64, 0),
		h.index,
		BuilderOptions{},
	)
	doc, _ := h.docs.GetByID(context.Background(), gdpRelease.ID)
	doc.ContentHash = "changed"
	_, err := other.Update(context.Background(), []domain.Document{*doc})
	if !domain.IsKind(err, domain.ErrModelMismatch) {
		t.Fatalf("expected ErrModelMismatch, got %v", err)
	}
}

func TestBuildRetriesTransientEmbeddingFailures(t *testing.T) {
	h := newHarness(t, harnessOptions{retrier: retryTimes(3)})
	h.embedder.flaky = 2

	h.submit(t, gdpRelease)
	if !h.index.Status().Loaded || h.index.Status().TotalChunks == 0 {
		t.Fatalf("expected document indexed after retries, got %+v", h.index.Status())
	}
	if got := h.embedder.embeds.Load(); got != 3 {
		t.Fatalf("expected 3 embed attempts, got %d", got)
	}
}

func TestBuildPersistsAndAnnouncesSnapshot(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t, gdpRelease, cpiRelease)

	modelID := h.embedder.ModelID()
	if len(h.queue.updated) == 0 || h.queue.updated[len(h.queue.updated)-1] != modelID {
		t.Fatalf("expected index.updated for %s, got %v", modelID, h.queue.updated)
	}

	fresh := newHarness(t, harnessOptions{})
	loader := NewSnapshotPersister(h.storage, fresh.index, nil)
	loaded, err := loader.Load(context.Background(), modelID)
	if err != nil || !loaded {
		t.Fatalf("Load() = %v, %v", loaded, err)
	}
	if fresh.index.Status().TotalChunks != h.index.Status().TotalChunks {
		t.Fatalf("reloaded %d chunks, want %d", fresh.index.Status().TotalChunks, h.index.Status().TotalChunks)
	}

	missing, err := loader.Load(context.Background(), "unknown-model")
	if err != nil || missing {
		t.Fatalf("missing snapshot: Load() = %v, %v", missing, err)
	}
}

func TestSnapshotKeySanitizesModelID(t *testing.T) {
	if got := SnapshotKey("gemini/text-embedding-004@768"); got != "index/gemini_text-embedding-004@768.snap" {
		t.Fatalf("SnapshotKey() = %q", got)
	}
}

func TestConcurrentUpdatesKeepRowsAndIndexInStep(t *testing.T) {
	h := newHarness(t, harnessOptions{concurrency: 2})
	ctx := context.Background()
	version := func(n int) domain.Document {
		return domain.Document{
			ID:       "gdp-series",
			Title:    gdpRelease.Title,
			Category: gdpRelease.Category,
			Text:     fmt.Sprintf("%s Revision %d of the estimates.", gdpRelease.Text, n),
		}
	}
	if _, err := h.builder.Build(ctx, []domain.Document{version(0)}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	for round := range 10 {
		start := make(chan struct{})
		var wg sync.WaitGroup
		for writer := range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := h.builder.Update(ctx, []domain.Document{version(round*10 + writer + 1)}); err != nil {
					t.Errorf("Update() error = %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		rows, err := h.chunks.DocumentChunks(ctx, "gdp-series")
		if err != nil {
			t.Fatalf("DocumentChunks() error = %v", err)
		}
		for _, c := range rows {
			if !h.index.Has(c.ID) {
				t.Fatalf("round %d: row %s has no index entry", round, c.ID)
			}
			if c.ContentHash != rows[0].ContentHash {
				t.Fatalf("round %d: rows of two content versions survived", round)
			}
		}
		if got := h.index.Status().TotalChunks; got != len(rows) {
			t.Fatalf("round %d: index holds %d chunks for %d rows", round, got, len(rows))
		}
	}
}

func TestStaleRowsOutliveTheAnnouncement(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t, gdpRelease)
	oldIDs := h.chunks.ids(gdpRelease.ID)

	announced := false
	h.queue.onUpdated = func(string) {
		announced = true
		rows, err := h.chunks.Hydrate(context.Background(), oldIDs)
		if err != nil || len(rows) != len(oldIDs) {
			t.Errorf("replicas on the previous snapshot lost %d of %d rows at announce time", len(oldIDs)-len(rows), len(oldIDs))
		}
	}

	revised := gdpRelease
	revised.Text = "Revised estimates put real GDP growth for 2023-24 at 8.4 percent."
	h.submit(t, revised)

	if !announced {
		t.Fatal("expected the update to be announced")
	}
	for _, id := range oldIDs {
		if slices.Contains(h.chunks.ids(gdpRelease.ID), id) {
			t.Fatalf("stale row %s kept after the announcement", id)
		}
	}
}

func TestFailedPersistKeepsStaleRows(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t, gdpRelease)
	oldIDs := h.chunks.ids(gdpRelease.ID)
	announcements := len(h.queue.updated)

	h.storage.failPrefix = "index/"
	doc, err := h.docs.GetByID(context.Background(), gdpRelease.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	doc.Text = "Revised estimates put real GDP growth for 2023-24 at 8.4 percent."
	if _, err := h.builder.Update(context.Background(), []domain.Document{*doc}); err == nil {
		t.Fatal("expected the persist failure to be reported")
	}

	if len(h.queue.updated) != announcements {
		t.Fatalf("an unsaved snapshot must not be announced, got %v", h.queue.updated)
	}
	rows, err := h.chunks.Hydrate(context.Background(), oldIDs)
	if err != nil || len(rows) != len(oldIDs) {
		t.Fatalf("rows of the persisted snapshot were pruned: kept %d of %d", len(rows), len(oldIDs))
	}
}

func TestRebuildOfLiveStoreMatchesPreviousIndex(t *testing.T) {
	h := newHarness(t, harnessOptions{concurrency: 3})
	h.submit(t, corpus(6)...)
	queries := []string{"GDP growth Q4", "consumer price inflation", "urban unemployment rate"}

	search := func() map[string][]domain.ScoredID {
		out := make(map[string][]domain.ScoredID, len(queries))
		for _, q := range queries {
			vec, err := h.embedder.EmbedQuery(context.Background(), q)
			if err != nil {
				t.Fatalf("EmbedQuery(%q) error = %v", q, err)
			}
			hits, err := h.index.Search(vec, 5, nil)
			if err != nil {
				t.Fatalf("Search(%q) error = %v", q, err)
			}
			out[q] = hits
		}
		return out
	}

	before := search()
	total := h.index.Status().TotalChunks
	for range 2 {
		report, err := h.process.RebuildAll(context.Background())
		if err != nil {
			t.Fatalf("RebuildAll() error = %v", err)
		}
		if report.ChunksAdded != 0 || report.ChunksRemoved != 0 || report.TotalChunks != total {
			t.Fatalf("rebuild of an unchanged corpus changed the index: %+v", report)
		}
		after := search()
		for _, q := range queries {
			if !slices.Equal(before[q], after[q]) {
				t.Fatalf("query %q: before %v, after %v", q, before[q], after[q])
			}
		}
	}
}
