package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

func setupLocalEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "statsrag.db"))
	t.Setenv("STORAGE_PATH", filepath.Join(dir, "storage"))
	t.Setenv("EMBEDDING_PROVIDER", "hashing")
	t.Setenv("EMBED_DIMENSION", "256")
	t.Setenv("GENERATION_PROVIDER", "none")
	t.Setenv("TOKEN_ENCODING", "whitespace")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func runIndexctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeDocument(t *testing.T, dir, name, text string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestSubmitStatusAndSearch(t *testing.T) {
	dir := setupLocalEnv(t)
	gdp := writeDocument(t, dir, "gdp.txt",
		"Real GDP grew by 8.2 percent in 2023-24. Growth in the manufacturing sector was 9.9 percent. "+
			"Gross value added at basic prices rose 7.2 percent.")
	cpi := writeDocument(t, dir, "cpi.txt",
		"All India consumer price inflation was 5.1 percent in January. Food inflation eased to 8.3 percent.")

	for _, args := range [][]string{
		{"submit", gdp, "--id", "gdp-2024", "--url", "https://mospi.gov.in/gdp-2024", "--title", "GDP 2023-24", "--category", "National Accounts"},
		{"submit", cpi, "--id", "cpi-jan", "--url", "https://mospi.gov.in/cpi-jan", "--title", "CPI January", "--category", "Prices"},
	} {
		out, err := runIndexctl(t, append([]string{"--format", "json"}, args...)...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		var doc domain.Document
		if err := json.Unmarshal([]byte(out), &doc); err != nil {
			t.Fatalf("decode submit output %q: %v", out, err)
		}
		if doc.Status != domain.StatusIndexed {
			t.Fatalf("expected %s indexed, got %+v", doc.ID, doc)
		}
	}

	out, err := runIndexctl(t, "status", "--format", "json", "--top", "1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status struct {
		Index  domain.IndexStatus `json:"index"`
		Corpus domain.CorpusStats `json:"corpus"`
	}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Index.Loaded || status.Index.ModelID != "hashing-v1-256" {
		t.Fatalf("expected persisted hashing index, got %+v", status.Index)
	}
	if status.Corpus.Documents != 2 || status.Index.TotalChunks != status.Corpus.Chunks {
		t.Fatalf("index and side store disagree: %+v", status)
	}
	if len(status.Corpus.TopDocuments) != 1 {
		t.Fatalf("expected top 1 document, got %+v", status.Corpus.TopDocuments)
	}

	out, err = runIndexctl(t, "search", "--format", "json", "-k", "1", "GDP", "growth", "manufacturing")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var result domain.RetrievalResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if len(result.Chunks) != 1 || result.Chunks[0].DocumentID != "gdp-2024" {
		t.Fatalf("expected the GDP release first, got %+v", result.Chunks)
	}

	out, err = runIndexctl(t, "ask", "What was GDP growth?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(out, "without the generative model") {
		t.Fatalf("expected the extractive answer with generation disabled, got %q", out)
	}
}

func TestBuildReportsEmptyCorpus(t *testing.T) {
	setupLocalEnv(t)

	out, err := runIndexctl(t, "build")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(out, "total chunks") {
		t.Fatalf("expected table report, got %q", out)
	}
}

func TestSubmitRequiresID(t *testing.T) {
	dir := setupLocalEnv(t)
	path := writeDocument(t, dir, "doc.txt", "Some text.")

	if _, err := runIndexctl(t, "submit", path, "--url", "https://mospi.gov.in/x"); err == nil {
		t.Fatalf("expected missing --id to fail")
	}
}

func TestBuildRefusesWhileWorkerOwnsIndex(t *testing.T) {
	dir := setupLocalEnv(t)
	t.Setenv("NATS_URL", "nats://127.0.0.1:1")

	_, err := runIndexctl(t, "build")
	if err == nil || !strings.Contains(err.Error(), "worker owns the index") {
		t.Fatalf("expected build to refuse with a queue configured, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "statsrag.db")); !os.IsNotExist(statErr) {
		t.Fatalf("build must refuse before opening the store, stat: %v", statErr)
	}
}
