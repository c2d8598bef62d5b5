package chunking

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

func numberedWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func reconstruct(t *testing.T, text string, chunks []domain.Chunk) string {
	t.Helper()
	var b strings.Builder
	covered := 0
	for i, c := range chunks {
		if text[c.Span.Start:c.Span.End] != c.Text {
			t.Fatalf("chunk %d text does not match its span", i)
		}
		if c.Span.Start > covered {
			t.Fatalf("gap before chunk %d: covered=%d start=%d", i, covered, c.Span.Start)
		}
		if c.Span.End > covered {
			b.WriteString(text[covered:c.Span.End])
			covered = c.Span.End
		}
	}
	return b.String()
}

func TestNewSplitterNormalizesConfig(t *testing.T) {
	s := NewSplitter(0, -1)
	if s.ChunkSize != DefaultChunkSize || s.Overlap != 0 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	s = NewSplitter(20, 25)
	if s.Overlap >= s.ChunkSize {
		t.Fatalf("overlap must be reduced below chunk size, got %+v", s)
	}
}

func TestSplitBlankDocumentYieldsNoChunks(t *testing.T) {
	s := NewSplitter(20, 5)
	for _, text := range []string{"", "   ", "\n\t \n"} {
		if chunks := s.Split(domain.Document{ID: "doc", Text: text}); len(chunks) != 0 {
			t.Fatalf("expected zero chunks for %q, got %d", text, len(chunks))
		}
	}
}

func TestSplitFiftyTokensProducesThreeOverlappingChunks(t *testing.T) {
	text := numberedWords(50)
	chunks := NewSplitter(20, 5).Split(domain.Document{ID: "doc-1", Text: text})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.TokenCount > 20 {
			t.Fatalf("chunk %d exceeds chunk size: %d", i, c.TokenCount)
		}
		if c.Sequence != i {
			t.Fatalf("chunk %d has sequence %d", i, c.Sequence)
		}
	}
	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1].Text)
		cur := strings.Fields(chunks[i].Text)
		shared := strings.Join(prev[len(prev)-5:], " ")
		if !strings.HasPrefix(strings.Join(cur, " "), shared) {
			t.Fatalf("chunk %d does not start with the 5 overlap tokens %q", i, shared)
		}
	}
	if got := reconstruct(t, text, chunks); got != text {
		t.Fatalf("chunks do not reconstruct the document")
	}
}

func TestSplitCoversTextWithIrregularWhitespace(t *testing.T) {
	text := "  India's GDP   grew 7%\tin FY24.\n\nInflation eased to 5.1%.  Exports rose sharply in Q3; imports fell.  "
	for _, cfg := range [][2]int{{3, 0}, {4, 1}, {5, 2}, {50, 10}} {
		chunks := NewSplitter(cfg[0], cfg[1]).Split(domain.Document{ID: "doc", Text: text})
		if len(chunks) == 0 {
			t.Fatalf("cfg %v: expected chunks", cfg)
		}
		if chunks[0].Span.Start != 0 || chunks[len(chunks)-1].Span.End != len(text) {
			t.Fatalf("cfg %v: spans must cover [0,%d), got first=%+v last=%+v", cfg, len(text), chunks[0].Span, chunks[len(chunks)-1].Span)
		}
		if got := reconstruct(t, text, chunks); got != text {
			t.Fatalf("cfg %v: reconstructed %q", cfg, got)
		}
		for i, c := range chunks {
			if c.Span.Len() == 0 || strings.TrimSpace(c.Text) == "" {
				t.Fatalf("cfg %v: chunk %d is empty", cfg, i)
			}
			if i > 0 && c.Span.End <= chunks[i-1].Span.End {
				t.Fatalf("cfg %v: chunk %d adds no new text", cfg, i)
			}
		}
	}
}

func TestSplitPrefersSentenceBoundaries(t *testing.T) {
	text := "one two three four five six seven. eight nine ten eleven twelve"
	chunks := NewSplitter(10, 2).Split(domain.Document{ID: "doc", Text: text})
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(strings.TrimSpace(chunks[0].Text), "seven.") {
		t.Fatalf("expected first chunk to end at sentence boundary, got %q", chunks[0].Text)
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	doc := domain.Document{ID: "doc-7", Text: numberedWords(137)}
	a := NewSplitter(25, 7).Split(doc)
	b := NewSplitter(25, 7).Split(doc)
	if len(a) != len(b) {
		t.Fatalf("chunk count differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Span != b[i].Span {
			t.Fatalf("chunk %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
	if a[0].ContentHash != domain.ContentHash(doc.Text) {
		t.Fatalf("expected content hash to be derived from text")
	}
}

func TestSplitChunkIDsChangeWithContent(t *testing.T) {
	s := NewSplitter(5, 1)
	a := s.Split(domain.Document{ID: "doc", Text: "alpha beta gamma delta"})
	b := s.Split(domain.Document{ID: "doc", Text: "alpha beta gamma epsilon"})
	if a[0].ID == b[0].ID {
		t.Fatalf("superseded content must yield new chunk ids, got %s", a[0].ID)
	}
}
