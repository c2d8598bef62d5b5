package usecase

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

var citationMarker = regexp.MustCompile(`(\s*)\[(\d+(?:\s*,\s*\d+)*)\]`)

// applyCitations keeps markers that point at a context block, drops the rest,
// and returns citations in order of first appearance.
func applyCitations(text string, sources []domain.RetrievedChunk) (string, []domain.Citation, []string) {
	citations := []domain.Citation{}
	seen := make(map[int]struct{})
	invalid := 0

	var b strings.Builder
	last := 0
	for _, m := range citationMarker.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(text[last:m[0]])
		last = m[1]

		var valid []string
		for _, part := range strings.Split(text[m[4]:m[5]], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 1 || n > len(sources) {
				invalid++
				continue
			}
			valid = append(valid, strconv.Itoa(n))
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			src := sources[n-1]
			citations = append(citations, domain.Citation{
				Marker:     n,
				ChunkID:    src.ChunkID,
				DocumentID: src.DocumentID,
				Title:      src.Title,
				SourceURL:  src.SourceURL,
			})
		}
		if len(valid) > 0 {
			b.WriteString(text[m[2]:m[3]])
			b.WriteString("[" + strings.Join(valid, ", ") + "]")
		}
	}
	b.WriteString(text[last:])

	var warnings []string
	if invalid > 0 {
		warnings = append(warnings, fmt.Sprintf("removed %d citation marker(s) that matched no source", invalid))
	}
	if len(citations) == 0 {
		warnings = append(warnings, "answer contains no citations")
	}
	return strings.TrimSpace(b.String()), citations, warnings
}
