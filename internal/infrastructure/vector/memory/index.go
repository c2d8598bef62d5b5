package memory

import (
	"container/heap"
	"fmt"
	"math"
	"time"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

type entry struct {
	id  string
	vec []float32
}

// Index is an exact flat index over L2-normalized vectors of one embedding
// model. Entries keep insertion order so equal scores resolve to the earlier
// chunk. An Index is mutated only while it is a private draft; once published
// through Store it is read-only.
type Index struct {
	modelID string
	dim     int
	builtAt time.Time
	entries []entry
	pos     map[string]int
}

func NewIndex(modelID string, dimension int) *Index {
	return &Index{
		modelID: modelID,
		dim:     dimension,
		pos:     make(map[string]int),
	}
}

func (ix *Index) ModelID() string { return ix.modelID }

func (ix *Index) Dimension() int { return ix.dim }

func (ix *Index) Len() int { return len(ix.entries) }

func (ix *Index) Has(chunkID string) bool {
	_, ok := ix.pos[chunkID]
	return ok
}

func (ix *Index) Vector(chunkID string) ([]float32, bool) {
	i, ok := ix.pos[chunkID]
	if !ok {
		return nil, false
	}
	return ix.entries[i].vec, true
}

// Add inserts a vector, or replaces it in place when chunkID is already
// present. Vectors are shared, never copied, and must not be modified later.
func (ix *Index) Add(chunkID string, vector []float32) error {
	if chunkID == "" {
		return fmt.Errorf("add vector: empty chunk id")
	}
	if len(vector) != ix.dim {
		return fmt.Errorf("add vector %s: dimension %d, index has %d", chunkID, len(vector), ix.dim)
	}
	if i, ok := ix.pos[chunkID]; ok {
		ix.entries[i].vec = vector
		return nil
	}
	ix.pos[chunkID] = len(ix.entries)
	ix.entries = append(ix.entries, entry{id: chunkID, vec: vector})
	return nil
}

// Remove deletes chunkID, keeping the relative order of the remaining entries.
func (ix *Index) Remove(chunkID string) bool {
	i, ok := ix.pos[chunkID]
	if !ok {
		return false
	}
	copy(ix.entries[i:], ix.entries[i+1:])
	ix.entries[len(ix.entries)-1] = entry{}
	ix.entries = ix.entries[:len(ix.entries)-1]
	delete(ix.pos, chunkID)
	for j := i; j < len(ix.entries); j++ {
		ix.pos[ix.entries[j].id] = j
	}
	return true
}

// Clone returns a draft sharing vectors but not entry bookkeeping.
func (ix *Index) Clone() *Index {
	out := &Index{
		modelID: ix.modelID,
		dim:     ix.dim,
		builtAt: ix.builtAt,
		entries: make([]entry, len(ix.entries)),
		pos:     make(map[string]int, len(ix.pos)),
	}
	copy(out.entries, ix.entries)
	for id, i := range ix.pos {
		out.pos[id] = i
	}
	return out
}

// Search returns up to k hits by descending dot product. k is clamped to
// [1, eligible entries]; an empty index yields an empty result.
func (ix *Index) Search(query []float32, k int, eligible ports.ChunkPredicate) ([]domain.ScoredID, error) {
	if len(ix.entries) == 0 {
		return []domain.ScoredID{}, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("search: query dimension %d, index has %d", len(query), ix.dim)
	}
	if k < 1 {
		k = 1
	}

	h := make(minHeap, 0, min(k, len(ix.entries)))
	for i, e := range ix.entries {
		if eligible != nil && !eligible(e.id) {
			continue
		}
		c := candidate{pos: i, score: dot(query, e.vec)}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if c.better(h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	out := make([]domain.ScoredID, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		c := heap.Pop(&h).(candidate)
		out[i] = domain.ScoredID{ChunkID: ix.entries[c.pos].id, Score: c.score}
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize scales v to unit length in place. It reports false for zero or
// non-finite vectors, which have no direction.
func Normalize(v []float32) bool {
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		sum += f * f
	}
	if sum == 0 {
		return false
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}

type candidate struct {
	pos   int
	score float64
}

// better orders by score then by earlier insertion.
func (c candidate) better(o candidate) bool {
	if c.score != o.score {
		return c.score > o.score
	}
	return c.pos < o.pos
}

// minHeap keeps the worst retained candidate at the root.
type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
