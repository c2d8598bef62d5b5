package memory

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/core/ports"
)

var ErrNotLoaded = errors.New("vector index not loaded")

// Store publishes immutable Index snapshots. Readers load the current pointer
// without locking; writers are serialized and swap a finished draft in one
// atomic store, so a search sees either the old or the new index in full.
type Store struct {
	current atomic.Pointer[Index]
	writeMu sync.Mutex
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Snapshot() *Index {
	return s.current.Load()
}

func (s *Store) Search(query []float32, k int, eligible ports.ChunkPredicate) ([]domain.ScoredID, error) {
	ix := s.current.Load()
	if ix == nil {
		return []domain.ScoredID{}, nil
	}
	return ix.Search(query, k, eligible)
}

func (s *Store) Has(chunkID string) bool {
	ix := s.current.Load()
	return ix != nil && ix.Has(chunkID)
}

func (s *Store) Vector(chunkID string) ([]float32, bool) {
	ix := s.current.Load()
	if ix == nil {
		return nil, false
	}
	return ix.Vector(chunkID)
}

func (s *Store) Status() domain.IndexStatus {
	ix := s.current.Load()
	if ix == nil {
		return domain.IndexStatus{}
	}
	return domain.IndexStatus{
		Loaded:      true,
		TotalChunks: ix.Len(),
		ModelID:     ix.modelID,
		Dimension:   ix.dim,
		BuiltAt:     ix.builtAt,
	}
}

func (s *Store) Rebuild(modelID string, dimension int, fill func(ports.IndexWriter) error) error {
	if modelID == "" || dimension <= 0 {
		return fmt.Errorf("rebuild index: invalid model %q dimension %d", modelID, dimension)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	draft := NewIndex(modelID, dimension)
	if err := fill(draft); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	draft.builtAt = s.now()
	s.current.Store(draft)
	return nil
}

func (s *Store) Update(fill func(ports.IndexWriter) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	live := s.current.Load()
	if live == nil {
		return fmt.Errorf("update index: %w", ErrNotLoaded)
	}
	draft := live.Clone()
	if err := fill(draft); err != nil {
		return fmt.Errorf("update index: %w", err)
	}
	draft.builtAt = s.now()
	s.current.Store(draft)
	return nil
}

func (s *Store) WriteSnapshot(w io.Writer) error {
	ix := s.current.Load()
	if ix == nil {
		return fmt.Errorf("write index snapshot: %w", ErrNotLoaded)
	}
	return Encode(w, ix)
}

// LoadSnapshot replaces the live index with a decoded snapshot. A non-empty
// modelID must match the snapshot's model. On failure the live index is left
// untouched.
func (s *Store) LoadSnapshot(r io.Reader, modelID string) error {
	ix, err := Decode(r)
	if err != nil {
		return err
	}
	if modelID != "" && ix.modelID != modelID {
		return domain.WrapError(domain.ErrModelMismatch, "load index snapshot",
			fmt.Errorf("snapshot model %q, embedder model %q", ix.modelID, modelID))
	}
	s.writeMu.Lock()
	s.current.Store(ix)
	s.writeMu.Unlock()
	return nil
}
