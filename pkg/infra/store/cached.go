package store

import (
	"context"
	"time"

	"github.com/jguan/stagepipe/pkg/infra/cache"
	"github.com/jguan/stagepipe/pkg/pipeline"
)

// CachedStore serves reads of finished runs from memory. Only terminal
// documents are cached; they change afterwards only through late stage
// outputs, which go through this store and refresh the entry. Writes made by
// other processes become visible once the entry expires.
type CachedStore struct {
	pipeline.SweepStore
	docs *cache.Cache[*pipeline.Document]
}

// NewCachedStore wraps inner with a cache of up to size terminal documents
// kept for ttl.
func NewCachedStore(inner pipeline.SweepStore, ttl time.Duration, size int) *CachedStore {
	return &CachedStore{
		SweepStore: inner,
		docs:       cache.New[*pipeline.Document](cache.WithTTL(ttl), cache.WithMaxSize(size)),
	}
}

func (s *CachedStore) Get(ctx context.Context, runID string) (*pipeline.Document, error) {
	if doc, ok := s.docs.Get(runID); ok {
		return doc.Clone(), nil
	}
	doc, err := s.SweepStore.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.remember(doc)
	return doc, nil
}

func (s *CachedStore) PutIfRevision(ctx context.Context, doc *pipeline.Document, expected int64) error {
	if err := s.SweepStore.PutIfRevision(ctx, doc, expected); err != nil {
		s.docs.Delete(doc.RunID)
		return err
	}
	s.remember(doc)
	return nil
}

func (s *CachedStore) remember(doc *pipeline.Document) {
	if !doc.Status.IsTerminal() {
		s.docs.Delete(doc.RunID)
		return
	}
	s.docs.Set(doc.RunID, doc.Clone(), 0)
}

var _ pipeline.SweepStore = (*CachedStore)(nil)
