package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// DocumentStore persists one Document per run. Every write is a single
// atomic operation on a single record.
type DocumentStore interface {
	// Get returns ErrRunNotFound if the run does not exist.
	Get(ctx context.Context, runID string) (*Document, error)
	// Create returns ErrRunAlreadyExists if the run id is taken.
	Create(ctx context.Context, doc *Document) error
	// PutIfRevision replaces the stored document only if its revision equals
	// expected. doc.Revision must be expected+1. A mismatch returns
	// ErrRevisionConflict and leaves the stored document untouched.
	PutIfRevision(ctx context.Context, doc *Document, expected int64) error
}

// ActiveLister enumerates runs that have not reached a terminal status.
type ActiveLister interface {
	ListActive(ctx context.Context, limit int) ([]*Document, error)
}

// SweepStore is what the supervisory sweep needs from a store.
type SweepStore interface {
	DocumentStore
	ActiveLister
}

func checkNextRevision(doc *Document, expected int64) error {
	if doc == nil {
		return fmt.Errorf("document is nil")
	}
	if doc.Revision != expected+1 {
		return fmt.Errorf("%w: document revision %d must be expected revision %d plus one", ErrInvalidTransition, doc.Revision, expected)
	}
	return nil
}

// CheckWrite validates a conditional write before a store performs it.
func CheckWrite(doc *Document, expected int64) error {
	return checkNextRevision(doc, expected)
}

type MemoryStore struct {
	docs map[string]*Document
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*Document),
	}
}

func (s *MemoryStore) Get(ctx context.Context, runID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.docs[runID]
	if !exists {
		return nil, ErrRunNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, doc *Document) error {
	if doc == nil || doc.RunID == "" {
		return fmt.Errorf("document must have a run id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.RunID]; exists {
		return ErrRunAlreadyExists
	}
	s.docs[doc.RunID] = doc.Clone()
	return nil
}

func (s *MemoryStore) PutIfRevision(ctx context.Context, doc *Document, expected int64) error {
	if err := checkNextRevision(doc, expected); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.docs[doc.RunID]
	if !exists {
		return ErrRunNotFound
	}
	if current.Revision != expected {
		return ErrRevisionConflict
	}
	s.docs[doc.RunID] = doc.Clone()
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context, limit int) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Document
	for _, doc := range s.docs {
		if doc.Status.IsTerminal() {
			continue
		}
		result = append(result, doc.Clone())
	}
	slices.SortFunc(result, func(a, b *Document) int { return a.UpdatedAt.Compare(b.UpdatedAt) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ SweepStore = (*MemoryStore)(nil)
