// Package memory provides an in-memory corpus store for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Store implements pipeline.CorpusStore in memory.
type Store struct {
	mu         sync.Mutex
	items      map[pipeline.Fingerprint]pipeline.RawItem
	provenance []pipeline.Provenance
	seen       map[pipeline.Provenance]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		items: make(map[pipeline.Fingerprint]pipeline.RawItem),
		seen:  make(map[pipeline.Provenance]struct{}),
	}
}

// Upsert stores the item keyed on its fingerprint, preserving the original
// FetchedAt across re-crawls.
func (s *Store) Upsert(_ context.Context, item pipeline.RawItem) (pipeline.UpsertOutcome, error) {
	fp := pipeline.FingerprintOf(item)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.items[fp]
	if !ok {
		s.items[fp] = item
		return pipeline.Inserted, nil
	}

	outcome := pipeline.Unchanged
	if prev.Body != item.Body {
		outcome = pipeline.Updated
	}
	item.FetchedAt = prev.FetchedAt
	s.items[fp] = item
	return outcome, nil
}

// AddProvenance appends one link, collapsing duplicates.
func (s *Store) AddProvenance(_ context.Context, p pipeline.Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[p]; dup {
		return nil
	}
	s.seen[p] = struct{}{}
	s.provenance = append(s.provenance, p)
	return nil
}

// Item returns the stored item for a fingerprint.
func (s *Store) Item(fp pipeline.Fingerprint) (pipeline.RawItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[fp]
	return item, ok
}

// Len reports the number of distinct items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// ProvenanceFor returns the links recorded for a fingerprint.
func (s *Store) ProvenanceFor(fp pipeline.Fingerprint) []pipeline.Provenance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pipeline.Provenance
	for _, p := range s.provenance {
		if p.Fingerprint == fp {
			out = append(out, p)
		}
	}
	return out
}
