package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*Document
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func cloneDoc(doc *Document) *Document {
	out := *doc
	if doc.CRDTState != nil {
		out.CRDTState = append([]byte(nil), doc.CRDTState...)
	}
	if doc.Metadata != nil {
		out.Metadata = make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Create inserts a new document.
func (s *MemoryStore) Create(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[doc.ID]; ok {
		return ErrIDConflict
	}
	s.docs[doc.ID] = cloneDoc(doc)
	return nil
}

// Get returns a document by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

// List returns summaries matching the filter, newest first.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	matched := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if filter.Source != "" {
			src, _ := doc.Metadata["source"].(string)
			if src != filter.Source {
				continue
			}
		}
		if filter.TitleContains != "" &&
			!strings.Contains(strings.ToLower(doc.Title), strings.ToLower(filter.TitleContains)) {
			continue
		}
		matched = append(matched, doc)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= int64(len(matched)) {
			return []Summary{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < int64(len(matched)) {
		matched = matched[:filter.Limit]
	}

	summaries := make([]Summary, 0, len(matched))
	for _, doc := range matched {
		summaries = append(summaries, Summary{
			ID:         doc.ID,
			Title:      doc.Title,
			RenderMode: doc.RenderMode,
			CreatedAt:  doc.CreatedAt,
			UpdatedAt:  doc.UpdatedAt,
		})
	}
	return summaries, nil
}

// Update applies a partial patch and returns the updated document.
func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Markdown != nil {
		doc.Markdown = *patch.Markdown
	}
	if patch.HTML != nil {
		doc.HTML = *patch.HTML
	}
	if patch.RenderMode != nil {
		doc.RenderMode = *patch.RenderMode
	}
	if len(patch.Metadata) > 0 {
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			doc.Metadata[k] = v
		}
	}
	doc.UpdatedAt = time.Now().UTC()
	return cloneDoc(doc), nil
}

// Delete removes a document.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// LoadCRDT returns the stored CRDT snapshot.
func (s *MemoryStore) LoadCRDT(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if doc.CRDTState == nil {
		return nil, nil
	}
	return append([]byte(nil), doc.CRDTState...), nil
}

// SaveCRDT stores a full CRDT snapshot.
func (s *MemoryStore) SaveCRDT(_ context.Context, id string, state []byte, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.CRDTState = append([]byte(nil), state...)
	doc.UpdatedAt = updatedAt
	return nil
}

// Ping always succeeds on an open store.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
