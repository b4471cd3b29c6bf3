// Package store persists shared documents: metadata, the Markdown/HTML
// snapshot and the opaque CRDT state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Render modes of a document's read-only view.
const (
	RenderModeMarkdown = "markdown"
	RenderModeHTML     = "html"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrIDConflict is returned when creating a document whose id already exists.
	ErrIDConflict = errors.New("document id already exists")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrTransient marks storage I/O failures that callers may retry.
	ErrTransient = errors.New("transient storage failure")
)

// TransientError wraps a storage I/O failure with its cause.
type TransientError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage failure in %s: %v", e.Op, e.Cause)
}

// Is reports whether the error matches ErrTransient.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// Unwrap returns the underlying cause.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// Document is a persisted share.
type Document struct {
	ID         string         `bson:"_id" json:"shareId"`
	Title      string         `bson:"title" json:"title"`
	Markdown   string         `bson:"markdown" json:"content"`
	HTML       string         `bson:"html,omitempty" json:"htmlContent,omitempty"`
	RenderMode string         `bson:"render_mode" json:"renderMode"`
	CRDTState  []byte         `bson:"crdt_state,omitempty" json:"-"`
	Metadata   map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt  time.Time      `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time      `bson:"updated_at" json:"updatedAt"`
}

// Patch is a partial document update. Nil fields are left untouched; the
// title in particular changes only when explicitly set.
type Patch struct {
	Title      *string
	Markdown   *string
	HTML       *string
	RenderMode *string
	Metadata   map[string]any
}

// Summary is the listing projection: no bodies, no CRDT bytes.
type Summary struct {
	ID         string    `bson:"_id" json:"shareId"`
	Title      string    `bson:"title" json:"title"`
	RenderMode string    `bson:"render_mode" json:"renderMode"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updatedAt"`
}

// ListFilter narrows and pages a listing.
type ListFilter struct {
	// Source filters on the metadata "source" label when non-empty.
	Source string
	// TitleContains filters on a case-insensitive title substring.
	TitleContains string
	Offset        int64
	Limit         int64
}

// Store is the document persistence contract.
type Store interface {
	// Create inserts a new document. Returns ErrIDConflict when the id is taken.
	Create(ctx context.Context, doc *Document) error

	// Get returns a document by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// List returns summaries matching the filter.
	List(ctx context.Context, filter ListFilter) ([]Summary, error)

	// Update applies a partial patch and returns the updated document.
	Update(ctx context.Context, id string, patch Patch) (*Document, error)

	// Delete removes a document, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// LoadCRDT returns the stored CRDT snapshot, nil when none exists yet.
	LoadCRDT(ctx context.Context, id string) ([]byte, error)

	// SaveCRDT stores a full CRDT snapshot. Last writer wins.
	SaveCRDT(ctx context.Context, id string, state []byte, updatedAt time.Time) error

	// Ping verifies connectivity for health reporting.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close(ctx context.Context) error
}
