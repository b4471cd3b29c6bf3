package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDoc(id, title string) *Document {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Document{
		ID:         id,
		Title:      title,
		Markdown:   "# " + title + "\n\nbody",
		RenderMode: RenderModeMarkdown,
		Metadata:   map[string]any{"source": "web"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	doc := newTestDoc("abc123", "Notes")
	require.NoError(t, s.Create(ctx, doc))

	got, err := s.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "Notes", got.Title)
	assert.Equal(t, RenderModeMarkdown, got.RenderMode)
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTestDoc("abc123", "First")))
	err := s.Create(ctx, newTestDoc("abc123", "Second"))
	assert.ErrorIs(t, err, ErrIDConflict)

	// The original survives the conflicting create.
	got, err := s.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdatePartial(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestDoc("abc123", "Original title")))

	body := "updated body"
	got, err := s.Update(ctx, "abc123", Patch{Markdown: &body})
	require.NoError(t, err)

	// Only the patched field changes; the title needs an explicit patch.
	assert.Equal(t, "Original title", got.Title)
	assert.Equal(t, "updated body", got.Markdown)

	title := "New title"
	got, err = s.Update(ctx, "abc123", Patch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "New title", got.Title)
	assert.Equal(t, "updated body", got.Markdown)
}

func TestMemoryStoreUpdateNotFound(t *testing.T) {
	s := NewMemoryStore()
	title := "x"
	_, err := s.Update(context.Background(), "missing", Patch{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestDoc("abc123", "Notes")))

	require.NoError(t, s.Delete(ctx, "abc123"))
	_, err := s.Get(ctx, "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "abc123"), ErrNotFound)
}

func TestMemoryStoreListFiltersAndPages(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := newTestDoc("a", "Meeting notes")
	a.UpdatedAt = time.Now().Add(-2 * time.Hour)
	b := newTestDoc("b", "Design doc")
	b.UpdatedAt = time.Now().Add(-1 * time.Hour)
	c := newTestDoc("c", "More notes")
	c.Metadata = map[string]any{"source": "api"}
	c.UpdatedAt = time.Now()
	for _, doc := range []*Document{a, b, c} {
		require.NoError(t, s.Create(ctx, doc))
	}

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	bySource, err := s.List(ctx, ListFilter{Source: "api"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, "c", bySource[0].ID)

	byTitle, err := s.List(ctx, ListFilter{TitleContains: "notes"})
	require.NoError(t, err)
	assert.Len(t, byTitle, 2)

	paged, err := s.List(ctx, ListFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "b", paged[0].ID)

	past, err := s.List(ctx, ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMemoryStoreCRDTRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestDoc("abc123", "Notes")))

	// No snapshot yet.
	state, err := s.LoadCRDT(ctx, "abc123")
	require.NoError(t, err)
	assert.Nil(t, state)

	snapshot := []byte{0x01, 0x02, 0x03}
	at := time.Now().UTC()
	require.NoError(t, s.SaveCRDT(ctx, "abc123", snapshot, at))

	state, err = s.LoadCRDT(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, snapshot, state)

	assert.ErrorIs(t, s.SaveCRDT(ctx, "missing", snapshot, at), ErrNotFound)
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Close(ctx))

	assert.ErrorIs(t, s.Create(ctx, newTestDoc("a", "t")), ErrClosed)
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrClosed)
}

func TestTransientErrorMatchesSentinel(t *testing.T) {
	err := &TransientError{Op: "get", Cause: context.DeadlineExceeded}
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "get")
}

func TestEscapeRegex(t *testing.T) {
	assert.Equal(t, `a\.b\*c`, escapeRegex("a.b*c"))
	assert.Equal(t, "plain", escapeRegex("plain"))
}
