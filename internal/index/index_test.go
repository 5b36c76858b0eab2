package index

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "chroma", "index.db"), zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCollectionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	names, err := store.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	col, err := store.CreateCollection(ctx, "notes", map[string]any{"owner": "me"})
	require.NoError(t, err)
	assert.Equal(t, "notes", col.Name)
	assert.Equal(t, "me", col.Metadata["owner"])

	again, err := store.CreateCollection(ctx, "notes", map[string]any{"owner": "someone else"})
	require.NoError(t, err)
	assert.Equal(t, col.ID, again.ID)
	assert.Equal(t, "me", again.Metadata["owner"])

	_, err = store.CreateCollection(ctx, "papers", nil)
	require.NoError(t, err)

	names, err = store.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "papers"}, names)

	require.NoError(t, store.DeleteCollection(ctx, "notes"))
	names, err = store.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"papers"}, names)

	assert.ErrorIs(t, store.DeleteCollection(ctx, "notes"), ErrCollectionNotFound)
}

func TestUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Upsert(ctx, "docs", "a", "first text", map[string]any{"lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	_, err = store.Upsert(ctx, "docs", "b", "second text", nil)
	require.NoError(t, err)

	_, err = store.Upsert(ctx, "docs", "a", "replaced text", map[string]any{"lang": "fr"})
	require.NoError(t, err)

	docs, err := store.Get(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, docs.IDs)
	assert.Equal(t, []string{"replaced text", "second text"}, docs.Documents)
	require.Len(t, docs.Metadatas, 2)
	assert.Equal(t, "fr", docs.Metadatas[0]["lang"])
	assert.Empty(t, docs.Metadatas[1])

	names, err := store.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, names)
}

func TestUpsertGeneratesMissingID(t *testing.T) {
	store := newTestStore(t, WithIDGenerator(func() string { return "generated-1" }))

	id, err := store.Upsert(context.Background(), "docs", "", "text", nil)
	require.NoError(t, err)
	assert.Equal(t, "generated-1", id)
}

func TestGetUnknownCollection(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	_, err = store.Search(context.Background(), "missing", "anything", 3)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestSearchRanksByMatchedTerms(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "kb", "go", "Go is a language with goroutines and channels.", nil)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "kb", "rust", "Rust has ownership and channels too.", nil)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "kb", "cooking", "Boil the pasta for ten minutes.", nil)
	require.NoError(t, err)

	hits, err := store.Search(ctx, "kb", "Goroutines CHANNELS", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "go", hits[0].ID)
	assert.Equal(t, 2, hits[0].Score)
	assert.Equal(t, "rust", hits[1].ID)
	assert.Equal(t, 1, hits[1].Score)

	hits, err = store.Search(ctx, "kb", "channels", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = store.Search(ctx, "kb", "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchUsesChunks(t *testing.T) {
	store := newTestStore(t, WithChunking(40, 0))
	ctx := context.Background()

	text := strings.Repeat("filler words here. ", 10) + "\n\nThe needle is hidden at the end."
	_, err := store.Upsert(ctx, "kb", "long", text, nil)
	require.NoError(t, err)

	hits, err := store.Search(ctx, "kb", "needle", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, text, hits[0].Document)
	assert.Contains(t, hits[0].Snippet, "needle")
	assert.Less(t, len(hits[0].Snippet), len(text))
}

func TestDeleteCollectionRemovesDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "kb", "a", "alpha", nil)
	require.NoError(t, err)
	require.NoError(t, store.DeleteCollection(ctx, "kb"))

	_, err = store.Upsert(ctx, "kb", "b", "beta", nil)
	require.NoError(t, err)

	docs, err := store.Get(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, docs.IDs)

	hits, err := store.Search(ctx, "kb", "alpha", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEmptyCollectionNameIsItsOwnCollection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	notes, err := store.CreateCollection(ctx, "notes", nil)
	require.NoError(t, err)

	unnamed, err := store.CreateCollection(ctx, "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, notes.ID, unnamed.ID)
	assert.Equal(t, "", unnamed.Name)

	_, err = store.Upsert(ctx, "", "a", "stray", nil)
	require.NoError(t, err)

	docs, err := store.Get(ctx, "notes")
	require.NoError(t, err)
	assert.Empty(t, docs.IDs)
}

func TestSearchFoldsNonASCIICase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "kb", "de", "ÜBER DIE STRAẞE", nil)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "kb", "el", "ΚΑΛΗΜΕΡΑ κόσμε", nil)
	require.NoError(t, err)

	hits, err := store.Search(ctx, "kb", "über", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "de", hits[0].ID)

	hits, err = store.Search(ctx, "kb", "Καλημερα", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "el", hits[0].ID)
}
