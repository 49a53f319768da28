package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/pdfqa/internal/index"
	"gwi.com/pdfqa/internal/memory"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessions_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.Now().Add(-time.Hour)

	turns := []memory.Turn{
		{ID: "t1", Question: "q1", Answer: "a1", CreatedAt: created, Sources: []memory.Source{{Label: "S1", ChunkID: "doc:0", Filename: "a.pdf", Page: 2, Score: 0.9}}},
		{ID: "t2", Question: "q2", Answer: "a2", CreatedAt: created.Add(time.Minute)},
	}
	require.NoError(t, s.SaveSession(ctx, "sess", created, turns))

	sess, loaded, err := s.LoadSession(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, "sess", sess.ID)
	assert.WithinDuration(t, created, sess.CreatedAt, time.Second)
	require.Len(t, loaded, 2)
	assert.Equal(t, "t1", loaded[0].ID)
	assert.Equal(t, "a2", loaded[1].Answer)
	assert.Equal(t, turns[0].Sources, loaded[0].Sources)

	// Saving again replaces the turns.
	require.NoError(t, s.SaveSession(ctx, "sess", created, turns[1:]))
	_, loaded, err = s.LoadSession(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "t2", loaded[0].ID)

	require.NoError(t, s.DeleteSession(ctx, "sess"))
	_, _, err = s.LoadSession(ctx, "sess")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteSession(ctx, "sess"), ErrNotFound)
}

func TestDocuments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.SaveDocument(ctx, Document{ID: "d1", Filename: "a.pdf", Size: 10, Pages: 2, Chunks: 3, IngestedAt: now}))
	require.NoError(t, s.SaveDocument(ctx, Document{ID: "d1", Filename: "a.pdf", Size: 10, Pages: 2, Chunks: 4, IngestedAt: now}))
	require.NoError(t, s.SaveDocument(ctx, Document{ID: "d2", Filename: "b.txt", Size: 5, Pages: 1, Chunks: 1, IngestedAt: now.Add(time.Second)}))

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, 4, docs[0].Chunks)
	assert.Equal(t, "b.txt", docs[1].Filename)

	require.NoError(t, s.DeleteDocuments(ctx))
	docs, err = s.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIndexPersistence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	schema, err := s.LoadSchema(ctx)
	require.NoError(t, err)
	assert.Nil(t, schema)

	ix := index.New("hashing:2", s)
	require.NoError(t, ix.Upsert(ctx, "d:0", []float32{1, 0}, index.Metadata{DocumentID: "d", Filename: "a.pdf", Text: "alpha"}))
	require.NoError(t, ix.Upsert(ctx, "d:1", []float32{0, 1}, index.Metadata{DocumentID: "d", ChunkIndex: 1, Text: "beta"}))
	require.NoError(t, ix.Upsert(ctx, "d:0", []float32{0.5, 0.5}, index.Metadata{DocumentID: "d", Filename: "a.pdf", Text: "alpha v2"}))

	entries, err := s.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "d:0", entries[0].ChunkID)
	assert.Equal(t, int64(0), entries[0].Seq)
	assert.Equal(t, "alpha v2", entries[0].Metadata.Text)
	assert.Equal(t, []float32{0.5, 0.5}, entries[0].Vector)

	reloaded := index.New("hashing:2", s)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 2, reloaded.Len())

	other := index.New("ollama:nomic", s)
	assert.ErrorIs(t, other.Load(ctx), index.ErrSchemaMismatch)
	require.NoError(t, other.DeleteAll(ctx))

	schema, err = s.LoadSchema(ctx)
	require.NoError(t, err)
	assert.Nil(t, schema)
	entries, err = s.LoadEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocation(t *testing.T) {
	s := &SQLiteStore{dsn: "pdfqa.db"}
	assert.Equal(t, "pdfqa.db#sessions/abc", s.Location("abc"))
}
