package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	schema  *Schema
	entries map[string]Entry
	failAt  int
	saves   int
}

func newMemPersister() *memPersister { return &memPersister{entries: make(map[string]Entry)} }

func (m *memPersister) LoadSchema(context.Context) (*Schema, error) { return m.schema, nil }

func (m *memPersister) SaveSchema(_ context.Context, s Schema) error {
	m.schema = &s
	return nil
}

func (m *memPersister) LoadEntries(context.Context) ([]Entry, error) {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memPersister) SaveEntries(_ context.Context, entries []Entry) error {
	m.saves++
	if m.failAt > 0 && m.saves >= m.failAt {
		return errors.New("disk full")
	}
	for _, e := range entries {
		m.entries[e.ChunkID] = e
	}
	return nil
}

func (m *memPersister) DeleteAllEntries(context.Context) error {
	m.schema = nil
	m.entries = make(map[string]Entry)
	return nil
}

func md(doc string, i int) Metadata {
	return Metadata{DocumentID: doc, Filename: doc + ".pdf", ChunkIndex: i, Page: 1, Text: fmt.Sprintf("chunk %d", i)}
}

func TestIndex_SearchOrdering(t *testing.T) {
	ctx := context.Background()
	ix := New("test:3", nil)

	require.NoError(t, ix.Upsert(ctx, "a", []float32{1, 0, 0}, md("d", 0)))
	require.NoError(t, ix.Upsert(ctx, "b", []float32{0, 1, 0}, md("d", 1)))
	require.NoError(t, ix.Upsert(ctx, "c", []float32{1, 1, 0}, md("d", 2)))
	require.NoError(t, ix.Upsert(ctx, "d", []float32{2, 0, 0}, md("d", 3)))

	results, err := ix.Search([]float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	// a and d tie at 1.0; a was inserted first.
	assert.Equal(t, []string{"a", "d", "c"}, []string{results[0].ChunkID, results[1].ChunkID, results[2].ChunkID})
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.InDelta(t, 0.7071, results[2].Score, 1e-3)
	assert.Equal(t, "chunk 0", results[0].Metadata.Text)

	all, err := ix.Search([]float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestIndex_ReplaceKeepsPosition(t *testing.T) {
	ctx := context.Background()
	ix := New("test:2", nil)

	require.NoError(t, ix.Upsert(ctx, "first", []float32{0, 1}, md("d", 0)))
	require.NoError(t, ix.Upsert(ctx, "second", []float32{1, 0}, md("d", 1)))
	require.NoError(t, ix.Upsert(ctx, "first", []float32{1, 0}, md("d", 9)))

	assert.Equal(t, 2, ix.Len())
	results, err := ix.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, "first", results[0].ChunkID)
	assert.Equal(t, 9, results[0].Metadata.ChunkIndex)
}

func TestIndex_EmptyAndErrors(t *testing.T) {
	ctx := context.Background()
	ix := New("test:2", nil)

	results, err := ix.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.ErrorIs(t, ix.Upsert(ctx, "x", nil, md("d", 0)), ErrEmptyVector)
	require.NoError(t, ix.Upsert(ctx, "x", []float32{1, 0}, md("d", 0)))
	assert.ErrorIs(t, ix.Upsert(ctx, "y", []float32{1, 0, 0}, md("d", 1)), ErrDimensionMismatch)

	_, err = ix.Search([]float32{1}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestIndex_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	ix := New("test:2", nil)

	err := ix.Batch(ctx, func(b *Batch) error {
		require.NoError(t, b.Add("a", []float32{1, 0}, md("d", 0)))
		return errors.New("embedding failed halfway")
	})
	require.Error(t, err)
	assert.Equal(t, 0, ix.Len())

	p := newMemPersister()
	p.failAt = 1
	ix = New("test:2", p)
	err = ix.Batch(ctx, func(b *Batch) error { return b.Add("a", []float32{1, 0}, md("d", 0)) })
	require.Error(t, err)
	assert.Equal(t, 0, ix.Len())
}

func TestIndex_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	ix := New("test:2", p)
	require.NoError(t, ix.Batch(ctx, func(b *Batch) error {
		require.NoError(t, b.Add("a", []float32{1, 0}, md("d1", 0)))
		require.NoError(t, b.Add("b", []float32{1, 0}, md("d2", 0)))
		return nil
	}))

	reloaded := New("test:2", p)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, Stats{Entries: 2, Documents: 2, Dimension: 2, Provider: "test:2"}, reloaded.Stats())

	results, err := reloaded.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, "a", results[0].ChunkID)

	require.NoError(t, reloaded.Upsert(ctx, "c", []float32{1, 0}, md("d3", 0)))
	assert.Equal(t, int64(2), p.entries["c"].Seq)
}

func TestIndex_SchemaMismatch(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	require.NoError(t, New("old:2", p).Upsert(ctx, "a", []float32{1, 0}, md("d", 0)))

	ix := New("new:3", p)
	err := ix.Load(ctx)
	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "old:2", mismatch.Stored)

	_, err = ix.Search([]float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.ErrorIs(t, ix.Upsert(ctx, "b", []float32{1, 0, 0}, md("d", 0)), ErrSchemaMismatch)

	require.NoError(t, ix.DeleteAll(ctx))
	require.NoError(t, ix.Upsert(ctx, "b", []float32{1, 0, 0}, md("d", 0)))
	assert.Equal(t, "new:3", p.schema.Provider)
	assert.Equal(t, 3, p.schema.Dimension)
}

func TestIndex_LoadRejectsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	require.NoError(t, New("test:2", p).Batch(ctx, func(b *Batch) error {
		require.NoError(t, b.Add("a", []float32{1, 0}, md("d", 0)))
		require.NoError(t, b.Add("b", []float32{0, 1}, md("d", 1)))
		return nil
	}))
	bad := p.entries["b"]
	bad.Vector = []float32{0, 1, 0}
	p.entries["b"] = bad

	ix := New("test:2", p)
	err := ix.Load(ctx)
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, ix.Len(), "a failed load publishes nothing")
	assert.Equal(t, 0, ix.Stats().Dimension)

	_, err = ix.Search([]float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.ErrorIs(t, ix.Upsert(ctx, "c", []float32{1, 0}, md("d", 2)), ErrSchemaMismatch)
}

func TestIndex_ConcurrentReadersAndWriter(t *testing.T) {
	ctx := context.Background()
	ix := New("test:2", nil)
	require.NoError(t, ix.Upsert(ctx, "seed", []float32{1, 0}, md("d", 0)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, ix.Upsert(ctx, fmt.Sprintf("c%d", i), []float32{1, float32(i)}, md("d", i)))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				res, err := ix.Search([]float32{1, 0}, 5)
				assert.NoError(t, err)
				assert.NotEmpty(t, res)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 201, ix.Len())
}
