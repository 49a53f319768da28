// Package index is the in-memory vector index over chunk embeddings with an
// optional write-through Persister.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"gwi.com/pdfqa/internal/utils"
)

var (
	ErrSchemaMismatch    = errors.New("index schema mismatch")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrEmptyVector       = errors.New("empty vector")
)

// SchemaMismatchError is returned when vectors do not match the index
// schema: persisted entries from a different embedding provider, or a vector
// of the wrong dimension.
type SchemaMismatchError struct {
	Stored     string
	Current    string
	StoredDim  int
	CurrentDim int
}

func (e *SchemaMismatchError) Error() string {
	if e.Stored != e.Current {
		return fmt.Sprintf("index was built with %q but current embedding provider is %q; clear the index to rebuild", e.Stored, e.Current)
	}
	return fmt.Sprintf("index holds %d-dimensional vectors from %q, got %d", e.StoredDim, e.Stored, e.CurrentDim)
}

func (e *SchemaMismatchError) Is(target error) bool {
	switch target {
	case ErrSchemaMismatch:
		return true
	case ErrDimensionMismatch:
		return e.StoredDim != e.CurrentDim
	}
	return false
}

type Metadata struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	ChunkIndex int    `json:"chunk_index"`
	Page       int    `json:"page"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`
}

// Entry is one stored vector. Seq is its insertion position; replacing an
// entry keeps its Seq.
type Entry struct {
	ChunkID  string
	Vector   []float32
	Metadata Metadata
	Seq      int64
}

type Result struct {
	ChunkID  string
	Score    float32
	Metadata Metadata
}

type Schema struct {
	Provider  string
	Dimension int
}

type Stats struct {
	Entries   int    `json:"entries"`
	Documents int    `json:"documents"`
	Dimension int    `json:"dimension"`
	Provider  string `json:"provider"`
}

// Persister stores entries durably. SaveEntries upserts by ChunkID.
type Persister interface {
	LoadSchema(ctx context.Context) (*Schema, error)
	SaveSchema(ctx context.Context, s Schema) error
	LoadEntries(ctx context.Context) ([]Entry, error)
	SaveEntries(ctx context.Context, entries []Entry) error
	DeleteAllEntries(ctx context.Context) error
}

// Index is safe for concurrent use. Searches run in parallel; writes are
// serialized and become visible atomically per batch.
type Index struct {
	provider  string
	persister Persister

	writeMu sync.Mutex

	mu       sync.RWMutex
	entries  []Entry
	byID     map[string]int
	dim      int
	nextSeq  int64
	mismatch *SchemaMismatchError
}

// New creates an empty index for vectors from provider. persister may be nil.
func New(provider string, persister Persister) *Index {
	return &Index{provider: provider, persister: persister, byID: make(map[string]int)}
}

// Load restores persisted entries. On a provider mismatch the index refuses
// reads and writes until DeleteAll is called.
func (ix *Index) Load(ctx context.Context) error {
	if ix.persister == nil {
		return nil
	}
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	schema, err := ix.persister.LoadSchema(ctx)
	if err != nil {
		return fmt.Errorf("loading index schema: %w", err)
	}
	if schema == nil {
		return nil
	}
	if schema.Provider != ix.provider {
		mismatch := &SchemaMismatchError{Stored: schema.Provider, Current: ix.provider}
		ix.mu.Lock()
		ix.mismatch = mismatch
		ix.mu.Unlock()
		return mismatch
	}

	entries, err := ix.persister.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("loading index entries: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	// Nothing is published unless every entry matches the schema.
	byID := make(map[string]int, len(entries))
	var nextSeq int64
	for i, e := range entries {
		if len(e.Vector) != schema.Dimension {
			mismatch := &SchemaMismatchError{Stored: ix.provider, Current: ix.provider, StoredDim: schema.Dimension, CurrentDim: len(e.Vector)}
			ix.mu.Lock()
			ix.mismatch = mismatch
			ix.mu.Unlock()
			return fmt.Errorf("entry %s: %w", e.ChunkID, mismatch)
		}
		byID[e.ChunkID] = i
		if e.Seq >= nextSeq {
			nextSeq = e.Seq + 1
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = entries
	ix.byID = byID
	ix.dim = schema.Dimension
	ix.nextSeq = nextSeq
	log.Info().Int("entries", len(ix.entries)).Str("provider", ix.provider).Msg("Vector index loaded")
	return nil
}

// Batch collects upserts that are persisted and published together.
type Batch struct {
	provider string
	dim      int
	entries  []Entry
	pos      map[string]int
}

func (b *Batch) Add(chunkID string, vec []float32, md Metadata) error {
	if len(vec) == 0 {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrEmptyVector)
	}
	if b.dim == 0 {
		b.dim = len(vec)
	}
	if len(vec) != b.dim {
		return fmt.Errorf("chunk %s: %w", chunkID, &SchemaMismatchError{Stored: b.provider, Current: b.provider, StoredDim: b.dim, CurrentDim: len(vec)})
	}
	e := Entry{ChunkID: chunkID, Vector: append([]float32(nil), vec...), Metadata: md}
	if i, ok := b.pos[chunkID]; ok {
		b.entries[i] = e
		return nil
	}
	b.pos[chunkID] = len(b.entries)
	b.entries = append(b.entries, e)
	return nil
}

func (b *Batch) Len() int { return len(b.entries) }

// Batch runs fn and applies every upsert it added. If fn or persistence
// fails nothing becomes visible.
func (ix *Index) Batch(ctx context.Context, fn func(b *Batch) error) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	ix.mu.RLock()
	mismatch, dim, nextSeq := ix.mismatch, ix.dim, ix.nextSeq
	ix.mu.RUnlock()
	if mismatch != nil {
		return mismatch
	}

	b := &Batch{provider: ix.provider, dim: dim, pos: make(map[string]int)}
	if err := fn(b); err != nil {
		return err
	}
	if len(b.entries) == 0 {
		return nil
	}

	ix.mu.RLock()
	for i := range b.entries {
		if at, ok := ix.byID[b.entries[i].ChunkID]; ok {
			b.entries[i].Seq = ix.entries[at].Seq
		} else {
			b.entries[i].Seq = nextSeq
			nextSeq++
		}
	}
	ix.mu.RUnlock()

	if ix.persister != nil {
		if dim == 0 {
			if err := ix.persister.SaveSchema(ctx, Schema{Provider: ix.provider, Dimension: b.dim}); err != nil {
				return fmt.Errorf("saving index schema: %w", err)
			}
		}
		if err := ix.persister.SaveEntries(ctx, b.entries); err != nil {
			return fmt.Errorf("saving index entries: %w", err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dim = b.dim
	ix.nextSeq = nextSeq
	for _, e := range b.entries {
		if at, ok := ix.byID[e.ChunkID]; ok {
			ix.entries[at] = e
			continue
		}
		ix.byID[e.ChunkID] = len(ix.entries)
		ix.entries = append(ix.entries, e)
	}
	return nil
}

// Upsert adds or replaces a single entry.
func (ix *Index) Upsert(ctx context.Context, chunkID string, vec []float32, md Metadata) error {
	return ix.Batch(ctx, func(b *Batch) error { return b.Add(chunkID, vec, md) })
}

// Search returns up to k entries ordered by cosine similarity, highest
// first. Ties keep insertion order.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.mismatch != nil {
		return nil, ix.mismatch
	}
	if k <= 0 || len(ix.entries) == 0 {
		return nil, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("query: %w", &SchemaMismatchError{Stored: ix.provider, Current: ix.provider, StoredDim: ix.dim, CurrentDim: len(query)})
	}

	results := make([]Result, 0, len(ix.entries))
	for _, e := range ix.entries {
		score, err := utils.CosineSimilarity(query, e.Vector)
		if err != nil {
			return nil, fmt.Errorf("scoring %s: %w", e.ChunkID, err)
		}
		results = append(results, Result{ChunkID: e.ChunkID, Score: score, Metadata: e.Metadata})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// DeleteAll removes every entry, including persisted ones, and clears any
// schema mismatch.
func (ix *Index) DeleteAll(ctx context.Context) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if ix.persister != nil {
		if err := ix.persister.DeleteAllEntries(ctx); err != nil {
			return fmt.Errorf("clearing persisted index: %w", err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
	ix.byID = make(map[string]int)
	ix.dim = 0
	ix.nextSeq = 0
	ix.mismatch = nil
	return nil
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *Index) Provider() string { return ix.provider }

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	docs := make(map[string]struct{})
	for _, e := range ix.entries {
		docs[e.Metadata.DocumentID] = struct{}{}
	}
	return Stats{Entries: len(ix.entries), Documents: len(docs), Dimension: ix.dim, Provider: ix.provider}
}
