package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"gwi.com/pdfqa/internal/index"
	"gwi.com/pdfqa/internal/llm"
)

type ScoredChunk struct {
	ChunkID  string
	Score    float32
	Metadata index.Metadata
}

// Retriever finds the chunks most similar to a question.
type Retriever struct {
	embedder  llm.Embedder
	index     *index.Index
	threshold float32
	inclusive bool
	retry     *retrier
}

func (r *Retriever) Retrieve(ctx context.Context, question string, k int) ([]ScoredChunk, error) {
	if r.index.Len() == 0 {
		log.Debug().Msg("Vector index is empty, skipping retrieval")
		return nil, nil
	}

	vec, err := r.retry.embed(ctx, r.embedder, question)
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}
	hits, err := r.index.Search(vec, k)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	chunks := make([]ScoredChunk, 0, len(hits))
	for _, h := range hits {
		if !r.passes(h.Score) {
			continue
		}
		chunks = append(chunks, ScoredChunk{ChunkID: h.ChunkID, Score: h.Score, Metadata: h.Metadata})
	}
	if len(chunks) == 0 {
		log.Info().Float32("threshold", r.threshold).Msg("No relevant chunks found for query")
		return nil, nil
	}
	log.Debug().Int("chunks", len(chunks)).Msg("Retrieved relevant chunks for query")
	return chunks, nil
}

func (r *Retriever) passes(score float32) bool {
	if r.inclusive {
		return score >= r.threshold
	}
	return score > r.threshold
}
