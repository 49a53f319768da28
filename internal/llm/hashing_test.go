package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/pdfqa/internal/utils"
)

func TestHashingEmbedder_Deterministic(t *testing.T) {
	e := NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "The tide rises over the reef")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "The tide rises over the reef")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, utils.Magnitude(a), 1e-5)
	assert.Equal(t, "hashing:64", e.Fingerprint())
}

func TestHashingEmbedder_Similarity(t *testing.T) {
	e := NewHashingEmbedder(256)
	ctx := context.Background()

	q, _ := e.Embed(ctx, "moon tide")
	near, _ := e.Embed(ctx, "the moon pulls the tide")
	far, _ := e.Embed(ctx, "granite basalt quartz")

	simNear, err := utils.CosineSimilarity(q, near)
	require.NoError(t, err)
	simFar, err := utils.CosineSimilarity(q, far)
	require.NoError(t, err)
	assert.Greater(t, simNear, simFar)
	assert.Greater(t, simNear, float32(0.5))
}

func TestHashingEmbedder_StopwordsOnly(t *testing.T) {
	e := NewHashingEmbedder(32)
	vec, err := e.Embed(context.Background(), "the and of")
	require.NoError(t, err)
	assert.Equal(t, float32(0), utils.Magnitude(vec))
}

func TestHashingEmbedder_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashingEmbedder(8).Embed(ctx, "text")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}
