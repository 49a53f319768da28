package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/pdfqa/internal/config"
)

func TestOpen_LocalProviders(t *testing.T) {
	cfg := config.Default()
	cfg.EmbeddingProvider = config.ProviderHashing
	cfg.GenerationProvider = config.ProviderOllama
	cfg.EmbedCache = config.CacheMemory

	p, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer p.Close()

	_, cached := p.Embedder.(*CachedEmbedder)
	assert.True(t, cached)
	assert.Equal(t, "hashing:384", p.Embedder.Fingerprint())
	assert.Equal(t, "ollama:llama3", p.Chat.Name())
}

func TestOpen_UnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.GenerationProvider = "hashing"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}
