package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "hashing")
	t.Setenv("GENERATION_PROVIDER", "ollama")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 200, cfg.ChunkOverlap)
	assert.Equal(t, 10, cfg.MaxHistory)
	assert.InDelta(t, 0.7, cfg.SimilarityThreshold, 1e-9)
	assert.True(t, cfg.SimilarityInclusive)
	assert.Equal(t, int64(10<<20), cfg.MaxFileSizeBytes)
	assert.Equal(t, NoContextDecline, cfg.NoContextPolicy)
	assert.Equal(t, BusyQueue, cfg.SessionBusyPolicy)
	assert.Equal(t, 30*time.Second, cfg.EmbedTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "HASHING")
	t.Setenv("GENERATION_PROVIDER", "ollama")
	t.Setenv("CHUNK_SIZE", "500")
	t.Setenv("CHUNK_OVERLAP", "50")
	t.Setenv("SIMILARITY_INCLUSIVE", "false")
	t.Setenv("NO_CONTEXT_POLICY", "general")
	t.Setenv("GENERATE_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderHashing, cfg.EmbeddingProvider)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.False(t, cfg.SimilarityInclusive)
	assert.Equal(t, NoContextGeneral, cfg.NoContextPolicy)
	assert.Equal(t, 5*time.Second, cfg.GenerateTimeout)
}

func TestLoad_FailsFast(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing gemini key", map[string]string{"EMBEDDING_PROVIDER": "gemini", "GEMINI_API_KEY": ""}},
		{"missing openai key", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "openai"}},
		{"unknown provider", map[string]string{"EMBEDDING_PROVIDER": "word2vec", "GENERATION_PROVIDER": "ollama"}},
		{"overlap not below size", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "ollama", "CHUNK_SIZE": "100", "CHUNK_OVERLAP": "100"}},
		{"malformed int", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "ollama", "MAX_CONVERSATION_HISTORY": "ten"}},
		{"threshold out of range", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "ollama", "SIMILARITY_THRESHOLD": "1.5"}},
		{"bad policy", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "ollama", "NO_CONTEXT_POLICY": "guess"}},
		{"bad file size", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "ollama", "MAX_FILE_SIZE_MB": "0"}},
		{"malformed bool", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "ollama", "SIMILARITY_INCLUSIVE": "maybe"}},
		{"malformed redis db", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "ollama", "REDIS_DB": "abc"}},
		{"negative redis db", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "ollama", "REDIS_DB": "-1"}},
		{"malformed duration", map[string]string{"EMBEDDING_PROVIDER": "hashing", "GENERATION_PROVIDER": "ollama", "EMBED_TIMEOUT": "soon"}},
		{"hashing dimension unused but invalid", map[string]string{"EMBEDDING_PROVIDER": "ollama", "GENERATION_PROVIDER": "ollama", "HASHING_DIMENSION": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GEMINI_API_KEY", "")
			t.Setenv("OPENAI_API_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestLoad_ReportsMalformedKey(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "hashing")
	t.Setenv("GENERATION_PROVIDER", "ollama")
	t.Setenv("SIMILARITY_INCLUSIVE", "maybe")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "SIMILARITY_INCLUSIVE")
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
