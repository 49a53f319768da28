package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"gwi.com/pdfqa/internal/config"
)

// Providers bundles the backends selected by configuration.
type Providers struct {
	Embedder Embedder
	Chat     ChatModel

	closers []func() error
}

// Open builds the embedding and chat backends named in cfg. Call Close when done.
func Open(ctx context.Context, cfg *config.Config) (*Providers, error) {
	p := &Providers{}

	var gemini *Gemini
	geminiClient := func() (*Gemini, error) {
		if gemini != nil {
			return gemini, nil
		}
		g, err := NewGemini(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		gemini = g
		p.closers = append(p.closers, g.Close)
		return g, nil
	}
	ollama := NewOllama(cfg.OllamaURL, cfg.OllamaEmbeddingModel, cfg.OllamaChatModel, http.DefaultClient)

	var emb Embedder
	switch cfg.EmbeddingProvider {
	case config.ProviderGemini:
		g, err := geminiClient()
		if err != nil {
			p.Close()
			return nil, err
		}
		emb = g
	case config.ProviderOpenAI:
		e, err := NewOpenAIEmbedder(ctx, OpenAIConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIEmbeddingModel})
		if err != nil {
			p.Close()
			return nil, err
		}
		emb = e
	case config.ProviderOllama:
		emb = ollama
	case config.ProviderHashing:
		emb = NewHashingEmbedder(cfg.HashingDimension)
	default:
		p.Close()
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	switch cfg.EmbedCache {
	case config.CacheMemory:
		emb = NewCachedEmbedder(emb, NewMemoryCache(), cfg.EmbedTimeout)
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			p.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		p.closers = append(p.closers, client.Close)
		emb = NewCachedEmbedder(emb, NewRedisCache(client, "", 0), cfg.EmbedTimeout)
	}
	p.Embedder = emb

	switch cfg.GenerationProvider {
	case config.ProviderGemini:
		g, err := geminiClient()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.Chat = g
	case config.ProviderOpenAI:
		c, err := NewOpenAIChat(ctx, OpenAIConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIChatModel})
		if err != nil {
			p.Close()
			return nil, err
		}
		p.Chat = c
	case config.ProviderOllama:
		p.Chat = ollama
	default:
		p.Close()
		return nil, fmt.Errorf("unknown generation provider %q", cfg.GenerationProvider)
	}

	log.Info().
		Str("embedding", p.Embedder.Fingerprint()).
		Str("generation", p.Chat.Name()).
		Str("cache", cfg.EmbedCache).
		Msg("Model providers ready")
	return p, nil
}

// Close releases clients in reverse order of creation.
func (p *Providers) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
