package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Cache stores embeddings by key. Put never overwrites an existing entry so
// concurrent callers observe a single value per key.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Put(ctx context.Context, key string, vec []float32) error
}

const defaultFillTimeout = 30 * time.Second

// CachedEmbedder memoizes another Embedder. Concurrent misses for the same
// key share one backend call. The shared call is not tied to any one
// caller's context; it is bounded by fillTimeout instead.
type CachedEmbedder struct {
	next        Embedder
	cache       Cache
	group       singleflight.Group
	fillTimeout time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedEmbedder wraps next. A fillTimeout of zero uses 30s.
func NewCachedEmbedder(next Embedder, cache Cache, fillTimeout time.Duration) *CachedEmbedder {
	if fillTimeout <= 0 {
		fillTimeout = defaultFillTimeout
	}
	return &CachedEmbedder{next: next, cache: cache, fillTimeout: fillTimeout}
}

func (c *CachedEmbedder) Fingerprint() string { return c.next.Fingerprint() }

// Counters returns cache hits and misses since creation.
func (c *CachedEmbedder) Counters() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.next.Fingerprint(), text)

	vec, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("Embedding cache lookup failed, calling backend")
	} else if ok {
		c.hits.Add(1)
		return vec, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		c.misses.Add(1)
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fillTimeout)
		defer cancel()
		vec, err := c.next.Embed(fillCtx, text)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Put(fillCtx, key, vec); err != nil {
			log.Warn().Err(err).Msg("Embedding cache store failed")
		}
		return vec, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, EmbeddingFailure(c.next.Fingerprint(), ctx.Err())
	}
}

func cacheKey(fingerprint, text string) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	entries sync.Map
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{} }

func (m *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	v, ok := m.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]float32), true, nil
}

func (m *MemoryCache) Put(_ context.Context, key string, vec []float32) error {
	m.entries.LoadOrStore(key, vec)
	return nil
}

// RedisCache shares embeddings between processes. Vectors are stored as
// little-endian float32 bytes.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "pdfqa:embedding:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	vec, err := decodeVector(data)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (r *RedisCache) Put(ctx context.Context, key string, vec []float32) error {
	if err := r.client.SetNX(ctx, r.prefix+key, encodeVector(vec), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("corrupt cached vector of %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, nil
}
