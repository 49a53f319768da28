package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"gwi.com/pdfqa/internal/llm"
)

const maxRetryDelay = 5 * time.Second

// Stats counts backend retries and final failures.
type Stats struct {
	embedRetries     atomic.Int64
	generateRetries  atomic.Int64
	embedFailures    atomic.Int64
	generateFailures atomic.Int64
}

type RetryCounters struct {
	EmbedRetries     int64 `json:"embed_retries"`
	GenerateRetries  int64 `json:"generate_retries"`
	EmbedFailures    int64 `json:"embed_failures"`
	GenerateFailures int64 `json:"generate_failures"`
}

func (s *Stats) Snapshot() RetryCounters {
	return RetryCounters{
		EmbedRetries:     s.embedRetries.Load(),
		GenerateRetries:  s.generateRetries.Load(),
		EmbedFailures:    s.embedFailures.Load(),
		GenerateFailures: s.generateFailures.Load(),
	}
}

// retrier bounds each backend call with a timeout and retries unavailable
// backends with exponential backoff.
type retrier struct {
	maxRetries      int
	baseDelay       time.Duration
	embedTimeout    time.Duration
	generateTimeout time.Duration
	stats           *Stats
}

func (r *retrier) embed(ctx context.Context, e llm.Embedder, text string) ([]float32, error) {
	var vec []float32
	err := r.run(ctx, "embed", r.embedTimeout, llm.ErrEmbeddingUnavailable, &r.stats.embedRetries, func(ctx context.Context) error {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		r.stats.embedFailures.Add(1)
		return nil, err
	}
	return vec, nil
}

func (r *retrier) complete(ctx context.Context, m llm.ChatModel, c llm.Completion) (string, error) {
	var out string
	err := r.run(ctx, "generate", r.generateTimeout, llm.ErrGenerationUnavailable, &r.stats.generateRetries, func(ctx context.Context) error {
		s, err := m.Complete(ctx, c)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		r.stats.generateFailures.Add(1)
		return "", err
	}
	return out, nil
}

func (r *retrier) run(ctx context.Context, op string, timeout time.Duration, retryable error, counter *atomic.Int64, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, retryable) || attempt >= r.maxRetries || ctx.Err() != nil {
			return err
		}

		counter.Add(1)
		delay := r.delay(attempt)
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("backoff", delay).Msg("Backend call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (r *retrier) delay(attempt int) time.Duration {
	if r.baseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := r.baseDelay << attempt
	if d <= 0 || d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
