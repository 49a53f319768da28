// Package llm holds the embedding and chat model backends. Each backend is
// selected once from configuration and used through the Embedder and
// ChatModel interfaces.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Embedder converts text into a fixed-dimension vector. Identical text and
// configuration must always produce the same vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Fingerprint identifies the backend and model. Vectors from different
	// fingerprints are never compared.
	Fingerprint() string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Completion is a single chat request: system instruction, prior turns
// (oldest first) and the final user prompt.
type Completion struct {
	System  string
	History []Message
	Prompt  string
}

// ChatModel produces an answer for a completion request.
type ChatModel interface {
	Complete(ctx context.Context, c Completion) (string, error)
	Name() string
}

var (
	ErrEmbeddingUnavailable  = errors.New("embedding unavailable")
	ErrGenerationUnavailable = errors.New("generation unavailable")
)

// EmbeddingUnavailableError reports a failed embedding backend call.
type EmbeddingUnavailableError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *EmbeddingUnavailableError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("embedding provider %s timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("embedding provider %s failed: %v", e.Provider, e.Err)
}

func (e *EmbeddingUnavailableError) Unwrap() error { return e.Err }

func (e *EmbeddingUnavailableError) Is(target error) bool { return target == ErrEmbeddingUnavailable }

// GenerationUnavailableError reports a failed chat backend call.
type GenerationUnavailableError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *GenerationUnavailableError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("generation provider %s timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("generation provider %s failed: %v", e.Provider, e.Err)
}

func (e *GenerationUnavailableError) Unwrap() error { return e.Err }

func (e *GenerationUnavailableError) Is(target error) bool { return target == ErrGenerationUnavailable }

// EmbeddingFailure wraps err unless it already is an *EmbeddingUnavailableError.
func EmbeddingFailure(provider string, err error) error {
	var eu *EmbeddingUnavailableError
	if errors.As(err, &eu) {
		return err
	}
	return &EmbeddingUnavailableError{Provider: provider, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
}

// GenerationFailure wraps err unless it already is a *GenerationUnavailableError.
func GenerationFailure(provider string, err error) error {
	var gu *GenerationUnavailableError
	if errors.As(err, &gu) {
		return err
	}
	return &GenerationUnavailableError{Provider: provider, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
}
