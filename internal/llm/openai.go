package llm

import (
	"context"
	"errors"
	"fmt"

	embopenai "github.com/cloudwego/eino-ext/components/embedding/openai"
	chatopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"gwi.com/pdfqa/internal/utils"
)

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint through eino.
type OpenAIEmbedder struct {
	embedder    embedding.Embedder
	fingerprint string
}

func NewOpenAIEmbedder(ctx context.Context, cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	emb, err := embopenai.NewEmbedder(ctx, &embopenai.EmbeddingConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create openai embedder: %w", err)
	}
	return newOpenAIEmbedder(emb, cfg), nil
}

func newOpenAIEmbedder(emb embedding.Embedder, cfg OpenAIConfig) *OpenAIEmbedder {
	return &OpenAIEmbedder{embedder: emb, fingerprint: "openai:" + cfg.Model + "@" + cfg.BaseURL}
}

func (e *OpenAIEmbedder) Fingerprint() string { return e.fingerprint }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedder.EmbedStrings(ctx, []string{text})
	if err != nil {
		return nil, EmbeddingFailure(e.fingerprint, fmt.Errorf("openai embedding request failed: %w", err))
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, EmbeddingFailure(e.fingerprint, errors.New("empty embedding returned"))
	}
	return utils.ToFloat32(vectors[0]), nil
}

// OpenAIChat calls an OpenAI-compatible chat completions endpoint through eino.
type OpenAIChat struct {
	model model.BaseChatModel
	name  string
}

func NewOpenAIChat(ctx context.Context, cfg OpenAIConfig) (*OpenAIChat, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	cm, err := chatopenai.NewChatModel(ctx, &chatopenai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create openai chat model: %w", err)
	}
	return &OpenAIChat{model: cm, name: "openai:" + cfg.Model}, nil
}

func (c *OpenAIChat) Name() string { return c.name }

func (c *OpenAIChat) Complete(ctx context.Context, req Completion) (string, error) {
	msg, err := c.model.Generate(ctx, toSchemaMessages(req))
	if err != nil {
		return "", GenerationFailure(c.name, fmt.Errorf("openai chat request failed: %w", err))
	}
	if msg == nil || msg.Content == "" {
		return "", GenerationFailure(c.name, errors.New("empty chat response"))
	}
	return msg.Content, nil
}

func toSchemaMessages(req Completion) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, schema.SystemMessage(req.System))
	}
	for _, m := range req.History {
		if m.Role == RoleAssistant {
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		} else {
			msgs = append(msgs, schema.UserMessage(m.Content))
		}
	}
	return append(msgs, schema.UserMessage(req.Prompt))
}
