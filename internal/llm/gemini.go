package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

const (
	defaultGeminiChatModel      = "gemini-1.5-flash-latest"
	defaultGeminiEmbeddingModel = "text-embedding-004"
)

// Gemini serves both embeddings and chat from one client.
type Gemini struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
	temperature    float32
}

func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{
		client:         client,
		chatModel:      defaultGeminiChatModel,
		embeddingModel: defaultGeminiEmbeddingModel,
		temperature:    0.2,
	}, nil
}

func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("closing GenAI client: %w", err)
	}
	log.Debug().Msg("GenAI client closed")
	return nil
}

func (g *Gemini) Name() string { return "gemini:" + g.chatModel }

func (g *Gemini) Fingerprint() string { return "gemini:" + g.embeddingModel }

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	em := g.client.EmbeddingModel(g.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, EmbeddingFailure(g.Fingerprint(), fmt.Errorf("gemini embedding request failed: %w", err))
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, EmbeddingFailure(g.Fingerprint(), errors.New("no embedding data received from gemini"))
	}
	return res.Embedding.Values, nil
}

func (g *Gemini) Complete(ctx context.Context, c Completion) (string, error) {
	model := g.client.GenerativeModel(g.chatModel)
	if c.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(c.System)}}
	}
	temp := g.temperature
	model.GenerationConfig = genai.GenerationConfig{Temperature: &temp}

	session := model.StartChat()
	for _, m := range c.History {
		session.History = append(session.History, &genai.Content{
			Role:  geminiRole(m.Role),
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	resp, err := session.SendMessage(ctx, genai.Text(c.Prompt))
	if err != nil {
		return "", GenerationFailure(g.Name(), fmt.Errorf("gemini chat SendMessage failed: %w", err))
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", GenerationFailure(g.Name(), errors.New("gemini response had no candidates"))
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			log.Debug().Str("type", fmt.Sprintf("%T", part)).Msg("Ignoring non-text gemini response part")
		}
	}
	if text.Len() == 0 {
		return "", GenerationFailure(g.Name(), errors.New("gemini response had no text"))
	}
	return text.String(), nil
}

func geminiRole(r Role) string {
	if r == RoleAssistant {
		return "model"
	}
	return "user"
}
