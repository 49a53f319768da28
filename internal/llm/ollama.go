package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Ollama talks to a local model server over its native HTTP API.
type Ollama struct {
	baseURL        string
	embeddingModel string
	chatModel      string
	client         *http.Client
}

func NewOllama(baseURL, embeddingModel, chatModel string, client *http.Client) *Ollama {
	if client == nil {
		client = &http.Client{}
	}
	return &Ollama{
		baseURL:        strings.TrimRight(baseURL, "/"),
		embeddingModel: embeddingModel,
		chatModel:      chatModel,
		client:         client,
	}
}

func (o *Ollama) Fingerprint() string { return "ollama:" + o.embeddingModel + "@" + o.baseURL }

func (o *Ollama) Name() string { return "ollama:" + o.chatModel }

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{"model": o.embeddingModel, "prompt": text}
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := o.postJSON(ctx, "/api/embeddings", body, &out); err != nil {
		return nil, EmbeddingFailure(o.Fingerprint(), err)
	}
	if len(out.Embedding) == 0 {
		return nil, EmbeddingFailure(o.Fingerprint(), errors.New("no embedding returned"))
	}
	return out.Embedding, nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (o *Ollama) Complete(ctx context.Context, c Completion) (string, error) {
	msgs := make([]ollamaMessage, 0, len(c.History)+2)
	if c.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: c.System})
	}
	for _, m := range c.History {
		msgs = append(msgs, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: c.Prompt})

	body := map[string]any{
		"model":    o.chatModel,
		"messages": msgs,
		"stream":   false,
		"options":  map[string]any{"temperature": 0},
	}
	var out struct {
		Message ollamaMessage `json:"message"`
	}
	if err := o.postJSON(ctx, "/api/chat", body, &out); err != nil {
		return "", GenerationFailure(o.Name(), err)
	}
	if out.Message.Content == "" {
		return "", GenerationFailure(o.Name(), errors.New("empty chat response"))
	}
	return out.Message.Content, nil
}

func (o *Ollama) postJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama POST %s failed: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding ollama response: %w", err)
	}
	return nil
}
