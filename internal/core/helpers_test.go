package core

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gwi.com/pdfqa/internal/config"
	"gwi.com/pdfqa/internal/index"
	"gwi.com/pdfqa/internal/ingest"
	"gwi.com/pdfqa/internal/llm"
	"gwi.com/pdfqa/internal/store"
)

type fakeChat struct {
	mu      sync.Mutex
	calls   []llm.Completion
	reply   func(n int, c llm.Completion) (string, error)
	entered chan struct{}
	gate    chan struct{}
	// only, when set, limits entered and gate to requests with this prompt.
	only string
}

func (f *fakeChat) Name() string { return "fake" }

func (f *fakeChat) Complete(ctx context.Context, c llm.Completion) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	n := len(f.calls)
	f.mu.Unlock()

	held := f.only == "" || c.Prompt == f.only
	if held && f.entered != nil {
		f.entered <- struct{}{}
	}
	if held && f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", llm.GenerationFailure("fake", ctx.Err())
		}
	}
	if f.reply != nil {
		return f.reply(n, c)
	}
	return "answer to " + c.Prompt, nil
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// poisonEmbedder fails for any text containing "poison".
type poisonEmbedder struct {
	llm.Embedder
	mu    sync.Mutex
	calls int
}

func (p *poisonEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if strings.Contains(text, "poison") {
		return nil, llm.EmbeddingFailure(p.Fingerprint(), context.DeadlineExceeded)
	}
	return p.Embedder.Embed(ctx, text)
}

func (p *poisonEmbedder) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ChunkSize = 100
	cfg.ChunkOverlap = 20
	cfg.SimilarityThreshold = 0.5
	cfg.TopK = 3
	cfg.MaxHistory = 10
	cfg.RetryBaseDelay = time.Millisecond
	cfg.EmbedRatePerSec = 0
	cfg.EmbedTimeout = 5 * time.Second
	cfg.GenerateTimeout = 5 * time.Second
	return cfg
}

type testEnv struct {
	svc      *ChatService
	chat     *fakeChat
	embedder *poisonEmbedder
	index    *index.Index
	store    *store.SQLiteStore
}

// pagedRegistry serves ".pdf" files whose pages are separated by "|".
func pagedRegistry() *ingest.Registry {
	r := ingest.DefaultRegistry()
	r.Register(".pdf", ingest.ExtractorFunc(func(data []byte) ([]string, error) {
		return strings.Split(string(data), "|"), nil
	}))
	return r
}

func newTestEnv(t *testing.T, cfg *config.Config, chat *fakeChat) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emb := &poisonEmbedder{Embedder: llm.NewHashingEmbedder(384)}
	ix := index.New(emb.Fingerprint(), st)
	chunker := ingest.NewChunker(ingest.WithChunkSize(cfg.ChunkSize), ingest.WithOverlap(cfg.ChunkOverlap))
	ingestor := ingest.NewIngestor(pagedRegistry(), chunker, cfg.MaxFileSizeBytes)

	if chat == nil {
		chat = &fakeChat{}
	}
	return &testEnv{
		svc:      NewChatService(cfg, ingestor, emb, chat, ix, st),
		chat:     chat,
		embedder: emb,
		index:    ix,
		store:    st,
	}
}

// threePagePDF has 80 four-letter words over pages of 30, 25 and 25 words.
// Words 36-47 repeat "moon tide wave reef"; with a 100/20 window the text
// splits into five chunks and only the third one holds those words.
func threePagePDF() []byte {
	keywords := []string{"moon", "tide", "wave", "reef"}
	filler := []string{"dust", "rock", "sand", "soil", "clay"}
	words := make([]string, 80)
	for i := range words {
		if i >= 36 && i <= 47 {
			words[i] = keywords[(i-36)%4]
		} else {
			words[i] = filler[i%5]
		}
	}
	pages := []string{
		strings.Join(words[0:30], " "),
		strings.Join(words[30:55], " "),
		strings.Join(words[55:80], " "),
	}
	return []byte(strings.Join(pages, "|"))
}
